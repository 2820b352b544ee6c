// Package ids generates the surrogate identifiers used across the core:
// time-ordered snowflake ids for store records (so message ids are
// monotonically increasing within a chat, per spec invariant) and UUIDs for
// ephemeral connection identifiers that never touch the store.
package ids

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tinode/snowflake"

	"github.com/chatcore/messenger/internal/store/types"
)

// Generator mints surrogate record ids. A single process-wide Generator is
// shared by every store adapter so ids stay comparable across them.
type Generator struct {
	mu sync.Mutex
	sf *snowflake.Snowflake
}

// NewGenerator builds a Generator for the given worker/node number (0-1023).
// Distinct server processes sharing a store must use distinct node numbers.
func NewGenerator(node uint32) (*Generator, error) {
	sf, err := snowflake.New(node)
	if err != nil {
		return nil, err
	}
	return &Generator{sf: sf}, nil
}

// Next returns the next surrogate id. Safe for concurrent use.
func (g *Generator) Next() types.Uid {
	g.mu.Lock()
	defer g.mu.Unlock()
	return types.Uid(g.sf.Generate())
}

// NewConnectionID returns a fresh opaque id for one TCP connection. It is
// held on the connection's sink only — never persisted, never a types.Uid.
func NewConnectionID() string {
	return uuid.NewString()
}
