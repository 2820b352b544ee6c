// Package adapter defines the storage contract the core's handlers depend
// on. Two implementations exist — internal/store/sqlstore (relational) and
// internal/store/mongostore (document) — either of which satisfies every
// entity invariant, including the single-common-chat constraint, which
// each adapter enforces itself rather than trusting callers.
package adapter

import (
	"context"
	"errors"

	"github.com/chatcore/messenger/internal/store/types"
)

// Sentinel errors returned by adapters; handlers translate these into
// 205 "application refusal" responses. They are never logged as
// exceptions (that's reserved for genuine faults, which surface as plain
// Go errors an adapter did not anticipate).
var (
	ErrUsernameTaken    = errors.New("adapter: username already exists")
	ErrUserNotFound     = errors.New("adapter: user not found")
	ErrBadPassword      = errors.New("adapter: wrong password")
	ErrContactNotFound  = errors.New("adapter: contact does not exist")
	ErrContactExists    = errors.New("adapter: contact already present")
	ErrEmptyMessage     = errors.New("adapter: message text is empty")
	ErrNotParticipant   = errors.New("adapter: sender is not a chat participant")
)

// Adapter is the storage contract backing the core's handlers. Every
// method that can fail for an ordinary, expected reason (duplicate
// username, unknown contact, ...) returns one of the sentinel errors above;
// anything else is a genuine store fault and becomes a 500 response.
type Adapter interface {
	// Open prepares the adapter for use (opening a DB file/connection,
	// applying the schema or indexes). The singleton common chat is not
	// created here; GetOrCreateCommonChat creates it on first access.
	Open(ctx context.Context, dsn string) error
	// Close releases underlying resources.
	Close() error

	// Users

	CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error)
	UserByUsername(ctx context.Context, username string) (*types.User, error)
	UserByID(ctx context.Context, id types.Uid) (*types.User, error)
	SetAuthenticated(ctx context.Context, id types.Uid, authenticated bool) error
	RecordLogin(ctx context.Context, id types.Uid, peerAddress string) error
	UpdateProfile(ctx context.Context, id types.Uid, firstName, secondName string) error
	SetAvatar(ctx context.Context, id types.Uid, fileName string) error

	// Contacts. Contact identity is canonicalized on the contact's user id;
	// owner-side relation ids are not exposed on the wire, but
	// DeleteContact also accepts a legacy relation id for backward
	// compatibility with older clients.

	ContactsOf(ctx context.Context, ownerID types.Uid) (map[string]types.Uid, error)
	AddContact(ctx context.Context, ownerID, contactID types.Uid) error
	DeleteContact(ctx context.Context, ownerID types.Uid, contactOrRelationID types.Uid) error

	// Chats and messages

	GetOrCreateSingleChat(ctx context.Context, userA, userB types.Uid) (*types.Chat, bool, error)
	GetOrCreateCommonChat(ctx context.Context, participant types.Uid) (*types.Chat, bool, error)
	ChatByID(ctx context.Context, id types.Uid) (*types.Chat, error)
	AppendMessage(ctx context.Context, chatID, senderID types.Uid, text string) (*types.Message, error)
	MessagesOf(ctx context.Context, chatID types.Uid) ([]types.Message, error)
	SearchMessages(ctx context.Context, chatID types.Uid, word string) ([]types.Message, error)

	// Username resolves a user id to its username for fan-out/response
	// shaping without a second round trip through UserByID.
	Username(ctx context.Context, id types.Uid) (string, error)
}
