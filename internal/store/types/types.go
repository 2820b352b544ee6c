// Package types defines the domain model shared by every store adapter:
// users, contacts, chats and messages, plus the surrogate id type used to
// identify them on the wire and in storage.
package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

// Uid is a surrogate record id, generated by internal/ids and shared by
// users, chats and messages alike. It marshals to/from JSON as an
// unpadded base64 string so it prints compactly in logs and responses.
type Uid uint64

// ZeroUid is the unset value of a Uid.
const ZeroUid Uid = 0

const uidBase64Len = 11

// IsZero reports whether uid is unset.
func (uid Uid) IsZero() bool { return uid == 0 }

// String renders uid in its wire form.
func (uid Uid) String() string {
	b, _ := uid.MarshalText()
	return string(b)
}

// MarshalText implements encoding.TextMarshaler.
func (uid Uid) MarshalText() ([]byte, error) {
	if uid == 0 {
		return []byte{}, nil
	}
	src := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, uint64(uid))
	dst := make([]byte, base64.URLEncoding.EncodedLen(8))
	base64.URLEncoding.Encode(dst, src)
	return dst[:uidBase64Len], nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (uid *Uid) UnmarshalText(src []byte) error {
	if len(src) == 0 {
		*uid = 0
		return nil
	}
	if len(src) != uidBase64Len {
		return errors.New("types: Uid.UnmarshalText: invalid length")
	}
	padded := make([]byte, uidBase64Len, uidBase64Len+1)
	copy(padded, src)
	for len(padded) < uidBase64Len+1 {
		padded = append(padded, '=')
	}
	dec := make([]byte, base64.URLEncoding.DecodedLen(len(padded)))
	n, err := base64.URLEncoding.Decode(dec, padded)
	if err != nil || n < 8 {
		return errors.New("types: Uid.UnmarshalText: malformed id")
	}
	*uid = Uid(binary.LittleEndian.Uint64(dec))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (uid Uid) MarshalJSON() ([]byte, error) {
	b, _ := uid.MarshalText()
	out := make([]byte, 0, len(b)+2)
	out = append(out, '"')
	out = append(out, b...)
	out = append(out, '"')
	return out, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (uid *Uid) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.New("types: Uid.UnmarshalJSON: expected a JSON string")
	}
	return uid.UnmarshalText(b[1 : len(b)-1])
}

// ParseUid decodes a wire-form id, returning ZeroUid for an empty string.
func ParseUid(s string) (Uid, error) {
	var uid Uid
	err := uid.UnmarshalText([]byte(s))
	return uid, err
}

// ChatType distinguishes the singleton common chat from a two-party chat.
type ChatType string

const (
	// ChatSingle is a two-participant chat, unique per unordered pair.
	ChatSingle ChatType = "single"
	// ChatCommon is the one broadcast chat every user may join.
	ChatCommon ChatType = "common"
)

// User is a registered account.
type User struct {
	ID           Uid       `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	FirstName    string    `json:"first_name" db:"first_name"`
	SecondName   string    `json:"second_name" db:"second_name"`
	Bio          string    `json:"bio" db:"bio"`
	AvatarFile   string    `json:"avatar_file,omitempty" db:"avatar_file"`
	Authenticated bool     `json:"-" db:"authenticated"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Contact is a directed owner-user -> contact-user relation.
type Contact struct {
	ID        Uid       `json:"id" db:"id"`
	OwnerID   Uid       `json:"owner_id" db:"owner_id"`
	ContactID Uid       `json:"contact_id" db:"contact_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Chat is either the singleton common chat or a two-party single chat.
type Chat struct {
	ID           Uid      `json:"id" db:"id"`
	Type         ChatType `json:"chat_type" db:"chat_type"`
	Participants []Uid    `json:"participants"`
	MessageIDs   []Uid    `json:"message_ids"`
}

// Message is a single, append-only chat message.
type Message struct {
	ID           Uid       `json:"id" db:"id"`
	SenderUserID Uid       `json:"sender_user_id" db:"sender_id"`
	ChatID       Uid       `json:"chat_id" db:"chat_id"`
	Text         string    `json:"text" db:"text"`
	CreatedAt    time.Time `json:"created_at" db:"created"`

	// SenderUsername is populated by the store on read paths that need it
	// for the wire response; it is never persisted.
	SenderUsername string `json:"-" db:"-"`
}

// ClientHistoryEntry records one successful login's peer address.
type ClientHistoryEntry struct {
	ID        Uid       `json:"id" db:"id"`
	ClientID  Uid       `json:"client_id" db:"client_id"`
	Address   string    `json:"address" db:"address"`
	CreatedAt time.Time `json:"created_at" db:"created"`
}

// MediaKind distinguishes stored blob records. Only avatars are modeled;
// arbitrary picture attachments are a non-goal of this core (rich media in
// messages is explicitly out of scope).
type MediaKind string

// MediaAvatar is the only MediaKind the core mints today.
const MediaAvatar MediaKind = "avatar"

// MediaRecord is the core's bookkeeping for a blob held in the external
// avatar store; only the opaque file-name token crosses the core.
type MediaRecord struct {
	ID         Uid       `json:"id" db:"id"`
	Kind       MediaKind `json:"kind" db:"kind"`
	UploaderID Uid       `json:"uploader_id" db:"uploader_id"`
	Path       string    `json:"path" db:"path"`
	CreatedAt  time.Time `json:"created_at" db:"created"`
}

// AvatarFileName is the deterministic token minted for a user's avatar.
func AvatarFileName(username string) string {
	return username + "_avatar.png"
}
