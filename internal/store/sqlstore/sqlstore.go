// Package sqlstore implements the relational variant of the Store: a
// db.sqlite file in the working directory, opened through jmoiron/sqlx
// over the pure-Go modernc.org/sqlite driver so the core never needs cgo
// or a running database server.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/chatcore/messenger/internal/ids"
	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/store/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	first_name TEXT NOT NULL DEFAULT '',
	second_name TEXT NOT NULL DEFAULT '',
	bio TEXT NOT NULL DEFAULT '',
	avatar_file TEXT NOT NULL DEFAULT '',
	authenticated INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id INTEGER PRIMARY KEY,
	owner_id INTEGER NOT NULL REFERENCES users(id),
	contact_id INTEGER NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL,
	UNIQUE(owner_id, contact_id)
);

CREATE TABLE IF NOT EXISTS chats (
	id INTEGER PRIMARY KEY,
	chat_type TEXT NOT NULL
);

-- Exactly one common chat may ever exist; a partial unique index enforces
-- it at the storage layer rather than trusting callers.
CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_single_common
	ON chats(chat_type) WHERE chat_type = 'common';

CREATE TABLE IF NOT EXISTS chat_participants (
	chat_id INTEGER NOT NULL REFERENCES chats(id),
	user_id INTEGER NOT NULL REFERENCES users(id),
	joined_at DATETIME NOT NULL,
	PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	sender_id INTEGER NOT NULL REFERENCES users(id),
	chat_id INTEGER NOT NULL REFERENCES chats(id),
	text TEXT NOT NULL,
	created DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS client_history (
	id INTEGER PRIMARY KEY,
	client_id INTEGER NOT NULL REFERENCES users(id),
	address TEXT NOT NULL,
	created DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS media (
	id INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	uploader_id INTEGER NOT NULL REFERENCES users(id),
	path TEXT NOT NULL,
	created DATETIME NOT NULL
);
`

// Store is the relational Adapter implementation.
type Store struct {
	db  *sqlx.DB
	ids *ids.Generator

	// chatMu serializes chat lookup-or-create so two concurrent senders
	// opening the same single chat for the first time cannot both win the
	// race and end up with two single-chats sharing the same participant
	// set. Message id allocation for a given chat is also effectively
	// serialized through this lock's sibling, writeMu.
	chatMu sync.Mutex

	// writeMu serializes message appends so ids.Generator output stays
	// monotonic in the order messages are actually committed. A single
	// process-wide lock is a deliberate simplification for a single-node
	// core; it is held for one append: the participant check, the INSERT
	// and the sender-username lookup.
	writeMu sync.Mutex
}

// New builds an unopened Store using gen for surrogate ids.
func New(gen *ids.Generator) *Store {
	return &Store{ids: gen}
}

// Open opens (creating if absent) the sqlite file at dsn and applies the
// schema. dsn is a plain filesystem path, e.g. "db.sqlite".
func (s *Store) Open(ctx context.Context, dsn string) error {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("sqlstore: schema: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ adapter.Adapter = (*Store)(nil)

// CreateUser implements adapter.Adapter.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error) {
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM users WHERE username = ?`, username); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, adapter.ErrUsernameTaken
	}

	id := s.ids.Next()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		uint64(id), username, passwordHash, now,
	)
	if err != nil {
		return nil, err
	}
	return &types.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

// UserByUsername implements adapter.Adapter.
func (s *Store) UserByUsername(ctx context.Context, username string) (*types.User, error) {
	return s.queryUser(ctx, `SELECT id, username, password_hash, first_name, second_name, bio, avatar_file, authenticated, created_at FROM users WHERE username = ?`, username)
}

// UserByID implements adapter.Adapter.
func (s *Store) UserByID(ctx context.Context, id types.Uid) (*types.User, error) {
	return s.queryUser(ctx, `SELECT id, username, password_hash, first_name, second_name, bio, avatar_file, authenticated, created_at FROM users WHERE id = ?`, uint64(id))
}

func (s *Store) queryUser(ctx context.Context, query string, arg interface{}) (*types.User, error) {
	type row struct {
		ID            uint64    `db:"id"`
		Username      string    `db:"username"`
		PasswordHash  string    `db:"password_hash"`
		FirstName     string    `db:"first_name"`
		SecondName    string    `db:"second_name"`
		Bio           string    `db:"bio"`
		AvatarFile    string    `db:"avatar_file"`
		Authenticated bool      `db:"authenticated"`
		CreatedAt     time.Time `db:"created_at"`
	}
	var r row
	if err := s.db.GetContext(ctx, &r, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, adapter.ErrUserNotFound
		}
		return nil, err
	}
	return &types.User{
		ID: types.Uid(r.ID), Username: r.Username, PasswordHash: r.PasswordHash,
		FirstName: r.FirstName, SecondName: r.SecondName, Bio: r.Bio,
		AvatarFile: r.AvatarFile, Authenticated: r.Authenticated, CreatedAt: r.CreatedAt,
	}, nil
}

// SetAuthenticated implements adapter.Adapter.
func (s *Store) SetAuthenticated(ctx context.Context, id types.Uid, authenticated bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET authenticated = ? WHERE id = ?`, authenticated, uint64(id))
	return err
}

// RecordLogin implements adapter.Adapter.
func (s *Store) RecordLogin(ctx context.Context, id types.Uid, peerAddress string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_history (id, client_id, address, created) VALUES (?, ?, ?, ?)`,
		uint64(s.ids.Next()), uint64(id), peerAddress, time.Now().UTC(),
	)
	return err
}

// UpdateProfile implements adapter.Adapter.
func (s *Store) UpdateProfile(ctx context.Context, id types.Uid, firstName, secondName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET first_name = ?, second_name = ? WHERE id = ?`,
		firstName, secondName, uint64(id),
	)
	return err
}

// SetAvatar implements adapter.Adapter.
func (s *Store) SetAvatar(ctx context.Context, id types.Uid, fileName string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET avatar_file = ? WHERE id = ?`, fileName, uint64(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO media (id, kind, uploader_id, path, created) VALUES (?, ?, ?, ?, ?)`,
		uint64(s.ids.Next()), string(types.MediaAvatar), uint64(id), fileName, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ContactsOf implements adapter.Adapter.
func (s *Store) ContactsOf(ctx context.Context, ownerID types.Uid) (map[string]types.Uid, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT u.username, u.id FROM contacts c JOIN users u ON u.id = c.contact_id WHERE c.owner_id = ?`,
		uint64(ownerID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]types.Uid{}
	for rows.Next() {
		var username string
		var id uint64
		if err := rows.Scan(&username, &id); err != nil {
			return nil, err
		}
		out[username] = types.Uid(id)
	}
	return out, rows.Err()
}

// AddContact implements adapter.Adapter.
func (s *Store) AddContact(ctx context.Context, ownerID, contactID types.Uid) error {
	var exists int
	if err := s.db.GetContext(ctx, &exists,
		`SELECT COUNT(1) FROM contacts WHERE owner_id = ? AND contact_id = ?`,
		uint64(ownerID), uint64(contactID),
	); err != nil {
		return err
	}
	if exists > 0 {
		return adapter.ErrContactExists
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, owner_id, contact_id, created_at) VALUES (?, ?, ?, ?)`,
		uint64(s.ids.Next()), uint64(ownerID), uint64(contactID), time.Now().UTC(),
	)
	return err
}

// DeleteContact implements adapter.Adapter. It is idempotent and accepts
// either a contact-relation id (legacy clients) or the contact's user id
// (the canonical form).
func (s *Store) DeleteContact(ctx context.Context, ownerID, contactOrRelationID types.Uid) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE owner_id = ? AND (contact_id = ? OR id = ?)`,
		uint64(ownerID), uint64(contactOrRelationID), uint64(contactOrRelationID),
	)
	return err
}

// GetOrCreateSingleChat implements adapter.Adapter.
func (s *Store) GetOrCreateSingleChat(ctx context.Context, userA, userB types.Uid) (*types.Chat, bool, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	var existing uint64
	err := s.db.GetContext(ctx, &existing, `
		SELECT cp1.chat_id FROM chat_participants cp1
		JOIN chat_participants cp2 ON cp1.chat_id = cp2.chat_id
		JOIN chats c ON c.id = cp1.chat_id
		WHERE c.chat_type = 'single' AND cp1.user_id = ? AND cp2.user_id = ?
		GROUP BY cp1.chat_id
		HAVING COUNT(DISTINCT cp1.user_id) = 1
	`, uint64(userA), uint64(userB))
	if err == nil {
		chat, loadErr := s.ChatByID(ctx, types.Uid(existing))
		return chat, false, loadErr
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	id := s.ids.Next()
	if _, err := tx.ExecContext(ctx, `INSERT INTO chats (id, chat_type) VALUES (?, 'single')`, uint64(id)); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	for _, u := range []types.Uid{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)`,
			uint64(id), uint64(u), now,
		); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &types.Chat{ID: id, Type: types.ChatSingle, Participants: []types.Uid{userA, userB}}, true, nil
}

// GetOrCreateCommonChat implements adapter.Adapter.
func (s *Store) GetOrCreateCommonChat(ctx context.Context, participant types.Uid) (*types.Chat, bool, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	var id uint64
	created := false
	err := s.db.GetContext(ctx, &id, `SELECT id FROM chats WHERE chat_type = 'common'`)
	if errors.Is(err, sql.ErrNoRows) {
		newID := s.ids.Next()
		if _, err := s.db.ExecContext(ctx, `INSERT INTO chats (id, chat_type) VALUES (?, 'common')`, uint64(newID)); err != nil {
			return nil, false, err
		}
		id = uint64(newID)
		created = true
	} else if err != nil {
		return nil, false, err
	}

	var already int
	if err := s.db.GetContext(ctx, &already,
		`SELECT COUNT(1) FROM chat_participants WHERE chat_id = ? AND user_id = ?`, id, uint64(participant),
	); err != nil {
		return nil, false, err
	}
	if already == 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)`,
			id, uint64(participant), time.Now().UTC(),
		); err != nil {
			return nil, false, err
		}
	}

	chat, err := s.ChatByID(ctx, types.Uid(id))
	return chat, created, err
}

// ChatByID implements adapter.Adapter.
func (s *Store) ChatByID(ctx context.Context, id types.Uid) (*types.Chat, error) {
	var chatType string
	if err := s.db.GetContext(ctx, &chatType, `SELECT chat_type FROM chats WHERE id = ?`, uint64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, adapter.ErrUserNotFound
		}
		return nil, err
	}

	var participants []uint64
	if err := s.db.SelectContext(ctx, &participants,
		`SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY joined_at`, uint64(id),
	); err != nil {
		return nil, err
	}
	var msgIDs []uint64
	if err := s.db.SelectContext(ctx, &msgIDs, `SELECT id FROM messages WHERE chat_id = ? ORDER BY id`, uint64(id)); err != nil {
		return nil, err
	}

	chat := &types.Chat{ID: id, Type: types.ChatType(chatType)}
	for _, p := range participants {
		chat.Participants = append(chat.Participants, types.Uid(p))
	}
	for _, m := range msgIDs {
		chat.MessageIDs = append(chat.MessageIDs, types.Uid(m))
	}
	return chat, nil
}

// AppendMessage implements adapter.Adapter.
func (s *Store) AppendMessage(ctx context.Context, chatID, senderID types.Uid, text string) (*types.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, adapter.ErrEmptyMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var participates int
	if err := s.db.GetContext(ctx, &participates,
		`SELECT COUNT(1) FROM chat_participants WHERE chat_id = ? AND user_id = ?`,
		uint64(chatID), uint64(senderID),
	); err != nil {
		return nil, err
	}
	if participates == 0 {
		return nil, adapter.ErrNotParticipant
	}

	id := s.ids.Next()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, chat_id, text, created) VALUES (?, ?, ?, ?, ?)`,
		uint64(id), uint64(senderID), uint64(chatID), text, now,
	); err != nil {
		return nil, err
	}

	username, err := s.Username(ctx, senderID)
	if err != nil {
		return nil, err
	}
	return &types.Message{ID: id, SenderUserID: senderID, ChatID: chatID, Text: text, CreatedAt: now, SenderUsername: username}, nil
}

// MessagesOf implements adapter.Adapter.
func (s *Store) MessagesOf(ctx context.Context, chatID types.Uid) ([]types.Message, error) {
	return s.queryMessages(ctx,
		`SELECT m.id, m.sender_id, m.chat_id, m.text, m.created, u.username AS sender_username
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = ? ORDER BY m.id`, uint64(chatID))
}

// SearchMessages implements adapter.Adapter: case-insensitive substring
// match against text, restricted to chatID, in chronological order.
func (s *Store) SearchMessages(ctx context.Context, chatID types.Uid, word string) ([]types.Message, error) {
	return s.queryMessages(ctx,
		`SELECT m.id, m.sender_id, m.chat_id, m.text, m.created, u.username AS sender_username
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = ? AND LOWER(m.text) LIKE ?
		 ORDER BY m.id`, uint64(chatID), "%"+strings.ToLower(word)+"%")
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]types.Message, error) {
	type row struct {
		ID             uint64    `db:"id"`
		SenderID       uint64    `db:"sender_id"`
		ChatID         uint64    `db:"chat_id"`
		Text           string    `db:"text"`
		Created        time.Time `db:"created"`
		SenderUsername string    `db:"sender_username"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]types.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Message{
			ID: types.Uid(r.ID), SenderUserID: types.Uid(r.SenderID), ChatID: types.Uid(r.ChatID),
			Text: r.Text, CreatedAt: r.Created, SenderUsername: r.SenderUsername,
		})
	}
	return out, nil
}

// Username implements adapter.Adapter.
func (s *Store) Username(ctx context.Context, id types.Uid) (string, error) {
	var username string
	if err := s.db.GetContext(ctx, &username, `SELECT username FROM users WHERE id = ?`, uint64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", adapter.ErrUserNotFound
		}
		return "", err
	}
	return username, nil
}
