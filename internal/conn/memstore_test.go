package conn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/store/types"
)

// testStore is a minimal in-memory adapter.Adapter used only by this
// package's integration tests, enough to drive real connections end to
// end without a real database.
type testStore struct {
	mu       sync.Mutex
	nextID   uint64
	users    map[types.Uid]*types.User
	byName   map[string]types.Uid
	contacts map[types.Uid]map[string]types.Uid
	chats    map[types.Uid]*types.Chat
	messages map[types.Uid][]types.Message
	common   types.Uid
}

func newTestStore() *testStore {
	return &testStore{
		users:    map[types.Uid]*types.User{},
		byName:   map[string]types.Uid{},
		contacts: map[types.Uid]map[string]types.Uid{},
		chats:    map[types.Uid]*types.Chat{},
		messages: map[types.Uid][]types.Message{},
	}
}

func (m *testStore) nextUid() types.Uid {
	m.nextID++
	return types.Uid(m.nextID)
}

func (m *testStore) Open(ctx context.Context, dsn string) error { return nil }
func (m *testStore) Close() error                               { return nil }

func (m *testStore) CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[username]; exists {
		return nil, adapter.ErrUsernameTaken
	}
	id := m.nextUid()
	u := &types.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.users[id] = u
	m.byName[username] = id
	m.contacts[id] = map[string]types.Uid{}
	return u, nil
}

func (m *testStore) UserByUsername(ctx context.Context, username string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[username]
	if !ok {
		return nil, adapter.ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *testStore) UserByID(ctx context.Context, id types.Uid) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, adapter.ErrUserNotFound
	}
	return u, nil
}

func (m *testStore) SetAuthenticated(ctx context.Context, id types.Uid, authenticated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Authenticated = authenticated
	}
	return nil
}

func (m *testStore) RecordLogin(ctx context.Context, id types.Uid, peerAddress string) error {
	return nil
}

func (m *testStore) UpdateProfile(ctx context.Context, id types.Uid, firstName, secondName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.FirstName, u.SecondName = firstName, secondName
	}
	return nil
}

func (m *testStore) SetAvatar(ctx context.Context, id types.Uid, fileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.AvatarFile = fileName
	}
	return nil
}

func (m *testStore) ContactsOf(ctx context.Context, ownerID types.Uid) (map[string]types.Uid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Uid, len(m.contacts[ownerID]))
	for k, v := range m.contacts[ownerID] {
		out[k] = v
	}
	return out, nil
}

func (m *testStore) AddContact(ctx context.Context, ownerID, contactID types.Uid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.users[contactID]
	if !ok {
		return adapter.ErrUserNotFound
	}
	if _, exists := m.contacts[ownerID][contact.Username]; exists {
		return adapter.ErrContactExists
	}
	m.contacts[ownerID][contact.Username] = contactID
	return nil
}

func (m *testStore) DeleteContact(ctx context.Context, ownerID, contactOrRelationID types.Uid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, id := range m.contacts[ownerID] {
		if id == contactOrRelationID {
			delete(m.contacts[ownerID], name)
			return nil
		}
	}
	return nil
}

func (m *testStore) GetOrCreateSingleChat(ctx context.Context, userA, userB types.Uid) (*types.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.Type != types.ChatSingle {
			continue
		}
		if samePair(c.Participants, userA, userB) {
			return c, false, nil
		}
	}
	id := m.nextUid()
	c := &types.Chat{ID: id, Type: types.ChatSingle, Participants: []types.Uid{userA, userB}}
	m.chats[id] = c
	return c, true, nil
}

func samePair(participants []types.Uid, a, b types.Uid) bool {
	if len(participants) != 2 {
		return false
	}
	return (participants[0] == a && participants[1] == b) || (participants[0] == b && participants[1] == a)
}

func (m *testStore) GetOrCreateCommonChat(ctx context.Context, participant types.Uid) (*types.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := false
	if m.common.IsZero() {
		id := m.nextUid()
		m.common = id
		m.chats[id] = &types.Chat{ID: id, Type: types.ChatCommon}
		created = true
	}
	c := m.chats[m.common]
	present := false
	for _, p := range c.Participants {
		if p == participant {
			present = true
		}
	}
	if !present {
		c.Participants = append(c.Participants, participant)
	}
	return c, created, nil
}

func (m *testStore) ChatByID(ctx context.Context, id types.Uid) (*types.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, adapter.ErrUserNotFound
	}
	return c, nil
}

func (m *testStore) AppendMessage(ctx context.Context, chatID, senderID types.Uid, text string) (*types.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, adapter.ErrEmptyMessage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, adapter.ErrUserNotFound
	}
	isParticipant := false
	for _, p := range c.Participants {
		if p == senderID {
			isParticipant = true
		}
	}
	if !isParticipant {
		return nil, adapter.ErrNotParticipant
	}
	sender := m.users[senderID]
	id := m.nextUid()
	msg := types.Message{ID: id, SenderUserID: senderID, ChatID: chatID, Text: text, CreatedAt: time.Now(), SenderUsername: sender.Username}
	m.messages[chatID] = append(m.messages[chatID], msg)
	c.MessageIDs = append(c.MessageIDs, id)
	return &msg, nil
}

func (m *testStore) MessagesOf(ctx context.Context, chatID types.Uid) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Message(nil), m.messages[chatID]...), nil
}

func (m *testStore) SearchMessages(ctx context.Context, chatID types.Uid, word string) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Message
	lower := strings.ToLower(word)
	for _, msg := range m.messages[chatID] {
		if strings.Contains(strings.ToLower(msg.Text), lower) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *testStore) Username(ctx context.Context, id types.Uid) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return "", adapter.ErrUserNotFound
	}
	return u.Username, nil
}

var _ adapter.Adapter = (*testStore)(nil)
