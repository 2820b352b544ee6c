package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/messenger/internal/eventbus"
	"github.com/chatcore/messenger/internal/fanout"
	"github.com/chatcore/messenger/internal/router"
	"github.com/chatcore/messenger/internal/session"
	"github.com/chatcore/messenger/internal/wire"
)

type testSink struct {
	username string
	received []wire.Response
}

func (s *testSink) Send(resp wire.Response) error {
	s.received = append(s.received, resp)
	return nil
}

func (s *testSink) Username() string   { return s.username }
func (s *testSink) RemoteAddr() string { return "192.0.2.1:5555" }

func newDeps() (router.Deps, *memStore) {
	store := newMemStore()
	bus := eventbus.New()
	registry := session.New(bus)
	pool := fanout.New(registry, 4, nil, nil)
	return router.Deps{Store: store, Sessions: registry, Bus: bus, Fanout: pool}, store
}

func req(action string, data map[string]interface{}) wire.Request {
	return wire.Request{Action: action, Data: data}
}

func TestRegister_ThenLogin(t *testing.T) {
	deps, _ := newDeps()
	ctx := context.Background()

	resp := Register(ctx, req("register", map[string]interface{}{
		"username": "alice", "password": "x", "repeat_password": "x",
	}), nil, deps)
	assert.Equal(t, wire.CodeOK, resp.Code)
	assert.Equal(t, "register", resp.Action)

	loginResp := Login(ctx, req("login", map[string]interface{}{
		"username": "alice", "password": "x",
	}), &testSink{username: "alice"}, deps)
	assert.Equal(t, wire.CodeOK, loginResp.Code)

	userData, ok := loginResp.Fields["user_data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alice", userData["username"])
	assert.Equal(t, map[string]string{}, userData["contacts"])
}

func TestRegister_Duplicate(t *testing.T) {
	deps, _ := newDeps()
	ctx := context.Background()
	data := map[string]interface{}{"username": "alice", "password": "x", "repeat_password": "x"}

	first := Register(ctx, req("register", data), nil, deps)
	assert.Equal(t, wire.CodeOK, first.Code)

	second := Register(ctx, req("register", data), nil, deps)
	assert.Equal(t, wire.CodeRefused, second.Code)
	assert.Equal(t, "Clientname already exists", second.Info)
}

func TestRegister_PasswordMismatch(t *testing.T) {
	deps, _ := newDeps()
	resp := Register(context.Background(), req("register", map[string]interface{}{
		"username": "alice", "password": "x", "repeat_password": "y",
	}), nil, deps)
	assert.Equal(t, wire.CodeRefused, resp.Code)
}

func TestLogin_RecordsSinkRemoteAddr(t *testing.T) {
	deps, store := newDeps()
	ctx := context.Background()
	Register(ctx, req("register", map[string]interface{}{
		"username": "alice", "password": "x", "repeat_password": "x",
	}), nil, deps)

	sink := &testSink{username: "alice"}
	resp := Login(ctx, req("login", map[string]interface{}{
		"username": "alice", "password": "x", "peer_address": "1.2.3.4:9999",
	}), sink, deps)
	require.Equal(t, wire.CodeOK, resp.Code)

	user, err := store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, sink.RemoteAddr(), store.lastLoginAddr(user.ID))
	assert.NotEqual(t, "1.2.3.4:9999", store.lastLoginAddr(user.ID))
}

func TestLogin_WrongPassword(t *testing.T) {
	deps, _ := newDeps()
	ctx := context.Background()
	Register(ctx, req("register", map[string]interface{}{
		"username": "alice", "password": "x", "repeat_password": "x",
	}), nil, deps)

	resp := Login(ctx, req("login", map[string]interface{}{
		"username": "alice", "password": "wrong",
	}), &testSink{username: "alice"}, deps)
	assert.Equal(t, wire.CodeRefused, resp.Code)
}

func TestLogout_RemovesBinding(t *testing.T) {
	deps, _ := newDeps()
	ctx := context.Background()
	Register(ctx, req("register", map[string]interface{}{
		"username": "alice", "password": "x", "repeat_password": "x",
	}), nil, deps)
	Login(ctx, req("login", map[string]interface{}{"username": "alice", "password": "x"}), &testSink{username: "alice"}, deps)

	_, ok := deps.Sessions.Lookup("alice")
	require.True(t, ok)

	Logout(ctx, req("logout", map[string]interface{}{"username": "alice"}), nil, deps)
	_, ok = deps.Sessions.Lookup("alice")
	assert.False(t, ok)
}

func registerAndLogin(t *testing.T, deps router.Deps, username string) *testSink {
	t.Helper()
	ctx := context.Background()
	Register(ctx, req("register", map[string]interface{}{
		"username": username, "password": "x", "repeat_password": "x",
	}), nil, deps)
	sink := &testSink{username: username}
	resp := Login(ctx, req("login", map[string]interface{}{"username": username, "password": "x"}), sink, deps)
	require.Equal(t, wire.CodeOK, resp.Code)
	return sink
}

func TestTwoPartyChat(t *testing.T) {
	deps, store := newDeps()
	ctx := context.Background()
	registerAndLogin(t, deps, "alice")
	bobSink := registerAndLogin(t, deps, "bob")

	aliceUser, err := store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	bobUser, err := store.UserByUsername(ctx, "bob")
	require.NoError(t, err)

	addResp := AddContact(ctx, req("add_contact", map[string]interface{}{
		"username": "alice", "contact": "bob",
	}), nil, deps)
	require.Equal(t, wire.CodeOK, addResp.Code)

	chatResp := GetChat(ctx, req("get_chat", map[string]interface{}{
		"username": "alice", "user_id": aliceUser.ID.String(), "contact_id": bobUser.ID.String(),
	}), nil, deps)
	require.Equal(t, wire.CodeOK, chatResp.Code)
	assert.Equal(t, "bob", chatResp.Fields["contact_username"])
	assert.Equal(t, 0, chatResp.Fields["lenght"])
	chatID := chatResp.Fields["chat_id"].(string)

	msgResp := AddMessage(ctx, req("add_message", map[string]interface{}{
		"username": "alice", "chat_id": chatID, "message": "hi", "contact_username": "bob",
	}), nil, deps)
	require.Equal(t, wire.CodeOK, msgResp.Code)
	assert.Equal(t, [2]string{"alice", "hi"}, msgResp.Fields["message"])

	// Fan-out runs on the pool; wait for it to drain before inspecting sinks.
	deps.Fanout.StopAndWait()
	require.Len(t, bobSink.received, 1)
	assert.Equal(t, msgResp.Fields["message"], bobSink.received[0].Fields["message"])
}

func TestCommonChatFanout(t *testing.T) {
	deps, _ := newDeps()
	ctx := context.Background()
	registerAndLogin(t, deps, "alice")
	carolSink := registerAndLogin(t, deps, "carol")

	commonResp := CommonChat(ctx, req("common_chat", map[string]interface{}{"username": "alice"}), nil, deps)
	require.Equal(t, wire.CodeOK, commonResp.Code)
	chatID := commonResp.Fields["chat_id"].(string)
	CommonChat(ctx, req("common_chat", map[string]interface{}{"username": "carol"}), nil, deps)

	msgResp := AddMessage(ctx, req("add_message", map[string]interface{}{
		"username": "alice", "chat_id": chatID, "message": "hello all",
	}), nil, deps)
	require.Equal(t, wire.CodeOK, msgResp.Code)

	deps.Fanout.StopAndWait()
	require.Len(t, carolSink.received, 1)
	assert.Equal(t, msgResp.Fields["message"], carolSink.received[0].Fields["message"])
}

func TestSearchInChat(t *testing.T) {
	deps, store := newDeps()
	ctx := context.Background()
	registerAndLogin(t, deps, "alice")
	registerAndLogin(t, deps, "bob")
	AddContact(ctx, req("add_contact", map[string]interface{}{"username": "alice", "contact": "bob"}), nil, deps)

	aliceUser, _ := store.UserByUsername(ctx, "alice")
	bobUser, _ := store.UserByUsername(ctx, "bob")
	chat, _, err := store.GetOrCreateSingleChat(ctx, aliceUser.ID, bobUser.ID)
	require.NoError(t, err)

	for _, text := range []string{"hi", "HI there", "bye"} {
		_, err := store.AppendMessage(ctx, chat.ID, aliceUser.ID, text)
		require.NoError(t, err)
	}

	resp := SearchInChat(ctx, req("search_in_chat", map[string]interface{}{
		"username": "alice", "chat_id": chat.ID.String(), "word": "hi",
	}), nil, deps)
	require.Equal(t, wire.CodeOK, resp.Code)
	assert.Equal(t, 2, resp.Fields["lenght"])
}

func TestDeleteContact_Idempotent(t *testing.T) {
	deps, store := newDeps()
	ctx := context.Background()
	registerAndLogin(t, deps, "alice")
	registerAndLogin(t, deps, "bob")
	AddContact(ctx, req("add_contact", map[string]interface{}{"username": "alice", "contact": "bob"}), nil, deps)

	bobUser, _ := store.UserByUsername(ctx, "bob")
	data := map[string]interface{}{"username": "alice", "contact_id": bobUser.ID.String()}

	first := DeleteContact(ctx, req("delete_contact", data), nil, deps)
	assert.Equal(t, wire.CodeOK, first.Code)
	second := DeleteContact(ctx, req("delete_contact", data), nil, deps)
	assert.Equal(t, wire.CodeOK, second.Code)

	aliceUser, err := store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	contacts, err := store.ContactsOf(ctx, aliceUser.ID)
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestUpdateProfile_MintsAvatarOnUpload(t *testing.T) {
	deps, store := newDeps()
	ctx := context.Background()
	registerAndLogin(t, deps, "alice")

	resp := UpdateProfile(ctx, req("update_profile", map[string]interface{}{
		"username": "alice", "first_name": "Alice", "second_name": "A", "upload_status": true,
	}), nil, deps)
	require.Equal(t, wire.CodeOK, resp.Code)
	assert.Equal(t, "alice_avatar.png", resp.Fields["avatar_file"])
	assert.NotEmpty(t, resp.Fields["upload_ticket"])

	u, err := store.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.FirstName)
}

func TestUnknownAction_FailsValidation(t *testing.T) {
	r := router.New(AuthRoutes(), ChatRoutes())
	assert.False(t, r.ValidateAction("frobnicate"))
}
