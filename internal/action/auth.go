package action

import (
	"context"
	"errors"

	"github.com/chatcore/messenger/internal/auth"
	"github.com/chatcore/messenger/internal/router"
	"github.com/chatcore/messenger/internal/session"
	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/wire"
)

// Register implements the `register` verb: username, password and
// repeat_password must all be non-empty and the passwords must match;
// the username must not already exist.
func Register(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateCredentials(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	password := req.StringField("password")
	repeat := req.StringField("repeat_password")
	if repeat == "" || password != repeat {
		return refused(req, "Passwords do not match")
	}

	hash := auth.HashPassword(password)

	_, err := deps.Store.CreateUser(ctx, username, hash)
	if errors.Is(err, adapter.ErrUsernameTaken) {
		return refused(req, "Clientname already exists")
	}
	if err != nil {
		return internal(req)
	}
	return wire.NewResponse(req, "Registered")
}

// Login implements the `login` verb: on success it marks the user
// authenticated, records the peer address, binds the session sink, and
// returns the user's id, username, contacts map and avatar token.
func Login(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateCredentials(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	password := req.StringField("password")

	user, err := deps.Store.UserByUsername(ctx, username)
	if errors.Is(err, adapter.ErrUserNotFound) {
		return refused(req, "Unknown username or password")
	}
	if err != nil {
		return internal(req)
	}
	if !auth.VerifyPassword(password, user.PasswordHash) {
		return refused(req, "Unknown username or password")
	}

	if err := deps.Store.SetAuthenticated(ctx, user.ID, true); err != nil {
		return internal(req)
	}
	var peerAddress string
	if sink != nil {
		peerAddress = sink.RemoteAddr()
	}
	_ = deps.Store.RecordLogin(ctx, user.ID, peerAddress)

	contacts, err := deps.Store.ContactsOf(ctx, user.ID)
	if err != nil {
		return internal(req)
	}
	contactMap := make(map[string]string, len(contacts))
	for name, id := range contacts {
		contactMap[name] = id.String()
	}

	resp := wire.NewResponse(req, "Logged in").With("user_data", map[string]interface{}{
		"id":          user.ID.String(),
		"username":    user.Username,
		"contacts":    contactMap,
		"avatar_file": user.AvatarFile,
	})

	// The binding must be visible to subsequent fan-outs before this
	// response is itself dispatched, so bind before returning rather than
	// leaving it to the caller.
	if sink != nil {
		deps.Sessions.Bind(username, sink)
	}
	return resp
}

// Logout implements the `logout` verb: clears the authenticated flag and
// removes the Session Registry binding. The connection itself stays open.
func Logout(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")

	if user, err := deps.Store.UserByUsername(ctx, username); err == nil {
		_ = deps.Store.SetAuthenticated(ctx, user.ID, false)
	}
	if sink != nil {
		deps.Sessions.UnbindSink(username, sink)
	} else {
		deps.Sessions.Unbind(username)
	}
	return wire.NewResponse(req, "Logged out")
}
