// Package action implements one handler function per verb: register,
// login, logout, add_contact, delete_contact, get_chat, common_chat,
// add_message, profile, update_profile, search_in_chat.
package action

import (
	"github.com/chatcore/messenger/internal/router"
	"github.com/chatcore/messenger/internal/wire"
)

// validateBase requires username to be a non-empty string, the one rule
// every handler shares.
func validateBase(req wire.Request) bool {
	return req.StringField("username") != ""
}

// validateCredentials additionally requires a non-empty password, for
// register and login.
func validateCredentials(req wire.Request) bool {
	return validateBase(req) && req.StringField("password") != ""
}

func malformed(req wire.Request) wire.Response {
	return wire.Malformed(req.Action)
}

func refused(req wire.Request, info string) wire.Response {
	return wire.NewStatus(req, wire.CodeRefused, info)
}

func internal(req wire.Request) wire.Response {
	return wire.Internal(req.Action)
}

// AuthRoutes returns the route table contributed by the auth module.
func AuthRoutes() []router.Route {
	return []router.Route{
		{Verb: "register", Handler: Register},
		{Verb: "login", Handler: Login},
		{Verb: "logout", Handler: Logout},
	}
}

// ChatRoutes returns the route table contributed by the chat module.
func ChatRoutes() []router.Route {
	return []router.Route{
		{Verb: "add_contact", Handler: AddContact},
		{Verb: "delete_contact", Handler: DeleteContact},
		{Verb: "get_chat", Handler: GetChat},
		{Verb: "common_chat", Handler: CommonChat},
		{Verb: "add_message", Handler: AddMessage},
		{Verb: "profile", Handler: Profile},
		{Verb: "update_profile", Handler: UpdateProfile},
		{Verb: "search_in_chat", Handler: SearchInChat},
	}
}
