package action

import (
	"context"
	"errors"

	"github.com/chatcore/messenger/internal/auth"
	"github.com/chatcore/messenger/internal/router"
	"github.com/chatcore/messenger/internal/session"
	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/store/types"
	"github.com/chatcore/messenger/internal/wire"
)

// AddContact implements the `add_contact` verb.
func AddContact(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	contactName := req.StringField("contact")
	if contactName == "" {
		return malformed(req)
	}

	owner, err := deps.Store.UserByUsername(ctx, username)
	if err != nil {
		return internal(req)
	}
	contact, err := deps.Store.UserByUsername(ctx, contactName)
	if errors.Is(err, adapter.ErrUserNotFound) {
		return refused(req, "Contact does not exist")
	}
	if err != nil {
		return internal(req)
	}

	err = deps.Store.AddContact(ctx, owner.ID, contact.ID)
	if errors.Is(err, adapter.ErrContactExists) {
		return refused(req, "Contact already present")
	}
	if err != nil {
		return internal(req)
	}

	return wire.NewResponse(req, "Contact added").
		With("contact", contact.Username).
		With("contact_id", contact.ID.String())
}

// DeleteContact implements the `delete_contact` verb. It is idempotent
// and accepts either contact_id (the contact's user id, or a legacy
// relation id) or contact (a username) to identify the entry to remove.
func DeleteContact(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")

	owner, err := deps.Store.UserByUsername(ctx, username)
	if err != nil {
		return internal(req)
	}

	var target types.Uid
	if idStr := req.StringField("contact_id"); idStr != "" {
		target, err = types.ParseUid(idStr)
		if err != nil {
			return malformed(req)
		}
	} else if contactName := req.StringField("contact"); contactName != "" {
		contact, err := deps.Store.UserByUsername(ctx, contactName)
		if errors.Is(err, adapter.ErrUserNotFound) {
			// Already gone; idempotent success.
			return wire.NewResponse(req, "Contact removed")
		}
		if err != nil {
			return internal(req)
		}
		target = contact.ID
	} else {
		return malformed(req)
	}

	if err := deps.Store.DeleteContact(ctx, owner.ID, target); err != nil {
		return internal(req)
	}
	return wire.NewResponse(req, "Contact removed")
}

// GetChat implements the `get_chat` verb: returns the unique non-common
// chat between the caller and contact_id, creating it on first call.
func GetChat(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	contactIDStr := req.StringField("contact_id")
	if contactIDStr == "" {
		return malformed(req)
	}
	contactID, err := types.ParseUid(contactIDStr)
	if err != nil {
		return malformed(req)
	}

	owner, err := deps.Store.UserByUsername(ctx, username)
	if err != nil {
		return internal(req)
	}
	contact, err := deps.Store.UserByID(ctx, contactID)
	if errors.Is(err, adapter.ErrUserNotFound) {
		return refused(req, "Contact does not exist")
	}
	if err != nil {
		return internal(req)
	}

	chat, created, err := deps.Store.GetOrCreateSingleChat(ctx, owner.ID, contact.ID)
	if err != nil {
		return internal(req)
	}

	resp := wire.NewResponse(req, "Chat ready").
		With("chat_id", chat.ID.String()).
		With("contact_user_id", contact.ID.String()).
		With("contact_username", contact.Username)

	if created {
		return resp.With("lenght", 0)
	}

	messages, err := deps.Store.MessagesOf(ctx, chat.ID)
	if err != nil {
		return internal(req)
	}
	return resp.
		With("messages", messagePairs(messages)).
		With("lenght", len(messages))
}

func messagePairs(messages []types.Message) [][2]string {
	out := make([][2]string, len(messages))
	for i, m := range messages {
		out[i] = [2]string{m.SenderUsername, m.Text}
	}
	return out
}

// CommonChat implements the `common_chat` verb: returns the singleton
// common chat, adding the caller to its participants on first access.
func CommonChat(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")

	owner, err := deps.Store.UserByUsername(ctx, username)
	if err != nil {
		return internal(req)
	}

	chat, _, err := deps.Store.GetOrCreateCommonChat(ctx, owner.ID)
	if err != nil {
		return internal(req)
	}
	return wire.NewResponse(req, "Common chat ready").With("chat_id", chat.ID.String())
}

// AddMessage implements the `add_message` verb: appends a message to the
// chat then fans the identical response out per the rules in
// internal/fanout.
func AddMessage(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	chatIDStr := req.StringField("chat_id")
	text := req.StringField("message")
	if chatIDStr == "" {
		return malformed(req)
	}
	chatID, err := types.ParseUid(chatIDStr)
	if err != nil {
		return malformed(req)
	}

	sender, err := deps.Store.UserByUsername(ctx, username)
	if err != nil {
		return internal(req)
	}

	msg, err := deps.Store.AppendMessage(ctx, chatID, sender.ID, text)
	if errors.Is(err, adapter.ErrEmptyMessage) {
		return refused(req, "Message is empty")
	}
	if errors.Is(err, adapter.ErrNotParticipant) {
		return refused(req, "Not a participant of this chat")
	}
	if err != nil {
		return internal(req)
	}

	contactUsername := req.StringField("contact_username")
	resp := wire.NewResponse(req, "Message sent").
		With("chat_id", chatID.String()).
		With("message", [2]string{username, msg.Text})
	if contactUsername != "" {
		resp = resp.With("contact_username", contactUsername)
	}

	if deps.Fanout != nil {
		if contactUsername != "" {
			deps.Fanout.DeliverToContact(contactUsername, resp)
		} else {
			deps.Fanout.Broadcast(username, resp)
		}
	}
	return resp
}

// Profile implements the `profile` verb.
func Profile(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	user, err := deps.Store.UserByUsername(ctx, username)
	if errors.Is(err, adapter.ErrUserNotFound) {
		return refused(req, "Unknown username")
	}
	if err != nil {
		return internal(req)
	}
	return wire.NewResponse(req, "Profile").
		With("first_name", user.FirstName).
		With("second_name", user.SecondName).
		With("bio", user.Bio).
		With("avatar_file", user.AvatarFile)
}

// UpdateProfile implements the `update_profile` verb. When upload_status
// is truthy the avatar token is replaced with the deterministic
// `<username>_avatar.png` name and a short-lived upload ticket is minted
// so the external blob store can accept the new image without the core
// ever handling the bytes.
func UpdateProfile(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	username := req.StringField("username")
	firstName := req.StringField("first_name")
	secondName := req.StringField("second_name")

	user, err := deps.Store.UserByUsername(ctx, username)
	if errors.Is(err, adapter.ErrUserNotFound) {
		return refused(req, "Unknown username")
	}
	if err != nil {
		return internal(req)
	}

	if err := deps.Store.UpdateProfile(ctx, user.ID, firstName, secondName); err != nil {
		return internal(req)
	}

	resp := wire.NewResponse(req, "Profile updated")
	if req.BoolField("upload_status") {
		fileName := types.AvatarFileName(username)
		if err := deps.Store.SetAvatar(ctx, user.ID, fileName); err != nil {
			return internal(req)
		}
		ticket := auth.SignUploadTicket(username, fileName)
		resp = resp.With("avatar_file", fileName).With("upload_ticket", ticket)
	}
	return resp
}

// SearchInChat implements the `search_in_chat` verb.
func SearchInChat(ctx context.Context, req wire.Request, sink session.Sink, deps router.Deps) wire.Response {
	if !validateBase(req) {
		return malformed(req)
	}
	chatIDStr := req.StringField("chat_id")
	word := req.StringField("word")
	if chatIDStr == "" {
		return malformed(req)
	}
	chatID, err := types.ParseUid(chatIDStr)
	if err != nil {
		return malformed(req)
	}

	messages, err := deps.Store.SearchMessages(ctx, chatID, word)
	if err != nil {
		return internal(req)
	}
	return wire.NewResponse(req, "Search results").
		With("messages", messagePairs(messages)).
		With("lenght", len(messages))
}
