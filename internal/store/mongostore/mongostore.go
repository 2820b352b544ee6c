// Package mongostore implements the document variant of the Store: three
// collections — users, chats (participants and messages as id arrays),
// messages — backed by go.mongodb.org/mongo-driver.
package mongostore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chatcore/messenger/internal/ids"
	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/store/types"
)

type userDoc struct {
	ID            uint64 `bson:"_id"`
	Username      string `bson:"username"`
	PasswordHash  string `bson:"password_hash"`
	FirstName     string `bson:"first_name"`
	SecondName    string `bson:"second_name"`
	Bio           string `bson:"bio"`
	AvatarFile    string `bson:"avatar_file"`
	Authenticated bool   `bson:"authenticated"`
	Contacts      map[string]uint64 `bson:"contacts"` // username -> user id
	CreatedAt     time.Time `bson:"created_at"`
}

type chatDoc struct {
	ID           uint64   `bson:"_id"`
	ChatType     string   `bson:"chat_type"`
	Participants []uint64 `bson:"participants"`
	MessageIDs   []uint64 `bson:"message_ids"`
	// Singleton is true only on the one common-chat document; a unique
	// partial index on this field enforces that there is ever only one.
	Singleton bool `bson:"singleton,omitempty"`
}

type messageDoc struct {
	ID             uint64    `bson:"_id"`
	SenderID       uint64    `bson:"sender_id"`
	SenderUsername string    `bson:"sender_username"`
	ChatID         uint64    `bson:"chat_id"`
	Text           string    `bson:"text"`
	CreatedAt      time.Time `bson:"created_at"`
}

// Store is the document Adapter implementation.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	ids    *ids.Generator

	chatMu  sync.Mutex
	writeMu sync.Mutex
}

// New builds an unopened Store using gen for surrogate ids.
func New(gen *ids.Generator) *Store {
	return &Store{ids: gen}
}

var _ adapter.Adapter = (*Store)(nil)

// Open connects to the mongo deployment named by dsn (a standard mongodb://
// URI) and ensures indexes, including the partial unique index enforcing
// exactly one common chat.
func (s *Store) Open(ctx context.Context, dsn string) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongostore: ping: %w", err)
	}
	db := client.Database("messenger")

	users := db.Collection("users")
	if _, err := users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mongostore: user index: %w", err)
	}

	chats := db.Collection("chats")
	if _, err := chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "singleton", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{{Key: "singleton", Value: true}}),
	}); err != nil {
		return fmt.Errorf("mongostore: common chat index: %w", err)
	}

	s.client, s.db = client, db
	return nil
}

// Close disconnects from the mongo deployment.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func (s *Store) users() *mongo.Collection    { return s.db.Collection("users") }
func (s *Store) chats() *mongo.Collection    { return s.db.Collection("chats") }
func (s *Store) messages() *mongo.Collection { return s.db.Collection("messages") }

// CreateUser implements adapter.Adapter.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error) {
	count, err := s.users().CountDocuments(ctx, bson.D{{Key: "username", Value: username}})
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, adapter.ErrUsernameTaken
	}

	id := s.ids.Next()
	now := time.Now().UTC()
	doc := userDoc{ID: uint64(id), Username: username, PasswordHash: passwordHash, Contacts: map[string]uint64{}, CreatedAt: now}
	if _, err := s.users().InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return &types.User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func toUser(d userDoc) *types.User {
	return &types.User{
		ID: types.Uid(d.ID), Username: d.Username, PasswordHash: d.PasswordHash,
		FirstName: d.FirstName, SecondName: d.SecondName, Bio: d.Bio,
		AvatarFile: d.AvatarFile, Authenticated: d.Authenticated, CreatedAt: d.CreatedAt,
	}
}

// UserByUsername implements adapter.Adapter.
func (s *Store) UserByUsername(ctx context.Context, username string) (*types.User, error) {
	var d userDoc
	if err := s.users().FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&d); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, adapter.ErrUserNotFound
		}
		return nil, err
	}
	return toUser(d), nil
}

// UserByID implements adapter.Adapter.
func (s *Store) UserByID(ctx context.Context, id types.Uid) (*types.User, error) {
	var d userDoc
	if err := s.users().FindOne(ctx, bson.D{{Key: "_id", Value: uint64(id)}}).Decode(&d); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, adapter.ErrUserNotFound
		}
		return nil, err
	}
	return toUser(d), nil
}

// SetAuthenticated implements adapter.Adapter.
func (s *Store) SetAuthenticated(ctx context.Context, id types.Uid, authenticated bool) error {
	_, err := s.users().UpdateByID(ctx, uint64(id), bson.D{{Key: "$set", Value: bson.D{{Key: "authenticated", Value: authenticated}}}})
	return err
}

// RecordLogin implements adapter.Adapter. The document variant keeps login
// history inline on the user document rather than a separate collection.
func (s *Store) RecordLogin(ctx context.Context, id types.Uid, peerAddress string) error {
	_, err := s.users().UpdateByID(ctx, uint64(id), bson.D{{Key: "$push", Value: bson.D{{Key: "login_history", Value: bson.D{
		{Key: "address", Value: peerAddress},
		{Key: "at", Value: time.Now().UTC()},
	}}}}})
	return err
}

// UpdateProfile implements adapter.Adapter.
func (s *Store) UpdateProfile(ctx context.Context, id types.Uid, firstName, secondName string) error {
	_, err := s.users().UpdateByID(ctx, uint64(id), bson.D{{Key: "$set", Value: bson.D{
		{Key: "first_name", Value: firstName},
		{Key: "second_name", Value: secondName},
	}}})
	return err
}

// SetAvatar implements adapter.Adapter.
func (s *Store) SetAvatar(ctx context.Context, id types.Uid, fileName string) error {
	_, err := s.users().UpdateByID(ctx, uint64(id), bson.D{{Key: "$set", Value: bson.D{{Key: "avatar_file", Value: fileName}}}})
	return err
}

// ContactsOf implements adapter.Adapter.
func (s *Store) ContactsOf(ctx context.Context, ownerID types.Uid) (map[string]types.Uid, error) {
	var d userDoc
	if err := s.users().FindOne(ctx, bson.D{{Key: "_id", Value: uint64(ownerID)}}).Decode(&d); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, adapter.ErrUserNotFound
		}
		return nil, err
	}
	out := make(map[string]types.Uid, len(d.Contacts))
	for username, id := range d.Contacts {
		out[username] = types.Uid(id)
	}
	return out, nil
}

// AddContact implements adapter.Adapter.
func (s *Store) AddContact(ctx context.Context, ownerID, contactID types.Uid) error {
	contact, err := s.UserByID(ctx, contactID)
	if err != nil {
		return err
	}
	existing, err := s.ContactsOf(ctx, ownerID)
	if err != nil {
		return err
	}
	if _, ok := existing[contact.Username]; ok {
		return adapter.ErrContactExists
	}
	field := "contacts." + contact.Username
	_, err = s.users().UpdateByID(ctx, uint64(ownerID), bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: uint64(contactID)}}}})
	return err
}

// DeleteContact implements adapter.Adapter: since the document variant has
// no separate relation id, both the legacy relation id and the canonical
// contact user id are treated identically here (they are the same value
// in this variant).
func (s *Store) DeleteContact(ctx context.Context, ownerID, contactOrRelationID types.Uid) error {
	contacts, err := s.ContactsOf(ctx, ownerID)
	if err != nil {
		return err
	}
	for username, id := range contacts {
		if id == contactOrRelationID {
			field := "contacts." + username
			_, err := s.users().UpdateByID(ctx, uint64(ownerID), bson.D{{Key: "$unset", Value: bson.D{{Key: field, Value: ""}}}})
			return err
		}
	}
	return nil
}

func toChat(d chatDoc) *types.Chat {
	c := &types.Chat{ID: types.Uid(d.ID), Type: types.ChatType(d.ChatType)}
	for _, p := range d.Participants {
		c.Participants = append(c.Participants, types.Uid(p))
	}
	for _, m := range d.MessageIDs {
		c.MessageIDs = append(c.MessageIDs, types.Uid(m))
	}
	return c
}

// GetOrCreateSingleChat implements adapter.Adapter.
func (s *Store) GetOrCreateSingleChat(ctx context.Context, userA, userB types.Uid) (*types.Chat, bool, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	pair := []uint64{uint64(userA), uint64(userB)}
	var existing chatDoc
	err := s.chats().FindOne(ctx, bson.D{
		{Key: "chat_type", Value: string(types.ChatSingle)},
		{Key: "participants", Value: bson.D{{Key: "$all", Value: pair}, {Key: "$size", Value: 2}}},
	}).Decode(&existing)
	if err == nil {
		return toChat(existing), false, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, false, err
	}

	id := s.ids.Next()
	doc := chatDoc{ID: uint64(id), ChatType: string(types.ChatSingle), Participants: pair}
	if _, err := s.chats().InsertOne(ctx, doc); err != nil {
		return nil, false, err
	}
	return toChat(doc), true, nil
}

// GetOrCreateCommonChat implements adapter.Adapter.
func (s *Store) GetOrCreateCommonChat(ctx context.Context, participant types.Uid) (*types.Chat, bool, error) {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	var doc chatDoc
	created := false
	err := s.chats().FindOne(ctx, bson.D{{Key: "singleton", Value: true}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		id := s.ids.Next()
		doc = chatDoc{ID: uint64(id), ChatType: string(types.ChatCommon), Singleton: true}
		if _, err := s.chats().InsertOne(ctx, doc); err != nil {
			return nil, false, err
		}
		created = true
	} else if err != nil {
		return nil, false, err
	}

	present := false
	for _, p := range doc.Participants {
		if p == uint64(participant) {
			present = true
			break
		}
	}
	if !present {
		_, err := s.chats().UpdateByID(ctx, doc.ID, bson.D{{Key: "$addToSet", Value: bson.D{{Key: "participants", Value: uint64(participant)}}}})
		if err != nil {
			return nil, false, err
		}
		doc.Participants = append(doc.Participants, uint64(participant))
	}
	return toChat(doc), created, nil
}

// ChatByID implements adapter.Adapter.
func (s *Store) ChatByID(ctx context.Context, id types.Uid) (*types.Chat, error) {
	var doc chatDoc
	if err := s.chats().FindOne(ctx, bson.D{{Key: "_id", Value: uint64(id)}}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, adapter.ErrUserNotFound
		}
		return nil, err
	}
	return toChat(doc), nil
}

// AppendMessage implements adapter.Adapter.
func (s *Store) AppendMessage(ctx context.Context, chatID, senderID types.Uid, text string) (*types.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, adapter.ErrEmptyMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chat, err := s.ChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	isParticipant := false
	for _, p := range chat.Participants {
		if p == senderID {
			isParticipant = true
			break
		}
	}
	if !isParticipant {
		return nil, adapter.ErrNotParticipant
	}

	username, err := s.Username(ctx, senderID)
	if err != nil {
		return nil, err
	}

	id := s.ids.Next()
	now := time.Now().UTC()
	doc := messageDoc{ID: uint64(id), SenderID: uint64(senderID), SenderUsername: username, ChatID: uint64(chatID), Text: text, CreatedAt: now}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	if _, err := s.chats().UpdateByID(ctx, uint64(chatID), bson.D{{Key: "$push", Value: bson.D{{Key: "message_ids", Value: uint64(id)}}}}); err != nil {
		return nil, err
	}
	return &types.Message{ID: id, SenderUserID: senderID, ChatID: chatID, Text: text, CreatedAt: now, SenderUsername: username}, nil
}

func toMessages(cursor *mongo.Cursor, ctx context.Context) ([]types.Message, error) {
	defer cursor.Close(ctx)
	var out []types.Message
	for cursor.Next(ctx) {
		var d messageDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, types.Message{
			ID: types.Uid(d.ID), SenderUserID: types.Uid(d.SenderID), ChatID: types.Uid(d.ChatID),
			Text: d.Text, CreatedAt: d.CreatedAt, SenderUsername: d.SenderUsername,
		})
	}
	return out, cursor.Err()
}

// MessagesOf implements adapter.Adapter.
func (s *Store) MessagesOf(ctx context.Context, chatID types.Uid) ([]types.Message, error) {
	cursor, err := s.messages().Find(ctx, bson.D{{Key: "chat_id", Value: uint64(chatID)}}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return toMessages(cursor, ctx)
}

// SearchMessages implements adapter.Adapter.
func (s *Store) SearchMessages(ctx context.Context, chatID types.Uid, word string) ([]types.Message, error) {
	filter := bson.D{
		{Key: "chat_id", Value: uint64(chatID)},
		{Key: "text", Value: bson.D{{Key: "$regex", Value: regexQuoteMeta(word)}, {Key: "$options", Value: "i"}}},
	}
	cursor, err := s.messages().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return toMessages(cursor, ctx)
}

// Username implements adapter.Adapter.
func (s *Store) Username(ctx context.Context, id types.Uid) (string, error) {
	u, err := s.UserByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// regexQuoteMeta escapes regex metacharacters so SearchMessages performs a
// literal, case-insensitive substring match.
func regexQuoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
