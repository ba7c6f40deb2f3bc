package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
)

const chatsCollection = "chats"

// MongoStore persists conversations in a MongoDB collection. Appends are a
// single atomic $push so concurrent senders on one conversation can interleave
// turns but never lose one.
type MongoStore struct {
	client *mongo.Client
	chats  *mongo.Collection
}

// chatDocument is the persisted shape of a conversation.
type chatDocument struct {
	ID        bson.ObjectID   `bson:"_id,omitempty"`
	OwnerID   string          `bson:"ownerId"`
	Title     string          `bson:"title"`
	Messages  []model.Message `bson:"messages"`
	CreatedAt time.Time       `bson:"createdAt"`
	UpdatedAt time.Time       `bson:"updatedAt"`
}

// Connect establishes the MongoDB connection and verifies it with a ping.
func Connect(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStore{
		client: client,
		chats:  client.Database(dbName).Collection(chatsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.chats.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create chat indexes: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports whether the database is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Create inserts a new conversation with a freshly minted ObjectID.
func (s *MongoStore) Create(ctx context.Context, ownerID, title string, initial []model.Message) (*model.Conversation, error) {
	now := time.Now()
	doc := chatDocument{
		ID:        bson.NewObjectID(),
		OwnerID:   ownerID,
		Title:     title,
		Messages:  initial,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.chats.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return doc.toConversation(), nil
}

// Append pushes messages onto the conversation matching id and owner. The
// update is a single $push with $each, never read-modify-write.
func (s *MongoStore) Append(ctx context.Context, id, ownerID string, msgs []model.Message) (*model.Conversation, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	filter := bson.D{{Key: "_id", Value: oid}, {Key: "ownerId", Value: ownerID}}
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: "messages", Value: bson.D{{Key: "$each", Value: msgs}}}}},
		{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now()}}},
	}

	var doc chatDocument
	err = s.chats.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to append messages: %w", err)
	}
	return doc.toConversation(), nil
}

// Messages reads a conversation's history without an owner filter.
func (s *MongoStore) Messages(ctx context.Context, id string) ([]model.Message, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var doc struct {
		Messages []model.Message `bson:"messages"`
	}
	err = s.chats.FindOne(ctx, bson.D{{Key: "_id", Value: oid}},
		options.FindOne().SetProjection(bson.D{{Key: "messages", Value: 1}})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return doc.Messages, nil
}

// Get is the owner-scoped read of a full conversation.
func (s *MongoStore) Get(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var doc chatDocument
	err = s.chats.FindOne(ctx, bson.D{{Key: "_id", Value: oid}, {Key: "ownerId", Value: ownerID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read chat: %w", err)
	}
	return doc.toConversation(), nil
}

// List returns the owner's conversations, newest first.
func (s *MongoStore) List(ctx context.Context, ownerID string) ([]model.ConversationSummary, error) {
	cursor, err := s.chats.Find(ctx, bson.D{{Key: "ownerId", Value: ownerID}},
		options.Find().
			SetProjection(bson.D{{Key: "title", Value: 1}, {Key: "createdAt", Value: 1}}).
			SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := []model.ConversationSummary{}
	for cursor.Next(ctx) {
		var doc chatDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode chat summary: %w", err)
		}
		summaries = append(summaries, model.ConversationSummary{
			ID:        doc.ID.Hex(),
			Title:     doc.Title,
			CreatedAt: doc.CreatedAt,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return summaries, nil
}

func (d *chatDocument) toConversation() *model.Conversation {
	return &model.Conversation{
		ID:        d.ID.Hex(),
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Messages:  d.Messages,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
