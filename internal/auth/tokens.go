package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TokenCollection is where refresh tokens live in Mongo.
const TokenCollection = "user_tokens"

// TokenRecord is one issued refresh token.
type TokenRecord struct {
	UserID    int       `bson:"user_id"`
	Token     string    `bson:"token"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// TokenStore persists refresh tokens. Rotate atomically replaces a live (unexpired) token
// with next and reports the owner; ok is false when old is unknown or expired.
type TokenStore interface {
	Insert(ctx context.Context, rec TokenRecord) error
	Rotate(ctx context.Context, old string, next TokenRecord, now time.Time) (userID int, ok bool, err error)
	Delete(ctx context.Context, token string) error
	DeleteUser(ctx context.Context, userID int) error
}

// MongoTokenStore keeps refresh tokens in the user_tokens collection.
type MongoTokenStore struct {
	coll *mongo.Collection
}

func NewMongoTokenStore(db *mongo.Database) *MongoTokenStore {
	return &MongoTokenStore{coll: db.Collection(TokenCollection)}
}

// EnsureIndexes creates the unique token index and a TTL index that lets Mongo purge
// expired records on its own.
func (s *MongoTokenStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	return err
}

func (s *MongoTokenStore) Insert(ctx context.Context, rec TokenRecord) error {
	_, err := s.coll.InsertOne(ctx, rec)
	return err
}

func (s *MongoTokenStore) Rotate(ctx context.Context, old string, next TokenRecord, now time.Time) (int, bool, error) {
	filter := bson.M{"token": old, "expires_at": bson.M{"$gt": now}}
	update := bson.M{"$set": bson.M{
		"token":      next.Token,
		"created_at": next.CreatedAt,
		"expires_at": next.ExpiresAt,
	}}

	var prev TokenRecord
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return prev.UserID, true, nil
}

func (s *MongoTokenStore) Delete(ctx context.Context, token string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"token": token})
	return err
}

func (s *MongoTokenStore) DeleteUser(ctx context.Context, userID int) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"user_id": userID})
	return err
}

// MemoryTokenStore keeps tokens in process memory. It backs tests and single-node runs
// without Mongo; tokens do not survive a restart.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]TokenRecord
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]TokenRecord)}
}

func (s *MemoryTokenStore) Insert(_ context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tokens[rec.Token]; dup {
		return errors.New("duplicate refresh token")
	}
	s.tokens[rec.Token] = rec
	return nil
}

func (s *MemoryTokenStore) Rotate(_ context.Context, old string, next TokenRecord, now time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[old]
	if !ok || !rec.ExpiresAt.After(now) {
		return 0, false, nil
	}
	delete(s.tokens, old)
	next.UserID = rec.UserID
	s.tokens[next.Token] = next
	return rec.UserID, true, nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) DeleteUser(_ context.Context, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, rec := range s.tokens {
		if rec.UserID == userID {
			delete(s.tokens, tok)
		}
	}
	return nil
}

// Len reports how many tokens are stored.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
