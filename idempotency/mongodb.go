package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/dddkit/transaction"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps processed keys in a MongoDB collection, one document per
// key with the key as _id. A TTL index on expiresAt lets the server drop
// expired keys on its own.
type MongoStore struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewMongoStore creates a store in the "idempotency" collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("idempotency"),
		ttl:        DefaultTTL,
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// WithConfig applies cfg.
func (s *MongoStore) WithConfig(cfg Config) *MongoStore {
	s.ttl = cfg.ttl()
	return s
}

// EnsureIndexes creates the TTL index on expiresAt.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("ensure idempotency index: %w", err)
	}
	return nil
}

// IsDuplicate reports whether key is marked and not expired.
func (s *MongoStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{
		"_id":       key,
		"expiresAt": bson.M{"$gt": time.Now()},
	})
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed upserts key when it is absent or expired. A live key makes
// the upsert collide on _id, which is reported as ErrAlreadyProcessed.
func (s *MongoStore) MarkProcessed(ctx context.Context, tx transaction.Transaction, key string) error {
	ctx, err := transaction.MongoContext(ctx, tx)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"processedAt": now, "expiresAt": now.Add(s.ttl)}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, key)
	}
	if err != nil {
		return fmt.Errorf("mark idempotency key: %w", err)
	}
	return nil
}

// Remove forgets key.
func (s *MongoStore) Remove(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("remove idempotency key: %w", err)
	}
	return nil
}

// Purge deletes expired keys the TTL monitor has not removed yet.
func (s *MongoStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": time.Now()}})
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.DeletedCount, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
