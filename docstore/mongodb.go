package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/dddkit/transaction"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Document structure (model fields are inlined):
{
    "_id": ObjectId,
    "id": string,
    ...model fields...,
    "__version": int,
    "createdAt": ISODate,
    "updatedAt": ISODate
}

Indexes:
- { "id": 1 } unique
*/

// Bookkeeping field names
const (
	VersionField   = "__version"
	CreatedAtField = "createdAt"
	UpdatedAtField = "updatedAt"
)

// MongoStore stores documents in a MongoDB collection.
//
// The model's bson encoding must contain the id field (default "id") with
// the same value as DocumentID.
type MongoStore[M Document] struct {
	collection *mongo.Collection
	idField    string
	now        func() time.Time
}

// NewMongoStore creates a MongoDB document store
func NewMongoStore[M Document](db *mongo.Database, collection string) *MongoStore[M] {
	return &MongoStore[M]{
		collection: db.Collection(collection),
		idField:    "id",
		now:        time.Now,
	}
}

// WithIDField sets the name of the id field
func (s *MongoStore[M]) WithIDField(name string) *MongoStore[M] {
	s.idField = name
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore[M]) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the unique index on the id field
func (s *MongoStore[M]) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: s.idField, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// FindByID returns the stored document or ErrNotFound
func (s *MongoStore[M]) FindByID(ctx context.Context, id string) (*Record[M], error) {
	raw, err := s.collection.FindOne(ctx, bson.M{s.idField: id}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}

	var model M
	if err := bson.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	rec := &Record[M]{ID: id, Model: model}
	if v, ok := raw.Lookup(VersionField).AsInt64OK(); ok {
		rec.Version = int(v)
	}
	if t, ok := raw.Lookup(CreatedAtField).TimeOK(); ok {
		rec.CreatedAt = t
	}
	if t, ok := raw.Lookup(UpdatedAtField).TimeOK(); ok {
		rec.UpdatedAt = t
	}
	return rec, nil
}

// Upsert writes model if the stored version equals expected.
//
// The filter matches {id, __version: expected} with upsert enabled, so a
// stale version falls through to an insert that the unique index rejects.
func (s *MongoStore[M]) Upsert(ctx context.Context, tx transaction.Transaction, model M, expected int) (int, error) {
	sctx, err := transaction.MongoContext(ctx, tx)
	if err != nil {
		return 0, err
	}

	data, err := bson.Marshal(model)
	if err != nil {
		return 0, fmt.Errorf("encode model: %w", err)
	}
	fields := bson.M{}
	if err := bson.Unmarshal(data, &fields); err != nil {
		return 0, fmt.Errorf("encode model: %w", err)
	}
	delete(fields, "_id")

	id := model.DocumentID()
	now := s.now()
	next := expected + 1
	fields[s.idField] = id
	fields[VersionField] = next
	fields[UpdatedAtField] = now

	filter := bson.M{s.idField: id, VersionField: expected}
	update := bson.M{
		"$set":         fields,
		"$setOnInsert": bson.M{CreatedAtField: now},
	}

	_, err = s.collection.UpdateOne(sctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return 0, fmt.Errorf("%w: %s expected at version %d", ErrVersionConflict, id, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	return next, nil
}

// Compile-time check
var _ Store[Document] = (*MongoStore[Document])(nil)
