package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/dddkit/event"
	"github.com/rbaliyan/dddkit/transaction"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: outbox

Document structure:
{
    "_id": ObjectId,
    "event": { "name": string, "payload": any },
    "contextName": string,
    "status": "scheduled" | "processing" | "published",
    "scheduledAt": ISODate,
    "claimedAt": ISODate (optional),
    "publishedAt": ISODate (optional),
    "attempts": int
}

Indexes:
- { "status": 1, "contextName": 1, "scheduledAt": 1 } for the sweep
- { "publishedAt": 1 } sparse, for cleanup
*/

// mongoRecord is the document stored for a Record.
type mongoRecord struct {
	ID          primitive.ObjectID `bson:"_id"`
	Event       bson.Raw           `bson:"event"`
	ContextName string             `bson:"contextName"`
	Status      Status             `bson:"status"`
	ScheduledAt time.Time          `bson:"scheduledAt"`
	ClaimedAt   *time.Time         `bson:"claimedAt,omitempty"`
	PublishedAt *time.Time         `bson:"publishedAt,omitempty"`
	Attempts    int                `bson:"attempts"`
}

// The payload goes through JSON so handlers decode the same shape from
// every store.
func eventToBSON(e event.Event) (bson.Raw, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return raw, nil
}

func eventFromBSON(raw bson.Raw) (event.Event, error) {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

func (m *mongoRecord) toRecord() (*Record, error) {
	e, err := eventFromBSON(m.Event)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          m.ID.Hex(),
		Event:       e,
		ContextName: m.ContextName,
		Status:      m.Status,
		ScheduledAt: m.ScheduledAt,
		ClaimedAt:   m.ClaimedAt,
		PublishedAt: m.PublishedAt,
		Attempts:    m.Attempts,
	}, nil
}

// MongoStore implements Store for MongoDB.
//
// Inserts join the session of a transaction.MongoManager transaction. Claims
// and status changes are single-document conditional updates.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB outbox store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("outbox"),
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the required indexes for the outbox collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "contextName", Value: 1},
				{Key: "scheduledAt", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "publishedAt", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Insert adds records to the outbox within the session of tx.
func (s *MongoStore) Insert(ctx context.Context, tx transaction.Transaction, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	sessCtx, err := transaction.MongoContext(ctx, tx)
	if err != nil {
		return err
	}

	docs := make([]any, len(records))
	ids := make([]primitive.ObjectID, len(records))
	for i, r := range records {
		raw, err := eventToBSON(r.Event)
		if err != nil {
			return err
		}
		ids[i] = primitive.NewObjectID()
		if r.ID != "" {
			if ids[i], err = primitive.ObjectIDFromHex(r.ID); err != nil {
				return fmt.Errorf("invalid outbox id %q: %w", r.ID, err)
			}
		}
		docs[i] = &mongoRecord{
			ID:          ids[i],
			Event:       raw,
			ContextName: r.ContextName,
			Status:      r.Status,
			ScheduledAt: r.ScheduledAt,
			ClaimedAt:   r.ClaimedAt,
			PublishedAt: r.PublishedAt,
			Attempts:    r.Attempts,
		}
	}

	if _, err := s.collection.InsertMany(sessCtx, docs); err != nil {
		return fmt.Errorf("insert outbox records: %w", err)
	}
	for i, r := range records {
		r.ID = ids[i].Hex()
	}
	return nil
}

// Claim moves a record from scheduled to processing.
func (s *MongoStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	filter := bson.M{"_id": oid, "status": StatusScheduled}
	update := bson.M{
		"$set": bson.M{
			"status":    StatusProcessing,
			"claimedAt": at,
		},
		"$inc": bson.M{
			"attempts": 1,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

// Get returns a record or ErrNotFound.
func (s *MongoStore) Get(ctx context.Context, id string) (*Record, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var doc mongoRecord
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.toRecord()
}

// MarkPublished moves a record from processing to published.
func (s *MongoStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	filter := bson.M{"_id": oid, "status": StatusProcessing}
	update := bson.M{
		"$set": bson.M{
			"status":      StatusPublished,
			"publishedAt": at,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

// ListScheduled returns the ids of the scheduled records of a context.
func (s *MongoStore) ListScheduled(ctx context.Context, contextName string) ([]string, error) {
	filter := bson.M{"status": StatusScheduled, "contextName": contextName}
	opts := options.Find().
		SetSort(bson.D{{Key: "scheduledAt", Value: 1}}).
		SetProjection(bson.M{"_id": 1})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find scheduled: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		ids = append(ids, doc.ID.Hex())
	}
	return ids, cursor.Err()
}

// ReleaseExpired returns stale processing records to scheduled.
func (s *MongoStore) ReleaseExpired(ctx context.Context, contextName string, before time.Time) (int64, error) {
	filter := bson.M{
		"status":      StatusProcessing,
		"contextName": contextName,
		"claimedAt":   bson.M{"$lt": before},
	}
	update := bson.M{
		"$set":   bson.M{"status": StatusScheduled},
		"$unset": bson.M{"claimedAt": ""},
	}

	result, err := s.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	return result.ModifiedCount, nil
}

// DeletePublished removes records published before the given time.
func (s *MongoStore) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{
		"status":      StatusPublished,
		"publishedAt": bson.M{"$lt": before},
	}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
