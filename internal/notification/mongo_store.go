package notification

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoCollection is the collection holding the log.
const DefaultMongoCollection = "notifications"

// MongoStore keeps the log in a MongoDB collection indexed on sent_at.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps coll and ensures the sent_at index exists.
func NewMongoStore(ctx context.Context, coll *mongo.Collection) (*MongoStore, error) {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sent_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: create sent_at index: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

// Append inserts rec.
func (s *MongoStore) Append(ctx context.Context, rec *Record) error {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("mongo: insert notification: %w", err)
	}
	return nil
}

// Before returns the page of records preceding cursor.
func (s *MongoStore) Before(ctx context.Context, cursor *time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	filter := bson.M{}
	if cursor != nil {
		filter["sent_at"] = bson.M{"$lt": *cursor}
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("mongo: find notifications: %w", err)
	}
	var newest []Record
	if err := cur.All(ctx, &newest); err != nil {
		return nil, fmt.Errorf("mongo: decode notifications: %w", err)
	}

	page := make([]Record, len(newest))
	for i, rec := range newest {
		rec.SentAt = rec.SentAt.UTC()
		page[len(newest)-1-i] = rec
	}
	return page, nil
}

// Count returns the number of stored records.
func (s *MongoStore) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo: count notifications: %w", err)
	}
	return int(n), nil
}
