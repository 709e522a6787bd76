package inbox

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDoc struct {
	ID             int64     `bson:"_id"`
	Processed      bool      `bson:"processed"`
	Result         []byte    `bson:"result,omitempty"`
	ProcessedAt    time.Time `bson:"processedAt,omitempty"`
	LeaseExpiresAt time.Time `bson:"leaseExpiresAt,omitempty"`
}

// MongoStore implements Store against a single MongoDB collection, using
// the same findOneAndUpdate-then-fall-back-to-insert CAS idiom the
// teacher's leader election uses (internal/common/leader/election.go's
// tryAcquire): attempt an atomic conditional update first; if no document
// exists yet, attempt a plain insert and treat a duplicate-key error as
// "someone else got there first" rather than a failure.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore builds a MongoStore over the given collection.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

func (s *MongoStore) TryLock(ctx context.Context, messageId uint64, leaseDuration time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(leaseDuration)

	filter := bson.M{
		"_id":       int64(messageId),
		"processed": bson.M{"$ne": true},
		"$or": []bson.M{
			{"leaseExpiresAt": bson.M{"$exists": false}},
			{"leaseExpiresAt": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{"leaseExpiresAt": expiresAt}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoDoc
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	switch {
	case err == nil:
		return true, nil
	case err == mongo.ErrNoDocuments:
		// Either the document doesn't exist yet, or it exists but is
		// currently leased/processed. Try a plain insert; a duplicate
		// key means another caller already holds it or finished it.
		_, insertErr := s.collection.InsertOne(ctx, mongoDoc{ID: int64(messageId), LeaseExpiresAt: expiresAt})
		if insertErr == nil {
			return true, nil
		}
		if mongo.IsDuplicateKeyError(insertErr) {
			return false, nil
		}
		return false, wrapf("try lock insert", insertErr)
	default:
		return false, wrapf("try lock", err)
	}
}

func (s *MongoStore) MarkProcessed(ctx context.Context, record Record) error {
	processedAt := record.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	_, err := s.collection.UpdateByID(ctx, int64(record.MessageId), bson.M{
		"$set":   bson.M{"processed": true, "result": record.Result, "processedAt": processedAt},
		"$unset": bson.M{"leaseExpiresAt": ""},
	}, options.Update().SetUpsert(true))
	return wrapf("mark processed", err)
}

func (s *MongoStore) HasBeenProcessed(ctx context.Context, messageId uint64) (bool, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": int64(messageId)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, wrapf("has been processed", err)
	}
	return doc.Processed, nil
}

func (s *MongoStore) GetProcessedResult(ctx context.Context, messageId uint64) ([]byte, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": int64(messageId)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, wrapf("get processed result", err)
	}
	if !doc.Processed {
		return nil, nil
	}
	return doc.Result, nil
}

func (s *MongoStore) ReleaseLock(ctx context.Context, messageId uint64) error {
	_, err := s.collection.UpdateByID(ctx, int64(messageId), bson.M{
		"$unset": bson.M{"leaseExpiresAt": ""},
	})
	if err == mongo.ErrNoDocuments {
		return nil
	}
	return wrapf("release lock", err)
}

func (s *MongoStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"processed":   true,
		"processedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, wrapf("delete processed", err)
	}
	return int(res.DeletedCount), nil
}

var _ Store = (*MongoStore)(nil)

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storeError{op: op, err: err}
}

type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string { return "inbox: " + e.op + ": " + e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }
