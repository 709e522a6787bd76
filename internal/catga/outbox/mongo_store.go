package outbox

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDoc mirrors Record for BSON encoding. MessageId and CorrelationId
// are stored as int64 — Snowflake ids (§4.1) fit in 63 bits by
// construction, so the sign bit is always clear.
type mongoDoc struct {
	ID            int64             `bson:"_id"`
	MessageType   string            `bson:"messageType"`
	Payload       []byte            `bson:"payload"`
	CorrelationId *int64            `bson:"correlationId,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	Status        int               `bson:"status"`
	RetryCount    int               `bson:"retryCount"`
	MaxRetries    int               `bson:"maxRetries"`
	LastError     string            `bson:"lastError,omitempty"`
	CreatedAt     time.Time         `bson:"createdAt"`
	UpdatedAt     time.Time         `bson:"updatedAt"`
}

func toMongoDoc(r *Record) mongoDoc {
	d := mongoDoc{
		ID:          int64(r.MessageId),
		MessageType: r.MessageType,
		Payload:     r.Payload,
		Metadata:    r.Metadata,
		Status:      int(r.Status),
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.CorrelationId != nil {
		v := int64(*r.CorrelationId)
		d.CorrelationId = &v
	}
	return d
}

func fromMongoDoc(d mongoDoc) *Record {
	r := &Record{
		MessageId:   uint64(d.ID),
		MessageType: d.MessageType,
		Payload:     d.Payload,
		Metadata:    d.Metadata,
		Status:      Status(d.Status),
		RetryCount:  d.RetryCount,
		MaxRetries:  d.MaxRetries,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.CorrelationId != nil {
		v := uint64(*d.CorrelationId)
		r.CorrelationId = &v
	}
	return r
}

// MongoStore implements Store against a single MongoDB collection, using
// simple find/updateMany calls with no row locking — the same pattern the
// teacher's MongoRepository uses (internal/outbox/repository_mongo.go),
// relying on a single poller or the Worker's leader election rather than
// findOneAndUpdate loops to avoid double-delivery.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore builds a MongoStore over the given collection.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

// EnsureIndexes creates the indexes GetPending and RequeueStuck rely on.
// Mirrors the teacher's CreateSchema, which creates indexes rather than
// tables since MongoDB collections are created implicitly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "createdAt", Value: 1},
			{Key: "_id", Value: 1},
		},
		Options: options.Index().
			SetName("idx_pending").
			SetPartialFilterExpression(bson.M{"status": int(StatusPending)}),
	})
	return wrapf("ensure indexes", err)
}

func (s *MongoStore) Add(ctx context.Context, record *Record) error {
	if record.MessageId == 0 {
		return ErrInvalidMessageId
	}
	now := time.Now()
	rec := *record
	rec.Status = StatusPending
	rec.RetryCount = 0
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.collection.InsertOne(ctx, toMongoDoc(&rec))
	return wrapf("add", err)
}

func (s *MongoStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	filter := bson.M{
		"status": int(StatusPending),
		"$expr":  bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapf("get pending", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapf("get pending decode", err)
	}
	records := make([]*Record, len(docs))
	for i, d := range docs {
		records[i] = fromMongoDoc(d)
	}
	return records, nil
}

func (s *MongoStore) MarkPublished(ctx context.Context, messageId uint64) error {
	_, err := s.collection.UpdateByID(ctx, int64(messageId), bson.M{
		"$set": bson.M{"status": int(StatusPublished), "updatedAt": time.Now()},
	})
	return wrapf("mark published", err)
}

func (s *MongoStore) MarkFailed(ctx context.Context, messageId uint64, cause error) error {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": int64(messageId)}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return ErrNotFound
		}
		return wrapf("mark failed lookup", err)
	}

	if Status(doc.Status) == StatusPublished || Status(doc.Status) == StatusFailed {
		return nil
	}

	newRetry := doc.RetryCount + 1
	newStatus := StatusPending
	if newRetry >= doc.MaxRetries {
		newStatus = StatusFailed
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	_, err = s.collection.UpdateByID(ctx, int64(messageId), bson.M{
		"$set": bson.M{
			"status":     int(newStatus),
			"retryCount": newRetry,
			"lastError":  lastError,
			"updatedAt":  time.Now(),
		},
	})
	return wrapf("mark failed", err)
}

func (s *MongoStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"status":    int(StatusPublished),
		"updatedAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, wrapf("delete published", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.collection.UpdateMany(ctx, bson.M{
		"status":    int(StatusPending),
		"updatedAt": bson.M{"$lt": cutoff},
	}, bson.M{
		"$set": bson.M{"updatedAt": time.Now()},
	})
	if err != nil {
		return 0, wrapf("requeue stuck", err)
	}
	return int(res.ModifiedCount), nil
}

var _ Store = (*MongoStore)(nil)
var _ RequeueStore = (*MongoStore)(nil)
