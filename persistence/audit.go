package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/jetvision/charterflow/types"
)

// AuditRecord is one bus message flattened for the audit collection.
// Context fields are promoted to top level so Mongo queries do not need
// to reach into a nested document.
type AuditRecord struct {
	MessageID   string    `bson:"message_id" json:"message_id"`
	Kind        string    `bson:"kind" json:"kind"`
	SourceAgent string    `bson:"source_agent" json:"source_agent"`
	TargetAgent string    `bson:"target_agent,omitempty" json:"target_agent,omitempty"`
	RequestID   string    `bson:"request_id" json:"request_id"`
	SessionID   string    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	UserID      string    `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	Payload     string    `bson:"payload,omitempty" json:"payload,omitempty"`
	RecordedAt  time.Time `bson:"recorded_at" json:"recorded_at"`
}

func newAuditRecord(msg *types.Message, recordedAt time.Time) *AuditRecord {
	return &AuditRecord{
		MessageID:   msg.ID,
		Kind:        string(msg.Kind),
		SourceAgent: msg.SourceAgent,
		TargetAgent: msg.TargetAgent,
		RequestID:   msg.Context.RequestID,
		SessionID:   msg.Context.SessionID,
		UserID:      msg.Context.UserID,
		Timestamp:   msg.Timestamp,
		Payload:     string(msg.Payload),
		RecordedAt:  recordedAt,
	}
}

// AuditStore records the full message stream for later inspection.
type AuditStore interface {
	Store

	// Record persists one message.
	Record(ctx context.Context, msg *types.Message) error

	// ByRequest returns a request's messages in timestamp order.
	// limit <= 0 applies a default of 100.
	ByRequest(ctx context.Context, requestID string, limit int) ([]*AuditRecord, error)

	// Count returns the total number of recorded messages.
	Count(ctx context.Context) (int64, error)
}

// AuditStoreConfig contains MongoDB-specific audit sink configuration
type AuditStoreConfig struct {
	// URI is the MongoDB connection string
	URI string `json:"uri" yaml:"uri"`

	// Database is the database name
	Database string `json:"database" yaml:"database"`

	// Collection is the collection name
	Collection string `json:"collection" yaml:"collection"`

	// Timeout bounds connection setup and individual operations
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

func (c AuditStoreConfig) withDefaults() AuditStoreConfig {
	if c.Database == "" {
		c.Database = "charterflow"
	}
	if c.Collection == "" {
		c.Collection = "audit_log"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// MongoAuditStore implements AuditStore on a MongoDB collection.
type MongoAuditStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	clock      types.Clock
	logger     *zap.Logger
}

var _ AuditStore = (*MongoAuditStore)(nil)

// NewMongoAuditStore connects to MongoDB, verifies connectivity, and
// ensures the audit indexes exist.
func NewMongoAuditStore(cfg AuditStoreConfig, logger *zap.Logger) (*MongoAuditStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: audit store URI is required", ErrInvalidInput)
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "recorded_at", Value: 1}}},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create audit indexes: %w", err)
	}

	return &MongoAuditStore{
		client:     client,
		collection: collection,
		clock:      types.SystemClock{},
		logger:     logger.With(zap.String("component", "audit_store")),
	}, nil
}

// Record persists one message.
func (s *MongoAuditStore) Record(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidInput)
	}
	if _, err := s.collection.InsertOne(ctx, newAuditRecord(msg, s.clock.Now())); err != nil {
		return fmt.Errorf("record audit message %s: %w", msg.ID, err)
	}
	return nil
}

// HandleMessage records every bus message. Subscribe it to all kinds.
func (s *MongoAuditStore) HandleMessage(ctx context.Context, msg types.Message) error {
	return s.Record(ctx, &msg)
}

// ByRequest returns a request's messages in timestamp order.
func (s *MongoAuditStore) ByRequest(ctx context.Context, requestID string, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	filter := bson.D{{Key: "request_id", Value: requestID}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query audit records for %s: %w", requestID, err)
	}
	defer cursor.Close(ctx)

	var records []*AuditRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode audit records for %s: %w", requestID, err)
	}
	return records, nil
}

// Count returns the total number of recorded messages.
func (s *MongoAuditStore) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// Ping checks MongoDB connectivity.
func (s *MongoAuditStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (s *MongoAuditStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
