// Package export ships matched conversations to MongoDB in batches.
package export

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/pkg/models"
	"github.com/oicur0t/smlog/pkg/mtls"
	"github.com/oicur0t/smlog/pkg/retry"
)

// MongoConfig holds the MongoDB connection settings
type MongoConfig struct {
	URI              string            `mapstructure:"uri"`
	Database         string            `mapstructure:"database"`
	CollectionPrefix string            `mapstructure:"collection_prefix"`
	CertKeyFile      string            `mapstructure:"cert_key_file"`
	MaxPoolSize      int               `mapstructure:"max_pool_size"`
	TTLDays          int               `mapstructure:"ttl_days"`
	ConnectTimeout   time.Duration     `mapstructure:"connect_timeout"`
	TLS              mtls.ClientConfig `mapstructure:"tls"`
}

// DefaultMongoConfig returns the exporter's connection defaults
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:              "mongodb://localhost:27017",
		Database:         "smlog",
		CollectionPrefix: "conversations_",
		MaxPoolSize:      10,
		ConnectTimeout:   10 * time.Second,
	}
}

var invalidCollectionChars = regexp.MustCompile(`[^a-z0-9_]`)

// CollectionName maps a log kind to a collection name
func CollectionName(prefix, kind string) string {
	return prefix + invalidCollectionChars.ReplaceAllString(strings.ToLower(kind), "_")
}

// Store writes conversation batches to MongoDB, one collection per log kind
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	cfg      MongoConfig
	retry    retry.Config
	logger   *zap.Logger

	indexed sync.Map // collection name -> struct{}
}

// NewStore connects to MongoDB and verifies the connection
func NewStore(ctx context.Context, cfg MongoConfig, retryCfg retry.Config, logger *zap.Logger) (*Store, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMongoConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	uri := cfg.URI
	clientOpts := options.Client()
	if cfg.CertKeyFile != "" {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		uri += sep + "tlsCertificateKeyFile=" + cfg.CertKeyFile
		clientOpts.SetAuth(options.Credential{AuthMechanism: "MONGODB-X509"})
	}
	clientOpts.ApplyURI(uri)
	if cfg.TLS.Enabled() {
		tlsConfig, err := mtls.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load MongoDB TLS config: %w", err)
		}
		clientOpts.SetTLSConfig(tlsConfig)
	}
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB",
		zap.String("database", cfg.Database),
		zap.Int("max_pool_size", cfg.MaxPoolSize))

	return &Store{
		client:   client,
		database: client.Database(cfg.Database),
		cfg:      cfg,
		retry:    retryCfg,
		logger:   logger,
	}, nil
}

// SendBatch inserts a batch, retrying transient failures. Document ids are
// fixed before the first attempt so a retried insert only reports duplicates.
func (s *Store) SendBatch(ctx context.Context, batch models.ConversationBatch) error {
	for i := range batch.Docs {
		if batch.Docs[i].ID.IsZero() {
			batch.Docs[i].ID = primitive.NewObjectID()
		}
	}
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		err := s.InsertBatch(ctx, batch)
		if err != nil && !transient(err) {
			return retry.Permanent(err)
		}
		if err != nil {
			s.logger.Warn("Insert failed, retrying", zap.String("batch_id", batch.ID), zap.Error(err))
		}
		return err
	})
}

func transient(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)
}

// InsertBatch inserts one batch without retrying
func (s *Store) InsertBatch(ctx context.Context, batch models.ConversationBatch) error {
	if len(batch.Docs) == 0 {
		return nil
	}

	collName := CollectionName(s.cfg.CollectionPrefix, batch.Collection)
	collection := s.database.Collection(collName)

	if _, done := s.indexed.Load(collName); !done {
		if err := s.ensureIndexes(ctx, collection); err != nil {
			// Inserts still work without indexes.
			s.logger.Error("Failed to ensure indexes", zap.Error(err), zap.String("collection", collName))
		} else {
			s.indexed.Store(collName, struct{}{})
		}
	}

	docs := make([]interface{}, len(batch.Docs))
	for i, doc := range batch.Docs {
		docs[i] = doc
	}

	result, err := collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			s.logger.Warn("Duplicate key error, some documents already exist",
				zap.String("collection", collName),
				zap.String("batch_id", batch.ID),
				zap.Int("batch_size", len(batch.Docs)))
			return nil
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	s.logger.Info("Batch inserted",
		zap.String("collection", collName),
		zap.String("batch_id", batch.ID),
		zap.Int("inserted", len(result.InsertedIDs)))
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "source", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetName("run_source_sequence"),
		},
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetName("conversation_key"),
		},
		{
			Keys:    bson.D{{Key: "hostname", Value: 1}, {Key: "exported_at", Value: -1}},
			Options: options.Index().SetName("hostname_exported_at"),
		},
	}

	if s.cfg.TTLDays > 0 {
		indexModels = append(indexModels, mongo.IndexModel{
			Keys: bson.D{{Key: "exported_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_index").
				SetExpireAfterSeconds(int32(s.cfg.TTLDays * 24 * 60 * 60)),
		})
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
