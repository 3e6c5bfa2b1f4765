package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/pkg/models"
)

// BatchingConfig controls batch sizes and flush timing
type BatchingConfig struct {
	MaxSize   int           `mapstructure:"max_size"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
	QueueSize int           `mapstructure:"queue_size"`
	// FinalFlush bounds the last flush after the input ends or ctx is done
	FinalFlush time.Duration `mapstructure:"final_flush"`
}

// DefaultBatchingConfig returns the batching defaults
func DefaultBatchingConfig() BatchingConfig {
	return BatchingConfig{
		MaxSize:    200,
		MaxWait:    5 * time.Second,
		QueueSize:  1000,
		FinalFlush: 30 * time.Second,
	}
}

// BatchSender delivers one batch
type BatchSender interface {
	SendBatch(ctx context.Context, batch models.ConversationBatch) error
}

// ErrClosed is returned by Add after Close
var ErrClosed = errors.New("batcher is closed")

// Batcher groups documents per collection and flushes a group when it is
// full or when MaxWait passes.
type Batcher struct {
	cfg    BatchingConfig
	logger *zap.Logger
	sender BatchSender

	docs      chan models.ConversationDoc
	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	batches map[string][]models.ConversationDoc

	sent   atomic.Int64
	failed atomic.Int64
}

// NewBatcher creates a batcher that delivers through sender
func NewBatcher(cfg BatchingConfig, logger *zap.Logger, sender BatchSender) *Batcher {
	def := DefaultBatchingConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.FinalFlush <= 0 {
		cfg.FinalFlush = def.FinalFlush
	}
	return &Batcher{
		cfg:     cfg,
		logger:  logger,
		sender:  sender,
		docs:    make(chan models.ConversationDoc, cfg.QueueSize),
		closed:  make(chan struct{}),
		batches: make(map[string][]models.ConversationDoc),
	}
}

// Add queues a document, blocking while the queue is full
func (b *Batcher) Add(ctx context.Context, doc models.ConversationDoc) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.docs <- doc:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the input. Run flushes what is left and returns.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Run batches documents until Close is called or ctx is done. It returns an
// error when any document could not be delivered.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.MaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			b.finalFlush(ctx)
			return errors.Join(ctx.Err(), b.err())

		case <-b.closed:
			b.drain()
			b.finalFlush(ctx)
			return b.err()

		case doc := <-b.docs:
			if b.append(doc) {
				b.flushCollection(ctx, doc.Kind)
				ticker.Reset(b.cfg.MaxWait)
			}

		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// Stats returns delivered and failed document counts
func (b *Batcher) Stats() (sent, failed int64) {
	return b.sent.Load(), b.failed.Load()
}

func (b *Batcher) err() error {
	if n := b.failed.Load(); n > 0 {
		return fmt.Errorf("failed to export %d document(s)", n)
	}
	return nil
}

// append stores doc and reports whether its collection is full
func (b *Batcher) append(doc models.ConversationDoc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.batches[doc.Kind]; !exists {
		b.batches[doc.Kind] = make([]models.ConversationDoc, 0, b.cfg.MaxSize)
	}
	b.batches[doc.Kind] = append(b.batches[doc.Kind], doc)
	return len(b.batches[doc.Kind]) >= b.cfg.MaxSize
}

// drain moves queued documents into batches without sending
func (b *Batcher) drain() {
	for {
		select {
		case doc := <-b.docs:
			b.append(doc)
		default:
			return
		}
	}
}

func (b *Batcher) finalFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FinalFlush)
	defer cancel()
	b.flush(flushCtx)
}

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	collections := make([]string, 0, len(b.batches))
	for name := range b.batches {
		collections = append(collections, name)
	}
	b.mu.Unlock()

	for _, name := range collections {
		b.flushCollection(ctx, name)
	}
}

func (b *Batcher) flushCollection(ctx context.Context, collection string) {
	b.mu.Lock()
	pending := b.batches[collection]
	if len(pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := models.ConversationBatch{
		ID:         uuid.NewString(),
		Collection: collection,
		Docs:       make([]models.ConversationDoc, len(pending)),
	}
	copy(batch.Docs, pending)
	b.batches[collection] = pending[:0]
	b.mu.Unlock()

	for i := range batch.Docs {
		batch.Docs[i].BatchID = batch.ID
	}

	b.logger.Debug("Flushing batch",
		zap.String("batch_id", batch.ID),
		zap.String("collection", collection),
		zap.Int("size", len(batch.Docs)))

	if err := b.sender.SendBatch(ctx, batch); err != nil {
		b.failed.Add(int64(len(batch.Docs)))
		b.logger.Error("Failed to send batch",
			zap.Error(err),
			zap.String("batch_id", batch.ID),
			zap.String("collection", collection),
			zap.Int("size", len(batch.Docs)))
		return
	}
	b.sent.Add(int64(len(batch.Docs)))
}
