package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quotefeed/internal/model"
	"quotefeed/internal/resilience"
)

// BufferedStore wraps a QuoteStore with a circuit breaker.
// While the breaker is open, reads report ErrCircuitOpen and writes are
// buffered locally (latest entry per token) and flushed when it closes.
// A buffered entry never replaces a remote entry observed at or after it.
type BufferedStore struct {
	store  *QuoteStore
	cb     *resilience.Breaker
	logger *slog.Logger

	mu     sync.Mutex
	buffer map[model.Token]model.CacheEntry
	maxBuf int // max buffered tokens before new ones are dropped (default: 10000)

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedStore creates a BufferedStore around store and cb.
func NewBufferedStore(store *QuoteStore, cb *resilience.Breaker, maxBufferSize int, logger *slog.Logger) *BufferedStore {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	bs := &BufferedStore{
		store:  store,
		cb:     cb,
		logger: logger,
		buffer: make(map[model.Token]model.CacheEntry),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to resilience.Status) {
		if prev != nil {
			prev(from, to)
		}
		if to == resilience.StatusClosed {
			go bs.flush()
		}
	}
	return bs
}

// Get reads through the breaker.
func (bs *BufferedStore) Get(ctx context.Context, tokens []model.Token) (map[model.Token]model.CacheEntry, error) {
	var out map[model.Token]model.CacheEntry
	err := bs.cb.Execute(func() error {
		var err error
		out, err = bs.store.Get(ctx, tokens)
		return err
	})
	return out, err
}

// Set writes through the breaker, buffering when it is open.
func (bs *BufferedStore) Set(ctx context.Context, entries []model.CacheEntry) error {
	err := bs.cb.Execute(func() error {
		return bs.store.Set(ctx, entries)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		bs.bufferWrite(entries)
		return nil // buffered, not lost
	}
	if err == nil {
		bs.supersede(entries)
	}
	return err
}

func (bs *BufferedStore) bufferWrite(entries []model.CacheEntry) {
	bs.mu.Lock()
	n := bs.mergeLocked(entries)
	bs.mu.Unlock()
	if bs.OnBuffer != nil {
		for i := 0; i < n; i++ {
			bs.OnBuffer()
		}
	}
}

// mergeLocked keeps the newest entry per token and returns how many were
// taken. Caller holds bs.mu.
func (bs *BufferedStore) mergeLocked(entries []model.CacheEntry) int {
	n := 0
	for _, e := range entries {
		old, ok := bs.buffer[e.Token]
		if !ok && len(bs.buffer) >= bs.maxBuf {
			continue
		}
		if ok && old.ObservedAt.After(e.ObservedAt) {
			continue
		}
		bs.buffer[e.Token] = e
		n++
	}
	return n
}

// supersede drops buffered entries that a live write has made obsolete.
func (bs *BufferedStore) supersede(entries []model.CacheEntry) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.buffer) == 0 {
		return
	}
	for _, e := range entries {
		if old, ok := bs.buffer[e.Token]; ok && !old.ObservedAt.After(e.ObservedAt) {
			delete(bs.buffer, e.Token)
		}
	}
}

// flush replays buffered writes through the underlying store, skipping
// entries the remote already holds a same-age or newer value for. A failed
// flush puts the entries back.
func (bs *BufferedStore) flush() {
	bs.mu.Lock()
	if len(bs.buffer) == 0 {
		bs.mu.Unlock()
		return
	}
	pending := make([]model.CacheEntry, 0, len(bs.buffer))
	tokens := make([]model.Token, 0, len(bs.buffer))
	for t, e := range bs.buffer {
		pending = append(pending, e)
		tokens = append(tokens, t)
	}
	bs.buffer = make(map[model.Token]model.CacheEntry)
	bs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := bs.store.Get(ctx, tokens)
	if err != nil {
		bs.logger.Warn("buffered quote flush failed", "count", len(pending), "error", err)
		bs.requeue(pending)
		return
	}
	toFlush := pending[:0]
	for _, e := range pending {
		if cur, ok := current[e.Token]; ok && !e.ObservedAt.After(cur.ObservedAt) {
			continue
		}
		toFlush = append(toFlush, e)
	}
	if skipped := len(pending) - len(toFlush); skipped > 0 {
		bs.logger.Debug("buffered quotes superseded by newer remote values", "count", skipped)
	}
	if err := bs.store.Set(ctx, toFlush); err != nil {
		bs.logger.Warn("buffered quote flush failed", "count", len(toFlush), "error", err)
		bs.requeue(toFlush)
		return
	}

	bs.logger.Info("flushed buffered quotes", "count", len(toFlush))
	if bs.OnFlush != nil {
		bs.OnFlush(len(toFlush))
	}
}

func (bs *BufferedStore) requeue(entries []model.CacheEntry) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.mergeLocked(entries)
}

// PendingCount returns the number of buffered tokens waiting to be flushed.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.buffer)
}

// Underlying returns the wrapped QuoteStore.
func (bs *BufferedStore) Underlying() *QuoteStore {
	return bs.store
}
