// Package bus fans decoded ticks out to in-process consumers.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"quotefeed/internal/model"
)

// FanOut broadcasts ticks to N output channels. If an output channel is
// full the tick is dropped for that consumer so a slow consumer never
// blocks the socket read loop.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Tick
	bufSize int
	closed  bool
	log     *slog.Logger

	// OnDrop is called when a tick is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

var _ model.TickSink = (*FanOut)(nil)

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{
		bufSize: outputBufferSize,
		log:     logger,
	}
}

// Subscribe creates and returns a new output channel. Channels of a
// closed FanOut are returned already closed.
func (f *FanOut) Subscribe() <-chan model.Tick {
	ch := make(chan model.Tick, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.outputs = append(f.outputs, ch)
	return ch
}

// Publish delivers t to every subscriber without blocking.
func (f *FanOut) Publish(_ context.Context, t model.Tick) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for i, ch := range f.outputs {
		select {
		case ch <- t:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i)
			} else {
				f.log.Warn("bus output full, dropping tick", "subscriber", i, "key", t.Key())
			}
		}
	}
}

// Run reads from input and publishes each tick until ctx is cancelled or
// input is closed, then closes every output.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Tick) {
	defer f.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-input:
			if !ok {
				return
			}
			f.Publish(ctx, t)
		}
	}
}

// Close closes every output channel. Later publishes are ignored.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.outputs {
		close(ch)
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats reports saturation for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}

// MultiSink forwards every tick to each of its sinks in order.
type MultiSink []model.TickSink

// Publish calls Publish on every non-nil sink.
func (m MultiSink) Publish(ctx context.Context, t model.Tick) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, t)
		}
	}
}
