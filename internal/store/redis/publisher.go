package redis

import (
	"context"
	"log/slog"
	"unsafe"

	goredis "github.com/go-redis/redis/v8"

	"quotefeed/internal/model"
)

const (
	publishBatch   = 256
	tickStreamLen  = 5000
	publishBufSize = 10000
)

// TickPublisher forwards ticks to Redis: PUBLISH on
// "pub:tick:<segment>:<token>" and a capped XADD on "tick:<segment>:<token>".
// Publish only enqueues; Run drains the queue in pipelined batches.
type TickPublisher struct {
	client *goredis.Client
	ch     chan model.Tick
	logger *slog.Logger

	OnDrop func() // called when the queue is full and a tick is dropped
}

// NewTickPublisher creates a publisher with a bounded queue.
func NewTickPublisher(client *goredis.Client, logger *slog.Logger) *TickPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickPublisher{
		client: client,
		ch:     make(chan model.Tick, publishBufSize),
		logger: logger,
	}
}

// TickChannel returns the PubSub channel name for a tick.
func TickChannel(segmentCode string, token model.Token) string {
	return "pub:tick:" + segmentCode + ":" + token.String()
}

// Publish enqueues t without blocking.
func (p *TickPublisher) Publish(_ context.Context, t model.Tick) {
	select {
	case p.ch <- t:
	default:
		if p.OnDrop != nil {
			p.OnDrop()
		}
	}
}

// Run drains the queue until ctx is cancelled.
func (p *TickPublisher) Run(ctx context.Context) {
	batch := make([]model.Tick, 0, publishBatch)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.ch:
			batch = append(batch[:0], t)
		drain:
			for len(batch) < publishBatch {
				select {
				case t := <-p.ch:
					batch = append(batch, t)
				default:
					break drain
				}
			}
			p.writeBatch(ctx, batch)
		}
	}
}

func (p *TickPublisher) writeBatch(ctx context.Context, ticks []model.Tick) {
	pipe := p.client.Pipeline()
	for i := range ticks {
		t := &ticks[i]
		jsonBytes := t.JSON()
		// Zero-copy []byte→string (safe: jsonBytes is not mutated after this)
		jsonData := *(*string)(unsafe.Pointer(&jsonBytes))
		pipe.Publish(ctx, TickChannel(t.SegmentCode, t.Token), jsonData)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: "tick:" + t.SegmentCode + ":" + t.Token.String(),
			MaxLen: tickStreamLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("tick publish pipeline failed", "ticks", len(ticks), "error", err)
	}
}
