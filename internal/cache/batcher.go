package cache

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"quotefeed/internal/model"
)

// DefaultBatchWindow is how long the first caller waits for others to join.
const DefaultBatchWindow = 25 * time.Millisecond

// BatchFetchFunc fetches prices for the merged key set of one window.
// Keys absent from the result are reported as unknown to their callers.
type BatchFetchFunc func(ctx context.Context, keys []model.RoutingKey) (map[string]model.Quote, error)

type batchRequest struct {
	keys  []model.RoutingKey
	reply chan batchReply
}

type batchReply struct {
	quotes map[string]model.Quote
	err    error
}

// Batcher coalesces concurrent pair-keyed lookups arriving within one
// window into a single upstream fetch; each caller gets only its keys.
type Batcher struct {
	window  time.Duration
	timeout time.Duration
	fetch   BatchFetchFunc

	mu      sync.Mutex
	pending deque.Deque[*batchRequest]
	armed   bool

	// OnFlush is called after every window with its caller and key counts.
	OnFlush func(callers, keys int)
}

// NewBatcher creates a Batcher. timeout bounds each merged fetch.
func NewBatcher(window, timeout time.Duration, fetch BatchFetchFunc) *Batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Batcher{window: window, timeout: timeout, fetch: fetch}
}

// Do queues keys for the current window and waits for the merged result.
// Cancelling ctx abandons only this caller's wait.
func (b *Batcher) Do(ctx context.Context, keys []model.RoutingKey) (map[string]model.Quote, error) {
	if len(keys) == 0 {
		return map[string]model.Quote{}, nil
	}
	req := &batchRequest{keys: keys, reply: make(chan batchReply, 1)}

	b.mu.Lock()
	b.pending.PushBack(req)
	if !b.armed {
		b.armed = true
		time.AfterFunc(b.window, b.flush)
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-req.reply:
		return r.quotes, r.err
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	reqs := make([]*batchRequest, 0, b.pending.Len())
	for b.pending.Len() > 0 {
		reqs = append(reqs, b.pending.PopFront())
	}
	b.armed = false
	b.mu.Unlock()
	if len(reqs) == 0 {
		return
	}

	seen := make(map[string]struct{})
	var merged []model.RoutingKey
	for _, r := range reqs {
		for _, k := range r.keys {
			s := k.String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			merged = append(merged, k)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	quotes, err := b.fetch(ctx, merged)
	cancel()
	if b.OnFlush != nil {
		b.OnFlush(len(reqs), len(merged))
	}

	for _, r := range reqs {
		slice := make(map[string]model.Quote, len(r.keys))
		for _, k := range r.keys {
			s := k.String()
			slice[s] = quotes[s]
		}
		r.reply <- batchReply{quotes: slice, err: err}
	}
}
