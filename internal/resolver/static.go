package resolver

import (
	"context"
	"sync"

	"quotefeed/internal/model"
)

// StaticSource is an in-memory Source, seeded from configuration.
type StaticSource struct {
	name string

	mu       sync.RWMutex
	segments map[model.Token]string
}

// NewStaticSource creates a StaticSource holding a copy of segments.
func NewStaticSource(name string, segments map[model.Token]string) *StaticSource {
	s := &StaticSource{name: name, segments: make(map[model.Token]string, len(segments))}
	for k, v := range segments {
		s.segments[k] = v
	}
	return s
}

func (s *StaticSource) Name() string { return s.name }

// Set adds or replaces one token's raw segment.
func (s *StaticSource) Set(t model.Token, raw string) {
	s.mu.Lock()
	s.segments[t] = raw
	s.mu.Unlock()
}

func (s *StaticSource) Lookup(_ context.Context, tokens []model.Token) (map[model.Token]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Token]string)
	for _, t := range tokens {
		if raw, ok := s.segments[t]; ok {
			out[t] = raw
		}
	}
	return out, nil
}
