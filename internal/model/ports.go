package model

import "context"

// ── Port Interfaces ──
// These interfaces decouple the provider core from concrete storage and
// broadcast implementations (Redis, SQLite, in-process fan-out).

// TickSink receives decoded streaming ticks.
type TickSink interface {
	// Publish forwards one tick. Implementations must not block the caller
	// for long; the streaming read loop calls this inline.
	Publish(ctx context.Context, t Tick)
}

// InstrumentCatalog lists instruments from the venue catalog.
type InstrumentCatalog interface {
	Instruments(ctx context.Context, f InstrumentFilter) ([]Instrument, error)
}

// TickSinkFunc adapts a function to TickSink.
type TickSinkFunc func(ctx context.Context, t Tick)

// Publish calls f(ctx, t).
func (f TickSinkFunc) Publish(ctx context.Context, t Tick) { f(ctx, t) }
