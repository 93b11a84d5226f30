package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotefeed/internal/model"
	"quotefeed/internal/resilience"
	"quotefeed/pkg/marketapi"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidRange    = errors.New("invalid date range")
)

// resolutions maps caller intervals to the venue's resolution vocabulary.
var resolutions = map[string]string{
	"1": "1", "3": "3", "5": "5", "10": "10", "15": "15", "30": "30", "60": "60",
	"D": "D", "W": "W", "M": "M",

	"1m": "1", "3m": "3", "5m": "5", "10m": "10", "15m": "15", "30m": "30", "60m": "60",
	"1h": "60", "1d": "D", "1w": "W", "1M": "M",
	"minute": "1", "hour": "60", "day": "D", "week": "W", "month": "M",
}

// Resolution returns the venue resolution for interval.
func Resolution(interval string) (string, bool) {
	r, ok := resolutions[interval]
	return r, ok
}

// GetHistoricalData returns candles for token between from and to.
// Only invalid input is reported as an error; an unresolved token or an
// unavailable upstream yields an empty result, served from the local
// archive when it has the range.
func (o *Orchestrator) GetHistoricalData(ctx context.Context, token model.Token, from, to time.Time, interval string) ([]model.Candle, error) {
	res, ok := Resolution(interval)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	keys := o.resolve(ctx, []model.Token{token})
	if len(keys) == 0 {
		return []model.Candle{}, nil
	}
	key := keys[0]

	var raw []marketapi.Candle
	err := o.guard.Call(ctx, resilience.EndpointHistory, func(ctx context.Context) error {
		var err error
		raw, err = o.upstream.History(ctx, marketapi.HistoryRequest{
			Exchange:   key.Segment.Code(),
			Token:      key.Token.String(),
			From:       from.Unix(),
			To:         to.Unix(),
			Resolution: res,
		})
		return err
	})
	if err != nil {
		o.upstreamFailed(resilience.EndpointHistory, 1, err)
		return o.fromArchive(ctx, key, res, from, to), nil
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, c := range raw {
		candles = append(candles, model.Candle{
			TS:     time.Unix(c.TS, 0).UTC(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	if o.archive != nil && len(candles) > 0 {
		if err := o.archive.SaveCandles(ctx, key, res, candles); err != nil {
			o.logger.Warn("candle archive write failed", "key", key.String(), "error", err)
		}
	}
	return candles, nil
}

func (o *Orchestrator) fromArchive(ctx context.Context, key model.RoutingKey, res string, from, to time.Time) []model.Candle {
	if o.archive == nil {
		return []model.Candle{}
	}
	candles, err := o.archive.ReadCandles(ctx, key, res, from, to)
	if err != nil {
		o.logger.Warn("candle archive read failed", "key", key.String(), "error", err)
		return []model.Candle{}
	}
	if len(candles) > 0 {
		o.logger.Info("served history from archive", "key", key.String(), "candles", len(candles))
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	return candles
}
