package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"quotefeed/internal/model"
)

// SaveCandles archives historical bars for key at resolution.
func (c *Catalog) SaveCandles(ctx context.Context, key model.RoutingKey, resolution string, candles []model.Candle) error {
	start := time.Now()
	err := c.inTx(ctx, `
		INSERT OR REPLACE INTO candles (segment, token, resolution, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(candles), func(stmt *sql.Stmt, i int) error {
		cd := candles[i]
		_, err := stmt.ExecContext(ctx, string(key.Segment), int64(key.Token), resolution,
			cd.TS.Unix(), cd.Open, cd.High, cd.Low, cd.Close, cd.Volume)
		return err
	})
	if err != nil {
		return err
	}
	c.logger.Debug("candles archived", "key", key.String(), "resolution", resolution,
		"count", len(candles), "took", time.Since(start))
	return nil
}

// ReadCandles returns archived bars with from <= ts <= to, oldest first.
func (c *Catalog) ReadCandles(ctx context.Context, key model.RoutingKey, resolution string, from, to time.Time) ([]model.Candle, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, COALESCE(volume, 0)
		FROM candles
		WHERE segment = ? AND token = ? AND resolution = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, string(key.Segment), int64(key.Token), resolution, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			cd model.Candle
			ts int64
		)
		if err := rows.Scan(&ts, &cd.Open, &cd.High, &cd.Low, &cd.Close, &cd.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		cd.TS = time.Unix(ts, 0).UTC()
		out = append(out, cd)
	}
	return out, rows.Err()
}
