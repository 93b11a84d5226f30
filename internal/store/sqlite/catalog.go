// Package sqlite holds the instrument catalog and the historical candle
// archive in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quotefeed/internal/model"
)

// maxInParams keeps IN (...) lists under SQLite's host parameter limit.
const maxInParams = 500

// Config configures the SQLite catalog.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/catalog.db"
}

// Catalog is the instrument catalog plus candle archive.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (c *Catalog) DB() *sql.DB { return c.db }

// Open opens the database with WAL mode and creates the schema.
func Open(cfg Config, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger.Info("sqlite catalog opened", "path", cfg.DBPath)
	return &Catalog{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			token           INTEGER NOT NULL,
			exchange        TEXT    NOT NULL,
			segment         TEXT    NOT NULL,
			trading_symbol  TEXT    NOT NULL,
			name            TEXT,
			instrument_type TEXT,
			lot_size        INTEGER,
			tick_size       REAL,
			expiry          INTEGER,
			strike          REAL,
			PRIMARY KEY (exchange, token)
		);
		CREATE INDEX IF NOT EXISTS idx_instruments_token ON instruments (token);

		CREATE TABLE IF NOT EXISTS instrument_mappings (
			key      TEXT    PRIMARY KEY,
			token    INTEGER NOT NULL,
			provider TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_mappings_token ON instrument_mappings (token);

		CREATE TABLE IF NOT EXISTS legacy_instruments (
			token    INTEGER PRIMARY KEY,
			exchange TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS candles (
			segment    TEXT    NOT NULL,
			token      INTEGER NOT NULL,
			resolution TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     INTEGER,
			PRIMARY KEY (segment, token, resolution, ts)
		);
	`)
	return err
}

// Ping checks the database connection.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// UpsertInstruments writes catalog rows in one transaction.
func (c *Catalog) UpsertInstruments(ctx context.Context, instruments []model.Instrument) error {
	return c.inTx(ctx, `
		INSERT OR REPLACE INTO instruments
			(token, exchange, segment, trading_symbol, name, instrument_type, lot_size, tick_size, expiry, strike)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(instruments), func(stmt *sql.Stmt, i int) error {
		in := instruments[i]
		var expiry sql.NullInt64
		if in.Expiry != nil {
			expiry = sql.NullInt64{Int64: in.Expiry.Unix(), Valid: true}
		}
		_, err := stmt.ExecContext(ctx, int64(in.Token), in.Exchange, string(in.Segment), in.TradingSymbol,
			in.Name, in.InstrumentType, in.LotSize, in.TickSize, expiry, in.Strike)
		return err
	})
}

// UpsertMappings writes "SEGMENT-TOKEN" mapping keys for provider.
func (c *Catalog) UpsertMappings(ctx context.Context, provider string, keys []string) error {
	return c.inTx(ctx, `INSERT OR REPLACE INTO instrument_mappings (key, token, provider) VALUES (?, ?, ?)`,
		len(keys), func(stmt *sql.Stmt, i int) error {
			seg, tok, ok := splitMappingKey(keys[i])
			if !ok || seg == "" {
				return fmt.Errorf("bad mapping key %q", keys[i])
			}
			_, err := stmt.ExecContext(ctx, keys[i], int64(tok), provider)
			return err
		})
}

// UpsertLegacy writes legacy token → exchange rows.
func (c *Catalog) UpsertLegacy(ctx context.Context, rows map[model.Token]string) error {
	tokens := make([]model.Token, 0, len(rows))
	for t := range rows {
		tokens = append(tokens, t)
	}
	return c.inTx(ctx, `INSERT OR REPLACE INTO legacy_instruments (token, exchange) VALUES (?, ?)`,
		len(tokens), func(stmt *sql.Stmt, i int) error {
			_, err := stmt.ExecContext(ctx, int64(tokens[i]), rows[tokens[i]])
			return err
		})
}

// Instruments lists catalog rows matching f, ordered by symbol.
func (c *Catalog) Instruments(ctx context.Context, f model.InstrumentFilter) ([]model.Instrument, error) {
	var (
		where []string
		args  []any
	)
	if f.Segment != "" {
		where = append(where, "segment = ?")
		args = append(args, string(f.Segment))
	}
	if f.Exchange != "" {
		where = append(where, "exchange = ?")
		args = append(args, f.Exchange)
	}
	if f.InstrumentType != "" {
		where = append(where, "instrument_type = ?")
		args = append(args, f.InstrumentType)
	}
	if f.SymbolPrefix != "" {
		where = append(where, "trading_symbol LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(f.SymbolPrefix)+"%")
	}

	q := `SELECT token, exchange, segment, trading_symbol, COALESCE(name, ''), COALESCE(instrument_type, ''),
		COALESCE(lot_size, 0), COALESCE(tick_size, 0), expiry, COALESCE(strike, 0) FROM instruments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY trading_symbol ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var (
			in     model.Instrument
			tok    int64
			seg    string
			expiry sql.NullInt64
		)
		if err := rows.Scan(&tok, &in.Exchange, &seg, &in.TradingSymbol, &in.Name, &in.InstrumentType,
			&in.LotSize, &in.TickSize, &expiry, &in.Strike); err != nil {
			return nil, fmt.Errorf("sqlite scan instruments: %w", err)
		}
		in.Token = model.Token(tok)
		in.Segment = model.Segment(seg)
		if expiry.Valid {
			t := time.Unix(expiry.Int64, 0).UTC()
			in.Expiry = &t
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (c *Catalog) inTx(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite exec: %w", err)
		}
	}
	return tx.Commit()
}

// splitMappingKey splits "SEGMENT-TOKEN".
func splitMappingKey(key string) (string, model.Token, bool) {
	i := strings.LastIndexByte(key, '-')
	if i < 0 {
		return "", 0, false
	}
	tok, err := model.ParseToken(key[i+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:i], tok, true
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// tokenChunks splits tokens into IN-list sized chunks.
func tokenChunks(tokens []model.Token) [][]model.Token {
	var out [][]model.Token
	for len(tokens) > maxInParams {
		out = append(out, tokens[:maxInParams])
		tokens = tokens[maxInParams:]
	}
	if len(tokens) > 0 {
		out = append(out, tokens)
	}
	return out
}

func inClause(tokens []model.Token) (string, []any) {
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = int64(t)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(tokens)), ",") + ")", args
}
