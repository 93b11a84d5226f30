package sqlite

import (
	"context"
	"fmt"

	"quotefeed/internal/model"
)

// CatalogSource resolves tokens from the authoritative instruments table.
type CatalogSource struct{ c *Catalog }

// MappingSource resolves tokens from the provider-agnostic "SEGMENT-TOKEN"
// mapping table.
type MappingSource struct{ c *Catalog }

// LegacySource resolves tokens from the legacy catalog, whose exchange
// names are looser ("NFO", "CDS", "mcx").
type LegacySource struct{ c *Catalog }

// Sources returns the three resolver sources in chain order.
func (c *Catalog) Sources() (*CatalogSource, *MappingSource, *LegacySource) {
	return &CatalogSource{c}, &MappingSource{c}, &LegacySource{c}
}

func (s *CatalogSource) Name() string { return "catalog" }
func (s *MappingSource) Name() string { return "mapping" }
func (s *LegacySource) Name() string  { return "legacy" }

func (s *CatalogSource) Lookup(ctx context.Context, tokens []model.Token) (map[model.Token]string, error) {
	// Rows are read in descending exchange order so the alphabetically first exchange wins.
	return s.c.lookup(ctx, "SELECT token, segment FROM instruments WHERE token IN %s ORDER BY exchange DESC", tokens)
}

func (s *MappingSource) Lookup(ctx context.Context, tokens []model.Token) (map[model.Token]string, error) {
	raw, err := s.c.lookup(ctx, "SELECT token, key FROM instrument_mappings WHERE token IN %s ORDER BY key DESC", tokens)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Token]string, len(raw))
	for tok, key := range raw {
		if seg, _, ok := splitMappingKey(key); ok {
			out[tok] = seg
		}
	}
	return out, nil
}

func (s *LegacySource) Lookup(ctx context.Context, tokens []model.Token) (map[model.Token]string, error) {
	return s.c.lookup(ctx, "SELECT token, exchange FROM legacy_instruments WHERE token IN %s", tokens)
}

// lookup runs query (with a %s placeholder for the IN list) per chunk.
// Later rows overwrite earlier ones for the same token.
func (c *Catalog) lookup(ctx context.Context, query string, tokens []model.Token) (map[model.Token]string, error) {
	out := make(map[model.Token]string, len(tokens))
	for _, chunk := range tokenChunks(tokens) {
		in, args := inClause(chunk)
		rows, err := c.db.QueryContext(ctx, fmt.Sprintf(query, in), args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite lookup: %w", err)
		}
		for rows.Next() {
			var (
				tok int64
				val string
			)
			if err := rows.Scan(&tok, &val); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite lookup scan: %w", err)
			}
			out[model.Token(tok)] = val
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
