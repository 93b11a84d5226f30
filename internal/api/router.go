// Package api exposes the provider over HTTP: JSON REST endpoints for
// quotes, history, the catalog and subscriptions, plus a WebSocket tick feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quotefeed/internal/model"
	"quotefeed/internal/provider"
	"quotefeed/internal/quotes"
	"quotefeed/internal/stream"
)

// Provider is the facade surface the routes call.
type Provider interface {
	GetInstruments(ctx context.Context, f model.InstrumentFilter) ([]model.Instrument, error)
	GetQuote(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote
	GetLTP(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote
	GetOHLC(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote
	GetHistoricalData(ctx context.Context, token model.Token, from, to time.Time, interval string) ([]model.Candle, error)
	Subscribe(ctx context.Context, tokens []model.Token, mode model.Mode) (stream.SubscribeResult, error)
	Unsubscribe(ctx context.Context, tokens []model.Token) error
	Health(ctx context.Context) provider.Health
}

var _ Provider = (*provider.Provider)(nil)

// maxTokensPerRequest bounds the token list of one REST call.
const maxTokensPerRequest = 1000

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// NewRouter registers the REST routes and, when hub is non-nil, the tick
// feed at /api/v1/ticks.
func NewRouter(p Provider, hub *Hub, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		h := p.Health(r.Context())
		code := http.StatusOK
		if !h.Reachable || !h.AuthOK {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	quoteRoute := func(get func(context.Context, []model.Token) map[model.Token]model.Quote) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			tokens, err := parseTokens(r.URL.Query().Get("tokens"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, get(r.Context(), tokens))
		}
	}
	mux.HandleFunc("/api/v1/ltp", quoteRoute(p.GetLTP))
	mux.HandleFunc("/api/v1/quote", quoteRoute(p.GetQuote))
	mux.HandleFunc("/api/v1/ohlc", quoteRoute(p.GetOHLC))

	// GET /api/v1/history?token=2885&interval=ONE_MINUTE&from=RFC3339&to=RFC3339
	mux.HandleFunc("/api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tok, err := model.ParseToken(q.Get("token"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid token")
			return
		}
		from, err1 := time.Parse(time.RFC3339, q.Get("from"))
		to, err2 := time.Parse(time.RFC3339, q.Get("to"))
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "from and to must be RFC3339 timestamps")
			return
		}
		candles, err := p.GetHistoricalData(r.Context(), tok, from, to, q.Get("interval"))
		switch {
		case errors.Is(err, quotes.ErrInvalidInterval), errors.Is(err, quotes.ErrInvalidRange):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			logger.Warn("history request failed", "token", tok, "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			if candles == nil {
				candles = []model.Candle{}
			}
			writeJSON(w, http.StatusOK, candles)
		}
	})

	// GET /api/v1/instruments?segment=EQUITY&exchange=NSE&type=EQ&prefix=REL&limit=50
	mux.HandleFunc("/api/v1/instruments", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := model.InstrumentFilter{
			Segment:        model.Segment(strings.ToUpper(q.Get("segment"))),
			Exchange:       strings.ToUpper(q.Get("exchange")),
			InstrumentType: strings.ToUpper(q.Get("type")),
			SymbolPrefix:   q.Get("prefix"),
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			f.Limit = n
		}
		if f.Segment != "" && !f.Segment.Valid() {
			writeError(w, http.StatusBadRequest, "unknown segment")
			return
		}
		list, err := p.GetInstruments(r.Context(), f)
		switch {
		case errors.Is(err, provider.ErrNoCatalog):
			writeError(w, http.StatusNotImplemented, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			if list == nil {
				list = []model.Instrument{}
			}
			writeJSON(w, http.StatusOK, list)
		}
	})

	// POST   /api/v1/subscriptions {"tokens":[2885],"mode":"LTP"}
	// DELETE /api/v1/subscriptions?tokens=2885,1594
	mux.HandleFunc("/api/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			var req struct {
				Tokens []model.Token `json:"tokens"`
				Mode   model.Mode    `json:"mode"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON")
				return
			}
			if req.Mode == "" {
				req.Mode = model.ModeLTP
			}
			res, err := p.Subscribe(r.Context(), req.Tokens, req.Mode)
			if err != nil {
				writeError(w, subscriptionStatus(err), err.Error())
				return
			}
			logger.Info("subscriptions added over http", "accepted", len(res.Accepted), "mode", req.Mode)
			writeJSON(w, http.StatusOK, res)
		case http.MethodDelete:
			tokens, err := parseTokens(r.URL.Query().Get("tokens"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := p.Unsubscribe(r.Context(), tokens); err != nil {
				writeError(w, subscriptionStatus(err), err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"removed": len(tokens)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "use POST or DELETE")
		}
	})

	if hub != nil {
		mux.HandleFunc("/api/v1/ticks", hub.ServeWS)
	}
	return mux
}

func subscriptionStatus(err error) int {
	if errors.Is(err, provider.ErrStreamingDisabled) {
		return http.StatusNotImplemented
	}
	return http.StatusBadRequest
}

// parseTokens parses a comma-separated token list.
func parseTokens(raw string) ([]model.Token, error) {
	var out []model.Token
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := model.ParseToken(part)
		if err != nil {
			return nil, errors.New("invalid token " + strconv.Quote(part))
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.New("tokens is required")
	}
	if len(out) > maxTokensPerRequest {
		return nil, errors.New("too many tokens, max " + strconv.Itoa(maxTokensPerRequest))
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
