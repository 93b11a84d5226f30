package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quotefeed/internal/codec"
	"quotefeed/internal/model"
	"quotefeed/pkg/marketapi"
)

const (
	maxHistoryCandles = 5000
	writeWait         = 5 * time.Second
)

var resolutions = map[string]time.Duration{
	"1":  time.Minute,
	"3":  3 * time.Minute,
	"5":  5 * time.Minute,
	"10": 10 * time.Minute,
	"15": 15 * time.Minute,
	"30": 30 * time.Minute,
	"60": time.Hour,
	"D":  24 * time.Hour,
	"W":  7 * 24 * time.Hour,
	"M":  30 * 24 * time.Hour,
}

// server simulates the venue: session login, REST quotes and history, and
// the binary streaming socket.
type server struct {
	market      *market
	accessToken string
	feedToken   string
	strictAuth  bool
	interval    time.Duration
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/session", s.handleSession)
	mux.HandleFunc("/data/quotes", s.authorized(s.handleQuotes))
	mux.HandleFunc("/data/history", s.authorized(s.handleHistory))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, map[string]string{"service": "tickserver"})
	})
	return mux
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": data})
}

func writeFail(w http.ResponseWriter, code int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "error_type": errType, "message": msg})
}

func (s *server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.strictAuth && r.Header.Get("Authorization") != "Bearer "+s.accessToken {
			writeFail(w, http.StatusUnauthorized, "TokenException", "invalid or expired access token")
			return
		}
		next(w, r)
	}
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeFail(w, http.StatusMethodNotAllowed, "InputException", "use POST")
		return
	}
	var req struct {
		ClientCode string `json:"client_code"`
		Password   string `json:"password"`
		TOTP       string `json:"totp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFail(w, http.StatusBadRequest, "InputException", "invalid JSON")
		return
	}
	if req.ClientCode == "" || req.Password == "" || len(req.TOTP) != 6 {
		writeFail(w, http.StatusUnauthorized, "TokenException", "invalid credentials")
		return
	}
	s.log.Info("session created", "client_code", req.ClientCode)
	writeData(w, marketapi.Session{AccessToken: s.accessToken, FeedToken: s.feedToken, ClientCode: req.ClientCode})
}

func (s *server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys := q["q"]
	if len(keys) > marketapi.MaxQuoteKeys {
		writeFail(w, http.StatusBadRequest, "InputException", "too many instruments")
		return
	}
	mode := strings.ToLower(q.Get("mode"))
	out := make(map[string]marketapi.QuoteData, len(keys))
	for _, raw := range keys {
		key, ok := model.ParseRoutingKey(raw)
		if !ok {
			continue
		}
		st := s.market.step(key)
		price := st.price
		d := marketapi.QuoteData{LastPrice: &price}
		if mode == marketapi.ModeOHLC || mode == marketapi.ModeFull {
			o := marketapi.OHLC(st.ohlc)
			d.OHLC = &o
		}
		if mode == marketapi.ModeFull {
			v := st.volume
			d.Volume = &v
		}
		out[raw] = d
	}
	writeData(w, out)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seg, ok := model.SegmentFromCode(q.Get("exchange"))
	tok, err := model.ParseToken(q.Get("token"))
	if !ok || err != nil {
		writeFail(w, http.StatusBadRequest, "InputException", "unknown exchange or token")
		return
	}
	step, ok := resolutions[q.Get("resolution")]
	if !ok {
		writeFail(w, http.StatusBadRequest, "InputException", "unknown resolution")
		return
	}
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil || to < from {
		writeFail(w, http.StatusBadRequest, "InputException", "invalid range")
		return
	}
	key := model.RoutingKey{Segment: seg, Token: tok}
	candles := history(key, time.Unix(from, 0).UTC(), time.Unix(to, 0).UTC(), step, maxHistoryCandles)
	writeData(w, map[string]any{"candles": candles})
}

// subscriberFrame is the control message clients send per token.
type subscriberFrame struct {
	Exchange    string     `json:"exchange"`
	Token       string     `json:"token"`
	Mode        model.Mode `json:"mode"`
	MessageType string     `json:"message_type"`
}

// feedConn is one streaming client.
type feedConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[model.RoutingKey]model.Mode
}

func (c *feedConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *feedConn) writeBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.strictAuth {
		if t := r.URL.Query().Get("token"); t != s.feedToken && t != s.accessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}
	c := &feedConn{conn: conn, subs: make(map[model.RoutingKey]model.Mode)}
	s.log.Info("client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.pump(c, done)
	defer func() {
		close(done)
		conn.Close()
		s.log.Info("client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f subscriberFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.writeJSON(map[string]string{"type": "error", "code": "BAD_REQUEST", "message": "invalid JSON"})
			continue
		}
		if err := s.apply(c, f); err != nil {
			return
		}
	}
}

// apply handles one subscribe/unsubscribe frame and replies with an ack
// or an error.
func (s *server) apply(c *feedConn, f subscriberFrame) error {
	seg, okSeg := model.SegmentFromCode(f.Exchange)
	tok, err := model.ParseToken(f.Token)
	if !okSeg || err != nil || tok <= 0 {
		return c.writeJSON(map[string]string{"type": "error", "token": f.Token, "code": "INVALID_TOKEN", "message": "unknown instrument"})
	}
	key := model.RoutingKey{Segment: seg, Token: tok}

	switch f.MessageType {
	case "subscribe":
		mode := f.Mode
		if !mode.Valid() {
			mode = model.ModeLTP
		}
		c.mu.Lock()
		c.subs[key] = mode
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
	default:
		return c.writeJSON(map[string]string{"type": "error", "token": f.Token, "code": "BAD_REQUEST", "message": "unknown message_type"})
	}
	return c.writeJSON(map[string]string{"type": "ack", "token": f.Token, "message_type": f.MessageType})
}

// pump sends one binary frame with every subscribed token per interval.
func (s *server) pump(c *feedConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			records := make([][]byte, 0, len(c.subs))
			now := time.Now()
			for key, mode := range c.subs {
				records = append(records, codec.EncodeRecord(s.market.tick(key, mode, now)))
			}
			c.mu.Unlock()
			if len(records) == 0 {
				continue
			}
			if err := c.writeBinary(codec.EncodeFrame(records, true)); err != nil {
				return
			}
		}
	}
}
