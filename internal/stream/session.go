// Package stream runs the venue's streaming socket. A Session owns one
// connection and its subscriptions; it keeps the link alive with pings,
// reconnects with backoff and feeds decoded ticks into the cache and a
// broadcast sink.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"quotefeed/internal/codec"
	"quotefeed/internal/model"
)

var (
	// ErrAuthFailed means the venue rejected the session token. The session
	// does not reconnect on its own until UpdateToken is called.
	ErrAuthFailed = errors.New("stream: authentication rejected")
	// ErrStopped is returned when a frame cannot be sent because there is no
	// live connection.
	ErrStopped = errors.New("stream: not connected")
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateAuthFailed   State = "AUTH_FAILED"
)

// Ticker is the streaming surface the provider drives.
type Ticker interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(ctx context.Context, tokens []model.Token, mode model.Mode) (SubscribeResult, error)
	Unsubscribe(ctx context.Context, tokens []model.Token) error
	SetMode(ctx context.Context, tokens []model.Token, mode model.Mode) error
}

var _ Ticker = (*Session)(nil)

// Resolver maps tokens to routing keys.
type Resolver interface {
	Keys(ctx context.Context, tokens []model.Token) ([]model.RoutingKey, []model.Token)
}

// PriceCache receives the prices of decoded ticks.
type PriceCache interface {
	Store(ctx context.Context, entries []model.CacheEntry)
}

// Config tunes a Session. Zero fields take their defaults.
type Config struct {
	URL                  string        `yaml:"url"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxSubscriptions     int           `yaml:"max_subscriptions"`
	ResolveTimeout       time.Duration `yaml:"resolve_timeout"`
	ResolveWorkers       int           `yaml:"resolve_workers"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the venue's documented limits.
func DefaultConfig() Config {
	return Config{
		PingInterval:         15 * time.Second,
		PongTimeout:          60 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 10,
		MaxSubscriptions:     1000,
		ResolveTimeout:       5 * time.Second,
		ResolveWorkers:       4,
		WriteTimeout:         5 * time.Second,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = d.MaxSubscriptions
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = d.ResolveTimeout
	}
	if c.ResolveWorkers <= 0 {
		c.ResolveWorkers = d.ResolveWorkers
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// Deps are the collaborators of a Session. Cache and Sink may be nil.
type Deps struct {
	Resolver Resolver
	Cache    PriceCache
	Sink     model.TickSink
	Decoder  *codec.Decoder
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

// SubscribeResult splits the requested tokens by outcome.
type SubscribeResult struct {
	Accepted   []model.Token `json:"accepted"`
	Unresolved []model.Token `json:"unresolved"`
	Dropped    []model.Token `json:"dropped"`
}

// Status is a point-in-time view of a Session.
type Status struct {
	SessionID         string    `json:"session_id"`
	Running           bool      `json:"running"`
	Connected         bool      `json:"connected"`
	State             State     `json:"state"`
	Subscriptions     int       `json:"subscriptions"`
	Acked             int       `json:"acked"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastPong          time.Time `json:"last_pong"`
}

// Session is one streaming connection and its subscription book.
type Session struct {
	cfg      Config
	id       string
	resolver Resolver
	cache    PriceCache
	sink     model.TickSink
	decoder  *codec.Decoder
	dialer   *websocket.Dialer
	log      *slog.Logger
	backoff  backoff.Backoff
	slots    chan struct{}

	// lifecycle serialises Connect and Disconnect.
	lifecycle sync.Mutex
	writeMu   sync.Mutex

	mu       sync.Mutex
	token    string
	state    State
	running  bool
	conn     *websocket.Conn
	subs     map[model.Token]*model.Subscription
	attempts int
	lastPong time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	// Hooks, set before Connect.
	OnStateChange   func(from, to State)
	OnTicks         func(n int)
	OnReconnect     func(attempt int)
	OnAuthFailure   func(err error)
	OnSubscriptions func(n int)
}

// New creates a disconnected Session that will authenticate with token.
func New(cfg Config, token string, d Deps) *Session {
	cfg.defaults()
	id := uuid.NewString()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dec := d.Decoder
	if dec == nil {
		dec = codec.NewDecoder(logger)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:      cfg,
		id:       id,
		resolver: d.Resolver,
		cache:    d.Cache,
		sink:     d.Sink,
		decoder:  dec,
		dialer:   dialer,
		log:      logger.With("session_id", id),
		backoff: backoff.Backoff{
			Min:    cfg.ReconnectBase,
			Max:    cfg.ReconnectMax,
			Factor: 1.5,
			Jitter: true,
		},
		slots: make(chan struct{}, cfg.ResolveWorkers),
		token: token,
		state: StateDisconnected,
		subs:  make(map[model.Token]*model.Subscription),
	}
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Connect dials the venue and starts the read, heartbeat and reconnect
// loops. It returns once the first dial has succeeded or failed; calling it
// on a running session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	oldCancel, oldDone := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.running = true
	s.attempts = 0
	s.mu.Unlock()

	// A previous loop that gave up has already returned.
	if oldCancel != nil {
		oldCancel()
		<-oldDone
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.stopRunning()
		if errors.Is(err, ErrAuthFailed) {
			s.authFailed(err)
		} else {
			s.setState(StateDisconnected)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	s.attach(conn)
	go s.run(runCtx, conn, done)
	return nil
}

// Disconnect closes the connection, stops every loop and clears the
// subscription book. It is safe to call more than once.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.running = false
	s.attempts = 0
	s.subs = make(map[model.Token]*model.Subscription)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.log.Info("stream session stopped")
	}
	s.setState(StateDisconnected)
	if s.OnSubscriptions != nil {
		s.OnSubscriptions(0)
	}
}

// UpdateToken replaces the session token. A session parked in the auth
// failure state reconnects with the new token.
func (s *Session) UpdateToken(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	fatal := s.state == StateAuthFailed
	s.mu.Unlock()
	if !fatal {
		return nil
	}
	s.log.Info("session token refreshed, reconnecting")
	return s.Connect(ctx)
}

// Subscribe resolves tokens and subscribes them in mode. Unresolvable tokens
// and tokens past the per-socket ceiling are reported, not queued. Accepted
// tokens are PENDING until the venue acknowledges them; while disconnected
// they are sent on the next connect.
func (s *Session) Subscribe(ctx context.Context, tokens []model.Token, mode model.Mode) (SubscribeResult, error) {
	var res SubscribeResult
	if !mode.Valid() {
		return res, fmt.Errorf("stream: unknown mode %q", mode)
	}
	tokens = dedupe(tokens)
	if len(tokens) == 0 {
		return res, nil
	}

	keys, unresolved := s.resolve(ctx, tokens)
	res.Unresolved = unresolved
	if len(unresolved) > 0 {
		s.log.Warn("tokens skipped, no routing key", "count", len(unresolved))
	}

	frames := make([]controlFrame, 0, len(keys))
	s.mu.Lock()
	for _, k := range keys {
		sub, ok := s.subs[k.Token]
		if !ok {
			if len(s.subs) >= s.cfg.MaxSubscriptions {
				res.Dropped = append(res.Dropped, k.Token)
				continue
			}
			sub = &model.Subscription{Token: k.Token}
			s.subs[k.Token] = sub
		} else if sub.Mode == mode && sub.Status == model.SubAcked {
			res.Accepted = append(res.Accepted, k.Token)
			continue
		}
		sub.Segment = k.Segment
		sub.Mode = mode
		sub.Status = model.SubPending
		res.Accepted = append(res.Accepted, k.Token)
		frames = append(frames, newFrame(msgSubscribe, *sub))
	}
	n := len(s.subs)
	s.mu.Unlock()

	if len(res.Dropped) > 0 {
		s.log.Warn("subscription ceiling reached, tokens dropped",
			"ceiling", s.cfg.MaxSubscriptions,
			"dropped", len(res.Dropped),
			"first_dropped", res.Dropped[0])
	}
	if s.OnSubscriptions != nil {
		s.OnSubscriptions(n)
	}
	if err := s.send(frames); err != nil && !errors.Is(err, ErrStopped) {
		s.log.Warn("subscribe send failed, will resend on reconnect", "tokens", len(frames), "error", err)
	}
	return res, nil
}

// Unsubscribe drops tokens from the book and tells the venue.
func (s *Session) Unsubscribe(ctx context.Context, tokens []model.Token) error {
	frames := make([]controlFrame, 0, len(tokens))
	s.mu.Lock()
	for _, t := range tokens {
		sub, ok := s.subs[t]
		if !ok {
			continue
		}
		delete(s.subs, t)
		frames = append(frames, newFrame(msgUnsubscribe, *sub))
	}
	n := len(s.subs)
	s.mu.Unlock()

	if s.OnSubscriptions != nil {
		s.OnSubscriptions(n)
	}
	if err := s.send(frames); err != nil && !errors.Is(err, ErrStopped) {
		return fmt.Errorf("stream: unsubscribe: %w", err)
	}
	return nil
}

// SetMode changes the mode of tokens already subscribed. Unknown tokens
// are ignored.
func (s *Session) SetMode(ctx context.Context, tokens []model.Token, mode model.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("stream: unknown mode %q", mode)
	}
	frames := make([]controlFrame, 0, len(tokens))
	s.mu.Lock()
	for _, t := range tokens {
		sub, ok := s.subs[t]
		if !ok || sub.Mode == mode {
			continue
		}
		sub.Mode = mode
		sub.Status = model.SubPending
		frames = append(frames, newFrame(msgSubscribe, *sub))
	}
	s.mu.Unlock()

	if err := s.send(frames); err != nil && !errors.Is(err, ErrStopped) {
		return fmt.Errorf("stream: set mode: %w", err)
	}
	return nil
}

// Subscribed reports whether token is in the subscription book.
func (s *Session) Subscribed(token model.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[token]
	return ok
}

// Subscriptions returns a copy of the book ordered by token.
func (s *Session) Subscriptions() []model.Subscription {
	s.mu.Lock()
	out := make([]model.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:         s.id,
		Running:           s.running,
		Connected:         s.conn != nil,
		State:             s.state,
		Subscriptions:     len(s.subs),
		ReconnectAttempts: s.attempts,
		LastPong:          s.lastPong,
	}
	for _, sub := range s.subs {
		if sub.Status == model.SubAcked {
			st.Acked++
		}
	}
	return st
}

// ── connection loop ──

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateConnecting)

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: bad url: %w", err)
	}
	s.mu.Lock()
	q := u.Query()
	q.Set("token", s.token)
	s.mu.Unlock()
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial status %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	s.log.Info("stream connected", "host", u.Host)
	return conn, nil
}

func (s *Session) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			s.stopRunning()
			s.authFailed(err)
			return
		}
		s.log.Warn("stream disconnected", "error", err)
		if conn = s.reconnect(ctx); conn == nil {
			return
		}
		s.attach(conn)
	}
}

// attach makes conn the live connection and replays the subscription book
// on it before any inbound frame is read.
func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.lastPong = time.Now()
	s.mu.Unlock()
	s.resend(conn)
	s.setState(StateConnected)
}

// reconnect dials until it succeeds, the attempt cap is hit, the token is
// rejected or ctx ends. It returns nil in every case but success.
func (s *Session) reconnect(ctx context.Context) *websocket.Conn {
	for {
		s.mu.Lock()
		attempt := s.attempts
		if attempt >= s.cfg.MaxReconnectAttempts {
			s.running = false
			s.mu.Unlock()
			s.setState(StateDisconnected)
			s.log.Error("reconnect attempts exhausted, stream stopped", "attempts", attempt)
			return nil
		}
		s.attempts++
		s.mu.Unlock()

		s.setState(StateDisconnected)
		delay := s.backoff.ForAttempt(float64(attempt))
		if s.OnReconnect != nil {
			s.OnReconnect(attempt + 1)
		}
		s.log.Info("reconnecting", "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := s.dial(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			s.stopRunning()
			s.authFailed(err)
			return nil
		}
		s.log.Warn("reconnect failed", "attempt", attempt+1, "error", err)
	}
}

// serve owns conn until it fails or ctx ends.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	connDone := make(chan struct{})
	defer func() {
		close(connDone)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		s.pong()
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-connDone:
		}
	}()
	go s.heartbeat(conn, connDone)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			s.handleTicks(ctx, data)
		case websocket.TextMessage:
			if err := s.handleControl(data); err != nil {
				return err
			}
		}
	}
}

// heartbeat pings every PingInterval and kills conn when no pong has been
// seen for PongTimeout.
func (s *Session) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			since := time.Since(s.lastPong)
			s.mu.Unlock()
			if since > s.cfg.PongTimeout {
				s.log.Warn("pong timeout, dropping connection", "since_last_pong", since)
				conn.Close()
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.log.Debug("ping write failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// resend replays every ACKED or PENDING subscription on a fresh conn.
func (s *Session) resend(conn *websocket.Conn) {
	s.mu.Lock()
	frames := make([]controlFrame, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.Status == model.SubFailed {
			continue
		}
		sub.Status = model.SubPending
		frames = append(frames, newFrame(msgSubscribe, *sub))
	}
	s.mu.Unlock()
	if len(frames) == 0 {
		return
	}
	for _, f := range frames {
		if err := s.write(conn, f); err != nil {
			s.log.Warn("resubscribe failed", "error", err)
			return
		}
	}
	s.log.Info("resubscribed", "tokens", len(frames))
}

func (s *Session) send(frames []controlFrame) error {
	if len(frames) == 0 {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrStopped
	}
	for _, f := range frames {
		if err := s.write(conn, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) write(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

// ── inbound ──

func (s *Session) handleTicks(ctx context.Context, frame []byte) {
	ticks := s.decoder.Decode(frame)
	if len(ticks) == 0 {
		return
	}
	now := time.Now()
	entries := make([]model.CacheEntry, 0, len(ticks))
	for i := range ticks {
		ticks[i].ReceivedAt = now
		if model.ValidPrice(ticks[i].LastPrice) != nil {
			entries = append(entries, model.CacheEntry{
				Token:      ticks[i].Token,
				LastPrice:  ticks[i].LastPrice,
				ObservedAt: now,
			})
		}
	}
	if s.cache != nil && len(entries) > 0 {
		s.cache.Store(ctx, entries)
	}
	if s.sink != nil {
		for _, t := range ticks {
			s.sink.Publish(ctx, t)
		}
	}
	if s.OnTicks != nil {
		s.OnTicks(len(ticks))
	}
}

// handleControl applies a text frame. It returns ErrAuthFailed for an
// auth error, which ends the connection.
func (s *Session) handleControl(data []byte) error {
	if string(data) == "pong" {
		s.pong()
		return nil
	}
	var m controlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn("unparseable control frame", "error", err, "len", len(data))
		return nil
	}
	switch strings.ToLower(m.Type) {
	case "pong":
		s.pong()
	case "ack":
		if m.MessageType == msgUnsubscribe {
			return nil
		}
		s.markSubscription(m.Token, model.SubAcked)
	case "error":
		if m.isAuth() {
			return fmt.Errorf("%w: %s", ErrAuthFailed, m.Message)
		}
		s.log.Warn("venue rejected request", "token", m.Token, "code", m.Code, "message", m.Message)
		s.markSubscription(m.Token, model.SubFailed)
	default:
		s.log.Debug("ignoring control frame", "type", m.Type)
	}
	return nil
}

func (s *Session) markSubscription(raw string, status model.SubscriptionStatus) {
	tok, err := model.ParseToken(raw)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[tok]; ok {
		sub.Status = status
	}
}

func (s *Session) pong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

// ── helpers ──

// resolve runs the resolver on a bounded set of workers. Tokens not
// resolved before ResolveTimeout are all reported unresolved.
func (s *Session) resolve(ctx context.Context, tokens []model.Token) ([]model.RoutingKey, []model.Token) {
	if s.resolver == nil {
		return nil, tokens
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.log.Warn("resolve queue full, tokens dropped", "count", len(tokens))
		return nil, tokens
	}

	type result struct {
		keys       []model.RoutingKey
		unresolved []model.Token
	}
	ch := make(chan result, 1)
	go func() {
		defer func() { <-s.slots }()
		keys, unresolved := s.resolver.Keys(ctx, tokens)
		ch <- result{keys, unresolved}
	}()

	select {
	case r := <-ch:
		return r.keys, r.unresolved
	case <-ctx.Done():
		s.log.Warn("resolve timed out, tokens dropped", "count", len(tokens), "timeout", s.cfg.ResolveTimeout)
		return nil, tokens
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.log.Debug("stream state", "from", from, "to", to)
	if s.OnStateChange != nil {
		s.OnStateChange(from, to)
	}
}

func (s *Session) stopRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) authFailed(err error) {
	s.setState(StateAuthFailed)
	s.log.Error("stream authentication failed, reconnect disabled until token refresh", "error", err)
	if s.OnAuthFailure != nil {
		s.OnAuthFailure(err)
	}
}

func dedupe(tokens []model.Token) []model.Token {
	seen := make(map[model.Token]struct{}, len(tokens))
	out := make([]model.Token, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
