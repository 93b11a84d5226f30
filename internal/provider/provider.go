// Package provider is the single entry point applications use: session
// bootstrap, REST quotes, the instrument catalog, streaming control and a
// health view that folds in breaker, auth and dependency state.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"quotefeed/internal/metrics"
	"quotefeed/internal/model"
	"quotefeed/internal/notification"
	"quotefeed/internal/quotes"
	"quotefeed/internal/resilience"
	"quotefeed/internal/stream"
	"quotefeed/pkg/marketapi"
)

var (
	ErrStreamingDisabled = errors.New("provider: streaming is not configured")
	ErrNoCatalog         = errors.New("provider: instrument catalog is not configured")
	ErrNoCredentials     = errors.New("provider: no access token and no login credentials")
)

// Dependency names recognised by the health mirror.
const (
	DepRedis  = "redis"
	DepSQLite = "sqlite"
)

const alertTimeout = 10 * time.Second

// Auth is the venue session surface.
type Auth interface {
	CreateSession(ctx context.Context, clientCode, password, totp string) (marketapi.Session, error)
	AccessToken() string
	FeedToken() string
}

// Quotes serves REST market data.
type Quotes interface {
	GetQuote(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote
	GetOHLC(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote
	GetLTP(ctx context.Context, tokens []model.Token, opts quotes.LTPOptions) map[model.Token]model.Quote
	GetLTPPairs(ctx context.Context, pairs []string) map[string]model.Quote
	GetHistoricalData(ctx context.Context, token model.Token, from, to time.Time, interval string) ([]model.Candle, error)
}

var _ Quotes = (*quotes.Orchestrator)(nil)

// Streamer is the streaming session the provider controls.
type Streamer interface {
	stream.Ticker
	UpdateToken(ctx context.Context, token string) error
	Status() stream.Status
}

var _ Streamer = (*stream.Session)(nil)

// Warmer keeps recently requested tokens subscribed.
type Warmer interface {
	Warm(ctx context.Context) stream.SubscribeResult
	Release(tokens ...model.Token)
}

var _ Warmer = (*stream.Hotset)(nil)

// Clock reports whether any segment is trading.
type Clock interface {
	AnyOpen(t time.Time) bool
}

// Pinger is a dependency health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds login credentials and background intervals.
type Config struct {
	ClientCode     string
	Password       string
	TOTPSecret     string
	HotsetInterval time.Duration
}

// Deps are the provider's collaborators. Catalog, Stream, Hotset, Clock,
// Notifier and Health are optional.
type Deps struct {
	Auth         Auth
	Quotes       Quotes
	Catalog      model.InstrumentCatalog
	Guard        *resilience.Guard
	Stream       Streamer
	Hotset       Warmer
	Clock        Clock
	Dependencies map[string]Pinger
	Notifier     notification.Notifier
	Health       *metrics.HealthStatus
	Logger       *slog.Logger
}

// Health is the provider's view of the venue and its own dependencies.
type Health struct {
	Reachable    bool              `json:"reachable"`
	AuthOK       bool              `json:"auth_ok"`
	RateLimited  bool              `json:"rate_limited"`
	MarketOpen   bool              `json:"market_open"`
	Streaming    bool              `json:"streaming"`
	Stream       *stream.Status    `json:"stream,omitempty"`
	Breakers     map[string]string `json:"breakers,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Provider wires the orchestrator, streaming session and session bootstrap.
type Provider struct {
	cfg      Config
	auth     Auth
	quotes   Quotes
	catalog  model.InstrumentCatalog
	guard    *resilience.Guard
	stream   Streamer
	hotset   Warmer
	clock    Clock
	deps     map[string]Pinger
	notifier notification.Notifier
	health   *metrics.HealthStatus
	log      *slog.Logger
	now      func() time.Time

	lifecycle sync.Mutex // serialises StartStreaming and StopStreaming
	stopWarm  context.CancelFunc
	warmDone  chan struct{}

	mu          sync.Mutex
	reachable   bool
	authOK      bool
	streaming   bool
	initialized bool

	alerts sync.WaitGroup
}

// New creates a Provider and attaches its hooks to the guard.
func New(cfg Config, d Deps) *Provider {
	if cfg.HotsetInterval <= 0 {
		cfg.HotsetInterval = 30 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLogNotifier(d.Logger)
	}
	p := &Provider{
		cfg:       cfg,
		auth:      d.Auth,
		quotes:    d.Quotes,
		catalog:   d.Catalog,
		guard:     d.Guard,
		stream:    d.Stream,
		hotset:    d.Hotset,
		clock:     d.Clock,
		deps:      d.Dependencies,
		notifier:  d.Notifier,
		health:    d.Health,
		log:       d.Logger,
		now:       time.Now,
		reachable: true,
	}
	if p.guard != nil {
		p.attachGuard()
	}
	return p
}

func (p *Provider) attachGuard() {
	prevState := p.guard.OnStateChange
	p.guard.OnStateChange = func(key string, from, to resilience.Status) {
		if prevState != nil {
			prevState(key, from, to)
		}
		p.breakerChanged(key, from, to)
	}
	prevResult := p.guard.OnResult
	p.guard.OnResult = func(key string, err error, elapsed time.Duration) {
		if prevResult != nil {
			prevResult(key, err, elapsed)
		}
		p.callFinished(err)
	}
}

// Initialize establishes a venue session when no access token is set,
// hands the feed token to the stream and checks every dependency.
// Dependency failures are recorded, not returned.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.auth.AccessToken() == "" {
		if err := p.login(ctx); err != nil {
			return err
		}
	} else {
		p.setAuth(true)
	}
	if err := p.pushStreamToken(ctx); err != nil {
		return err
	}
	p.Health(ctx)

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.log.Info("provider initialized", "streaming_configured", p.stream != nil)
	return nil
}

// RefreshSession logs in again regardless of the current token and
// reconnects a stream parked on an auth failure.
func (p *Provider) RefreshSession(ctx context.Context) error {
	if err := p.login(ctx); err != nil {
		return err
	}
	return p.pushStreamToken(ctx)
}

func (p *Provider) login(ctx context.Context) error {
	if p.cfg.ClientCode == "" || p.cfg.Password == "" || p.cfg.TOTPSecret == "" {
		return ErrNoCredentials
	}
	code, err := totp.GenerateCode(p.cfg.TOTPSecret, p.now())
	if err != nil {
		return fmt.Errorf("provider: generate TOTP: %w", err)
	}
	sess, err := p.auth.CreateSession(ctx, p.cfg.ClientCode, p.cfg.Password, code)
	if err != nil {
		if resilience.IsAuth(err) {
			p.ReportAuthFailure(err)
		}
		return fmt.Errorf("provider: create session: %w", err)
	}
	p.setAuth(true)
	p.log.Info("venue session established", "client_code", sess.ClientCode, "has_feed_token", sess.FeedToken != "")
	return nil
}

func (p *Provider) pushStreamToken(ctx context.Context) error {
	if p.stream == nil {
		return nil
	}
	token := p.auth.FeedToken()
	if token == "" {
		token = p.auth.AccessToken()
	}
	if err := p.stream.UpdateToken(ctx, token); err != nil {
		return fmt.Errorf("provider: update stream token: %w", err)
	}
	return nil
}

// GetInstruments lists catalog instruments matching f.
func (p *Provider) GetInstruments(ctx context.Context, f model.InstrumentFilter) ([]model.Instrument, error) {
	if p.catalog == nil {
		return nil, ErrNoCatalog
	}
	return p.catalog.Instruments(ctx, f)
}

// GetQuote returns full quotes; every requested token is a key.
func (p *Provider) GetQuote(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote {
	return p.quotes.GetQuote(ctx, tokens)
}

// GetLTP returns last traded prices, serving stale cache entries while they
// refresh in the background.
func (p *Provider) GetLTP(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote {
	return p.quotes.GetLTP(ctx, tokens, quotes.LTPOptions{BackgroundRefresh: true})
}

// GetLTPFresh returns last traded prices straight from the venue.
func (p *Provider) GetLTPFresh(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote {
	return p.quotes.GetLTP(ctx, tokens, quotes.LTPOptions{BypassCache: true})
}

// GetLTPPairs returns prices keyed by the requested "SEGMENT-TOKEN" pair
// strings.
func (p *Provider) GetLTPPairs(ctx context.Context, pairs []string) map[string]model.Quote {
	return p.quotes.GetLTPPairs(ctx, pairs)
}

// GetOHLC returns open/high/low/close quotes.
func (p *Provider) GetOHLC(ctx context.Context, tokens []model.Token) map[model.Token]model.Quote {
	return p.quotes.GetOHLC(ctx, tokens)
}

// GetHistoricalData returns candles for token between from and to.
func (p *Provider) GetHistoricalData(ctx context.Context, token model.Token, from, to time.Time, interval string) ([]model.Candle, error) {
	return p.quotes.GetHistoricalData(ctx, token, from, to, interval)
}

// StartStreaming connects the stream and starts the hotset warmer.
// Calling it while the session runs is a no-op; a session that gave up on
// its own (reconnect cap or auth failure) is reconnected with its
// subscription book intact. Auth rejections reach ReportAuthFailure through
// the session's OnAuthFailure hook.
func (p *Provider) StartStreaming(ctx context.Context) error {
	if p.stream == nil {
		return ErrStreamingDisabled
	}
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.isStreaming() {
		if p.stream.Status().Running {
			return nil
		}
		if err := p.stream.Connect(ctx); err != nil {
			return fmt.Errorf("provider: restart streaming: %w", err)
		}
		p.log.Info("stream session restarted")
		return nil
	}
	if err := p.stream.Connect(ctx); err != nil {
		return fmt.Errorf("provider: start streaming: %w", err)
	}
	p.mu.Lock()
	p.streaming = true
	p.mu.Unlock()
	if p.health != nil {
		p.health.SetStreamingEnabled(true)
	}
	if p.hotset != nil {
		wctx, cancel := context.WithCancel(context.Background())
		p.stopWarm = cancel
		p.warmDone = make(chan struct{})
		go p.warmLoop(wctx, p.warmDone)
	}
	return nil
}

// StopStreaming stops the warmer and disconnects the stream. Idempotent.
func (p *Provider) StopStreaming() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if !p.isStreaming() {
		return
	}
	if p.stopWarm != nil {
		p.stopWarm()
		<-p.warmDone
		p.stopWarm, p.warmDone = nil, nil
	}
	p.stream.Disconnect()

	p.mu.Lock()
	p.streaming = false
	p.mu.Unlock()
	if p.health != nil {
		p.health.SetStreamingEnabled(false)
	}
}

func (p *Provider) isStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

func (p *Provider) warmLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HotsetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.clock != nil && !p.clock.AnyOpen(p.now()) {
				continue
			}
			p.hotset.Warm(ctx)
		}
	}
}

// Subscribe adds explicit streaming subscriptions. Tokens the hotset
// warmed are handed over first so going cold no longer unsubscribes them.
func (p *Provider) Subscribe(ctx context.Context, tokens []model.Token, mode model.Mode) (stream.SubscribeResult, error) {
	if p.stream == nil {
		return stream.SubscribeResult{}, ErrStreamingDisabled
	}
	if p.hotset != nil && mode.Valid() {
		p.hotset.Release(tokens...)
	}
	return p.stream.Subscribe(ctx, tokens, mode)
}

// Unsubscribe removes streaming subscriptions.
func (p *Provider) Unsubscribe(ctx context.Context, tokens []model.Token) error {
	if p.stream == nil {
		return ErrStreamingDisabled
	}
	return p.stream.Unsubscribe(ctx, tokens)
}

// SetMode changes the streaming mode of already subscribed tokens.
func (p *Provider) SetMode(ctx context.Context, tokens []model.Token, mode model.Mode) error {
	if p.stream == nil {
		return ErrStreamingDisabled
	}
	return p.stream.SetMode(ctx, tokens, mode)
}

// Health checks the dependencies and returns the combined view. The result
// is mirrored onto the metrics health status when one is attached.
func (p *Provider) Health(ctx context.Context) Health {
	p.mu.Lock()
	h := Health{
		Reachable: p.reachable,
		AuthOK:    p.authOK,
		Streaming: p.streaming,
	}
	p.mu.Unlock()
	if p.stream != nil {
		st := p.stream.Status()
		h.Stream = &st
		h.Streaming = h.Streaming && st.Running
	}

	if p.guard != nil {
		h.RateLimited = p.guard.RateLimited()
		states := p.guard.States()
		if len(states) > 0 {
			h.Breakers = make(map[string]string, len(states))
			for k, s := range states {
				h.Breakers[k] = s.Status.String()
			}
		}
	}
	if p.clock != nil {
		h.MarketOpen = p.clock.AnyOpen(p.now())
	}
	if len(p.deps) > 0 {
		h.Dependencies = make(map[string]string, len(p.deps))
		for _, name := range p.depNames() {
			status := "ok"
			err := p.deps[name].Ping(ctx)
			if err != nil {
				status = err.Error()
				p.log.Warn("dependency check failed", "dependency", name, "error", err)
			}
			h.Dependencies[name] = status
			p.recordDependency(name, err == nil)
		}
	}
	if p.health != nil {
		p.health.SetUpstream(h.Reachable, h.AuthOK, h.RateLimited)
	}
	return h
}

func (p *Provider) depNames() []string {
	names := make([]string, 0, len(p.deps))
	for n := range p.deps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) recordDependency(name string, ok bool) {
	if p.health == nil {
		return
	}
	switch name {
	case DepRedis:
		p.health.SetRedisConnected(ok)
	case DepSQLite:
		p.health.SetSQLiteOK(ok)
	}
}

// ReportAuthFailure marks the session unauthenticated and raises a
// critical alert. Wire it to every component that can see a rejected
// credential.
func (p *Provider) ReportAuthFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportAuthLocked(err)
}

func (p *Provider) reportAuthLocked(err error) {
	was := p.authOK
	p.authOK = false
	p.mirrorUpstreamLocked()
	p.log.Error("venue rejected credentials", "error", err)
	if !was && p.initialized {
		// Already reported since the last successful call.
		return
	}
	p.alert(notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "Venue authentication failed",
		Message: err.Error(),
		Key:     "auth",
	})
}

func (p *Provider) setAuth(ok bool) {
	p.mu.Lock()
	p.authOK = ok
	p.mirrorUpstreamLocked()
	p.mu.Unlock()
}

// callFinished tracks reachability and auth from guarded call outcomes.
func (p *Provider) callFinished(err error) {
	switch {
	case err == nil:
		p.mu.Lock()
		p.reachable = true
		p.authOK = true
		p.mirrorUpstreamLocked()
		p.mu.Unlock()
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, context.Canceled):
	case resilience.IsAuth(err):
		p.ReportAuthFailure(err)
	case resilience.StatusOf(err) == 0:
		// No HTTP status: the request never got an answer.
		p.mu.Lock()
		p.reachable = false
		p.mirrorUpstreamLocked()
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.reachable = true
		p.mirrorUpstreamLocked()
		p.mu.Unlock()
	}
}

// breakerChanged runs under the breaker's lock, so alerts go out async.
func (p *Provider) breakerChanged(key string, from, to resilience.Status) {
	switch to {
	case resilience.StatusOpen:
		p.alert(notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "Circuit breaker open",
			Message: fmt.Sprintf("endpoint %s tripped (%s -> %s); serving cached or empty results", key, from, to),
			Key:     "breaker:" + key,
		})
	case resilience.StatusClosed:
		if from == resilience.StatusClosed {
			return
		}
		p.alert(notification.Alert{
			Level:   notification.AlertInfo,
			Title:   "Circuit breaker recovered",
			Message: fmt.Sprintf("endpoint %s closed again", key),
			Key:     "breaker-recovered:" + key,
		})
	}
}

func (p *Provider) mirrorUpstreamLocked() {
	if p.health == nil {
		return
	}
	limited := false
	if p.guard != nil {
		limited = p.guard.RateLimited()
	}
	p.health.SetUpstream(p.reachable, p.authOK, limited)
}

func (p *Provider) alert(a notification.Alert) {
	p.alerts.Add(1)
	go func() {
		defer p.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := p.notifier.Send(ctx, a); err != nil {
			p.log.Warn("alert delivery failed", "title", a.Title, "error", err)
		}
	}()
}

// Close stops streaming and waits for in-flight alerts.
func (p *Provider) Close() {
	p.StopStreaming()
	p.alerts.Wait()
}
