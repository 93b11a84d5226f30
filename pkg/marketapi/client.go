// Package marketapi is the REST client for the venue's market-data API:
// batched quotes, historical candles and session creation.
//
// Usage example:
//
//	c := marketapi.New(marketapi.Config{APIKey: "your_api_key"})
//	sess, err := c.CreateSession(ctx, "CLIENTID", "PASSWORD", "123456")
//	if err != nil { log.Fatal(err) }
//	quotes, err := c.Quotes(ctx, marketapi.ModeLTP, []string{"NSE_EQ-2885"})
package marketapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ---- Config & client ----

type Config struct {
	APIKey      string
	AccessToken string

	RootURL    string        // default: https://api.venue.example
	Timeout    time.Duration // default: 7s
	ProxyURL   string        // optional HTTP proxy URL
	DisableSSL bool          // if true, InsecureSkipVerify
	Debug      bool
	Logger     *slog.Logger
}

// Client talks to the venue REST API. It is safe for concurrent use.
type Client struct {
	apiKey  string
	rootURL string
	debug   bool
	logger  *slog.Logger

	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	feedToken   string

	// SessionExpiryHook is called on 401/403 responses.
	SessionExpiryHook func(err *APIError)
}

const defaultRoot = "https://api.venue.example"

// MaxQuoteKeys is the upstream cap on q parameters per quote request.
const MaxQuoteKeys = 1000

// Quote modes accepted by /data/quotes.
const (
	ModeLTP  = "ltp"
	ModeOHLC = "ohlc"
	ModeFull = "full"
)

var routes = map[string]string{
	"auth.session": "/auth/session",
	"data.quotes":  "/data/quotes",
	"data.history": "/data/history",
}

// New initializes the client with TLS and optional proxy settings.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
		MaxIdleConnsPerHost: 8,
	}
	if cfg.ProxyURL != "" {
		if purl, err := url.Parse(cfg.ProxyURL); err == nil {
			tr.Proxy = http.ProxyURL(purl)
		}
	}

	return &Client{
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		rootURL:     strings.TrimRight(cfg.RootURL, "/"),
		debug:       cfg.Debug,
		logger:      cfg.Logger,
		httpClient:  &http.Client{Transport: tr, Timeout: cfg.Timeout},
	}
}

// ---- Setters/Getters ----

func (c *Client) SetAccessToken(t string) {
	c.mu.Lock()
	c.accessToken = t
	c.mu.Unlock()
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) FeedToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.feedToken != "" {
		return c.feedToken
	}
	return c.accessToken
}

// ---- Errors ----

// APIError is a non-2xx response or an error envelope from the venue.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("venue %d %s: %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("venue %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ---- Helpers ----

type envelope struct {
	Status    string          `json:"status"`
	ErrorType string          `json:"error_type"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("X-API-Key", c.apiKey)
	if tok := c.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (c *Client) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return c.rootURL + uri, nil
}

// doRequest sends one request and decodes the envelope's data into out.
func (c *Client) doRequest(ctx context.Context, method, route string, query url.Values, body any, out any) error {
	fullURL, err := c.buildURL(route)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, rd)
	if err != nil {
		return err
	}
	req.Header = c.requestHeaders()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.debug {
		c.logger.Debug("venue request", "method", method, "url", fullURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, routes[route], err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", routes[route], err)
	}
	if c.debug {
		c.logger.Debug("venue response", "code", resp.StatusCode, "bytes", len(raw))
	}

	var env envelope
	jsonErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 || (jsonErr == nil && (env.Status == "error" || env.ErrorType != "")) {
		apiErr := &APIError{StatusCode: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
		if apiErr.Message == "" && jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && c.SessionExpiryHook != nil {
			c.SessionExpiryHook(apiErr)
		}
		return apiErr
	}
	if jsonErr != nil {
		return fmt.Errorf("couldn't parse JSON response: %w", jsonErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", routes[route], err)
	}
	return nil
}
