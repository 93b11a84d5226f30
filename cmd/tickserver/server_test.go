package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/codec"
	"quotefeed/internal/model"
)

func newTestServer(t *testing.T, strict bool) *httptest.Server {
	t.Helper()
	s := &server{
		market:      newMarket(1),
		accessToken: "acc",
		feedToken:   "feed",
		strictAuth:  strict,
		interval:    10 * time.Millisecond,
		log:         slog.Default(),
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return srv
}

type envelope struct {
	Status    string          `json:"status"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func getEnvelope(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestSession(t *testing.T) {
	srv := newTestServer(t, false)
	body := `{"client_code":"C1","password":"pw","totp":"123456"}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/auth/session", strings.NewReader(body))
	code, env := getEnvelope(t, req)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"feed_token":"feed"`)

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/auth/session", strings.NewReader(`{"client_code":"C1"}`))
	code, env = getEnvelope(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "error", env.Status)
}

func TestQuotes_ModeShapesPayload(t *testing.T) {
	srv := newTestServer(t, false)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/data/quotes?mode=ltp&q=NSE_EQ-2885&q=junk", nil)
	code, env := getEnvelope(t, req)
	require.Equal(t, http.StatusOK, code)
	var ltp map[string]map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &ltp))
	require.Contains(t, ltp, "NSE_EQ-2885")
	assert.Len(t, ltp, 1)
	assert.NotContains(t, ltp["NSE_EQ-2885"], "ohlc")

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/data/quotes?mode=full&q=NSE_EQ-2885", nil)
	_, env = getEnvelope(t, req)
	var full map[string]map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &full))
	assert.Contains(t, full["NSE_EQ-2885"], "ohlc")
	assert.Contains(t, full["NSE_EQ-2885"], "volume")
}

func TestQuotes_StrictAuth(t *testing.T) {
	srv := newTestServer(t, true)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/data/quotes?mode=ltp&q=NSE_EQ-2885", nil)
	code, _ := getEnvelope(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	req.Header.Set("Authorization", "Bearer acc")
	code, _ = getEnvelope(t, req)
	assert.Equal(t, http.StatusOK, code)
}

func TestHistory(t *testing.T) {
	srv := newTestServer(t, false)
	from := time.Date(2026, 10, 14, 3, 45, 0, 0, time.UTC)
	to := from.Add(10 * time.Minute)
	url := srv.URL + "/data/history?exchange=NSE_EQ&token=2885&resolution=1" +
		"&from=" + itoa(from.Unix()) + "&to=" + itoa(to.Unix())
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	code, env := getEnvelope(t, req)
	require.Equal(t, http.StatusOK, code)
	var data struct {
		Candles [][]float64 `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.Candles)
	for _, c := range data.Candles {
		require.Len(t, c, 6)
		assert.GreaterOrEqual(t, c[2], c[3], "high >= low")
	}

	req, _ = http.NewRequest(http.MethodGet, strings.Replace(url, "resolution=1", "resolution=7", 1), nil)
	code, _ = getEnvelope(t, req)
	assert.Equal(t, http.StatusBadRequest, code)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestWS_SubscribeStreamsBinaryTicks(t *testing.T) {
	srv := newTestServer(t, false)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token=feed", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscriberFrame{Exchange: "NSE_EQ", Token: "2885", Mode: model.ModeFull, MessageType: "subscribe"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawAck bool
	var ticks []model.Tick
	for !sawAck || ticks == nil {
		typ, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.TextMessage {
			assert.True(t, bytes.Contains(raw, []byte(`"ack"`)), string(raw))
			sawAck = true
			continue
		}
		ticks = codec.Decode(raw)
	}
	require.Len(t, ticks, 1)
	assert.Equal(t, model.Token(2885), ticks[0].Token)
	assert.Equal(t, model.TickFull, ticks[0].Kind)
	assert.Greater(t, ticks[0].LastPrice, 0.0)
	require.NotNil(t, ticks[0].Depth)
}

func TestWS_InvalidToken(t *testing.T) {
	srv := newTestServer(t, false)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscriberFrame{Exchange: "NSE_EQ", Token: "abc", MessageType: "subscribe"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "INVALID_TOKEN", msg["code"])
}

func TestWS_StrictRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, true)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
