// Command tickserver is a staging venue simulator. It serves the session,
// quote and history REST routes and a streaming socket that emits binary
// tick frames for subscribed tokens, so quotefeed can run without venue
// credentials.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   listen address (default ":9001")
//	TICK_INTERVAL_MS   streaming interval in milliseconds (default 250)
//	TICK_ACCESS_TOKEN  access token handed out by /auth/session
//	TICK_FEED_TOKEN    feed token handed out by /auth/session
//	TICK_STRICT_AUTH   reject requests without the tokens above (default false)
package main

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"quotefeed/internal/logger"
)

func main() {
	log := logger.Init("tickserver", logger.ParseLevel(envOrDefault("LOG_LEVEL", "info")))

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	s := &server{
		market:      newMarket(time.Now().UnixNano()),
		accessToken: envOrDefault("TICK_ACCESS_TOKEN", "sim-access-token"),
		feedToken:   envOrDefault("TICK_FEED_TOKEN", "sim-feed-token"),
		strictAuth:  envOrDefault("TICK_STRICT_AUTH", "false") == "true",
		interval:    time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond,
		log:         log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("listening", "addr", addr, "interval", s.interval, "strict_auth", s.strictAuth)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
