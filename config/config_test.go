package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/model"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("QUOTEFEED_API_KEY", "key")
	t.Setenv("QUOTEFEED_ACCESS_TOKEN", "token")
	t.Setenv("QUOTEFEED_CONFIG", "")
	t.Setenv("LOG_FILE", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, model.ModeLTP, cfg.SubscribeMode)
	assert.True(t, cfg.StreamingEnabled)
	assert.False(t, cfg.NeedsLogin())
	assert.Equal(t, time.Second, cfg.Tuning.Resilience.MinInterval)
	assert.Equal(t, 1000, cfg.Tuning.Stream.MaxSubscriptions)
	assert.Equal(t, 800, cfg.Tuning.HotsetSize)
	assert.Equal(t, cfg.StreamURL, cfg.Tuning.Stream.URL)
}

func TestLoad_RequiresLoginWithoutToken(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUOTEFEED_ACCESS_TOKEN", "")
	t.Setenv("QUOTEFEED_CLIENT_CODE", "C1")
	t.Setenv("QUOTEFEED_PASSWORD", "")
	t.Setenv("QUOTEFEED_TOTP_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUOTEFEED_PASSWORD")
	assert.Contains(t, err.Error(), "QUOTEFEED_TOTP_SECRET")
	assert.NotContains(t, err.Error(), "QUOTEFEED_CLIENT_CODE")
}

func TestLoad_RejectsBadMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SUBSCRIBE_MODE", "depth")
	_, err := Load()
	assert.ErrorContains(t, err, "SUBSCRIBE_MODE")
}

func TestLoad_YAMLOverlay(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resilience:
  min_interval: 1500ms
  failure_threshold: 3
cache:
  stale_window: 2s
stream:
  max_subscriptions: 500
  ping_interval: 10s
hotset_size: 100
log_file:
  path: /var/log/quotefeed.log
`), 0o644))
	t.Setenv("QUOTEFEED_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	tu := cfg.Tuning
	assert.Equal(t, 1500*time.Millisecond, tu.Resilience.MinInterval)
	assert.Equal(t, 3, tu.Resilience.FailureThreshold)
	assert.Equal(t, 30*time.Second, tu.Resilience.Cooldown, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, tu.Cache.StaleWindow)
	assert.Equal(t, 5*time.Second, tu.Cache.FreshTTL)
	assert.Equal(t, 500, tu.Stream.MaxSubscriptions)
	assert.Equal(t, 10*time.Second, tu.Stream.PingInterval)
	assert.Equal(t, 100, tu.HotsetSize)
	assert.Equal(t, "/var/log/quotefeed.log", tu.LogFile.Path)
}

func TestLoad_MissingYAMLFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUOTEFEED_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "nope.yaml")
}

func TestSubscriptions(t *testing.T) {
	cfg := &Config{SubscribeTokens: " 2885, 1594:full ,35001:OHLCV,bad,7:DEPTH,", SubscribeMode: model.ModeLTP}
	got := cfg.Subscriptions()
	assert.Equal(t, map[model.Mode][]model.Token{
		model.ModeLTP:   {2885},
		model.ModeFull:  {1594},
		model.ModeOHLCV: {35001},
	}, got)
}
