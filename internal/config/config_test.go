package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnvironment(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("JOB_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("SYNC_WORKERS", "not-a-number")
	t.Setenv("STRAVA_RATE_LIMIT_THRESHOLD", "0.75")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")

	cfg := Load()
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 0.75, cfg.Strava.RateLimitThreshold)
	require.Equal(t, []string{"https://app.example.com"}, cfg.CORSAllowedOrigins)
	require.Equal(t, QueueLocal, cfg.QueueBackend)
	require.Equal(t, 10*time.Minute, cfg.PendingTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":7000")
	path := filepath.Join(t.TempDir(), "activitysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_backend: kafka
cors_allowed_origins: [https://app.example.com, http://localhost:5173]
kafka_brokers: [broker:29092]
pending_timeout: 5m
strava:
  client_id: "1234"
  page_size: 50
archive:
  bucket: raw-activities
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTPAddress)
	require.Equal(t, QueueKafka, cfg.QueueBackend)
	require.Equal(t, []string{"https://app.example.com", "http://localhost:5173"}, cfg.CORSAllowedOrigins)
	require.Equal(t, []string{"broker:29092"}, cfg.KafkaBrokers)
	require.Equal(t, 5*time.Minute, cfg.PendingTimeout)
	require.Equal(t, "1234", cfg.Strava.ClientID)
	require.Equal(t, 50, cfg.Strava.PageSize)
	require.Equal(t, 100, cfg.Strava.MaxPages)
	require.Equal(t, "raw-activities", cfg.Archive.Bucket)
}

func TestLoadFileRejectsInvalidSettings(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("queue_backend: carrier-pigeon\n"), 0o600))
	_, err := LoadFile(bad)
	require.ErrorContains(t, err, "unknown queue backend")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("workers: [\n"), 0o600))
	_, err = LoadFile(broken)
	require.ErrorContains(t, err, "parse config")

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
