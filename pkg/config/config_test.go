package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: WARN
  json: true
http-server:
  port: 9090
  read_header_timeout: 2s
db:
  memtable:
    seal_threshold: 10
    max_immutable_layers: 2
  journal:
    path: /var/lib/lsmkit
    compression: none
  lock:
    trace: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Logger = LoggerConfig{Level: "WARN", JSON: true}
	want.Server = ServerConfig{Port: 9090, ReadHeaderTimeout: 2 * time.Second}
	want.Memtable.SealThreshold = 10
	want.Memtable.MaxImmutableLayers = 2
	want.Journal.Path = "/var/lib/lsmkit"
	want.Journal.Compression = "none"
	want.Lock.Trace = true
	require.Equal(t, want, cfg)

	level, err := cfg.Logger.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelWarn, level)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: LOUD
http-server:
  port: 0
db:
  journal:
    compression: lz77
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "logger.level")
	require.ErrorContains(t, err, "http-server.port")
	require.ErrorContains(t, err, "db.journal.compression")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "logger: [unterminated"))
	require.Error(t, err)
}
