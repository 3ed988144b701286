package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9091, cfg.Server.RPCPort)
	assert.Equal(t, []string{"type"}, cfg.Scan.Kinds)
	assert.Equal(t, 1, cfg.Scan.Workers)
	assert.Equal(t, "scan-requests", cfg.Kafka.Topics.ScanRequests)
	assert.Equal(t, "marker-matches", cfg.Kafka.Topics.MatchEvents)
	assert.True(t, cfg.Cache.Enabled)
	assert.False(t, cfg.Cache.UseRedis)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "scan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
scan:
  roots: [build/classes, lib/app.jar]
  markers: [javax.inject.Named]
  kinds: [type, method]
  workers: 4
  timeout: 30s
cache:
  localEntries: 16
`), 0o644))

	t.Setenv("MS_SCAN_MARKERS", "a.One, a.Two,,")
	t.Setenv("MS_SCAN_WORKERS", "8")
	t.Setenv("MS_SERVER_PORT", "not-a-number")
	t.Setenv("MS_CACHE_USE_REDIS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port, "unparsable overrides are ignored")
	assert.Equal(t, []string{"build/classes", "lib/app.jar"}, cfg.Scan.Roots)
	assert.Equal(t, []string{"a.One", "a.Two"}, cfg.Scan.Markers)
	assert.Equal(t, []string{"type", "method"}, cfg.Scan.Kinds)
	assert.Equal(t, 8, cfg.Scan.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, 16, cfg.Cache.LocalEntries)
	assert.True(t, cfg.Cache.UseRedis)
	assert.Equal(t, "localhost", cfg.Postgres.Host, "untouched sections keep defaults")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MS_SCAN_PACKAGES=com.acme,org.demo\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MS_SCAN_PACKAGES") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.acme", "org.demo"}, cfg.Scan.Packages)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scan: [unclosed"), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parsing config file")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("scan:\n  workers: -2\nkafka:\n  batchSize: 0\n"), 0o644))
	_, err = Load(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.workers")
	assert.Contains(t, err.Error(), "kafka.batchSize")
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "scans", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=scans sslmode=require", p.DSN())
}
