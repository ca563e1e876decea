package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseYAMLOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
analysis:
  streak_length: 4
  cooldowns:
    missed_medication: 12h
storage:
  driver: postgres
  dsn: postgres://localhost/vitalwatch
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Analysis.StreakLength)
	assert.Equal(t, 12*time.Hour, cfg.Analysis.Cooldowns.MissedMedication)
	assert.Equal(t, 6*time.Hour, cfg.Analysis.Cooldowns.AbnormalTrend)
	assert.Equal(t, 7*24*time.Hour, cfg.Analysis.TrendWindow)
	assert.Equal(t, 0.7, cfg.Analysis.Adherence.High)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestParseNotifyTimeout(t *testing.T) {
	cfg, err := Parse([]byte("log_level: info\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Notify.Timeout)

	cfg, err = Parse([]byte("notify:\n  timeout: 750ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Notify.Timeout)
}

func TestParseRejectsBadLockDriver(t *testing.T) {
	_, err := Parse([]byte("lock:\n  driver: zookeeper\n"))
	assert.ErrorContains(t, err, "unsupported lock driver")

	_, err = Parse([]byte("lock:\n  driver: redis\n"))
	assert.ErrorContains(t, err, "lock.redis.addr")
}

func TestParseRejectsUnorderedAdherenceCuts(t *testing.T) {
	_, err := Parse([]byte("analysis:\n  adherence:\n    critical: 0.8\n    high: 0.7\n    medium: 0.9\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse([]byte("   \n"))
	assert.Error(t, err)
}

func TestManagerReloadAfterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitalwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	next := *m.Get()
	next.LogLevel = "warn"
	require.NoError(t, m.Update(&next))

	reloaded, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", reloaded.LogLevel)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Equal(t, 3, m.Get().Analysis.StreakLength)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}
