package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_FillsDefaults(t *testing.T) {
	c := &Core{}
	require.NoError(t, c.Validate())

	d := Default()
	assert.Equal(t, d.MaxStartedRunningSessions, c.MaxStartedRunningSessions)
	assert.Equal(t, d.SessionQueueCapacity, c.SessionQueueCapacity)
	assert.Equal(t, d.CheckDeviceInterval, c.CheckDeviceInterval)
	assert.Equal(t, d.LogLevel, c.LogLevel)
	assert.Equal(t, d.HTTPAddr, c.HTTPAddr)
}

func TestValidate_PreservesCustomValues(t *testing.T) {
	c := &Core{
		MaxStartedRunningSessions: 5,
		CheckDeviceInterval:       time.Minute,
		LogLevel:                  "debug",
	}
	require.NoError(t, c.Validate())

	assert.Equal(t, 5, c.MaxStartedRunningSessions)
	assert.Equal(t, time.Minute, c.CheckDeviceInterval)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestFromEnv_OverlaysDefaults(t *testing.T) {
	t.Setenv("MAX_STARTED_RUNNING_SESSIONS", "7")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DISABLE_DEVICE_REBOOT", "true")

	c := FromEnv()

	assert.Equal(t, 7, c.MaxStartedRunningSessions)
	assert.Equal(t, "warn", c.LogLevel)
	assert.True(t, c.DisableDeviceReboot)
	assert.Equal(t, Default().SessionQueueCapacity, c.SessionQueueCapacity)
}

func TestFromFile_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestratord.yaml")
	contents := `
max_started_running_sessions: 12
log_level: debug
device_watchdog_expiry: 90s
disable_device_reboot: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := FromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 12, c.MaxStartedRunningSessions)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 90*time.Second, c.DeviceWatchdogExpiry)
	assert.True(t, c.DisableDeviceReboot)
	assert.Equal(t, Default().SessionQueueCapacity, c.SessionQueueCapacity)
}

func TestFromFile_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestratord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_idle_sleep: not-a-duration\n"), 0o644))

	_, err := FromFile(path)
	assert.Error(t, err)
}

func TestFromFile_MissingFile(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
