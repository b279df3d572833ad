// Package config holds the orchestration core's tunables, sourced from
// environment variables or an optional YAML file with documented
// defaults, following the
// struct+Validate convention used across the codebase's agent configs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Core holds every flag named in the external interfaces contract plus
// the ambient wiring needed to run the daemon.
type Core struct {
	// Session manager capacities.
	MaxStartedRunningSessions int
	SessionQueueCapacity      int
	ArchivedSessionsCapacity  int

	// Device lifecycle runner policy.
	CheckDeviceInterval        time.Duration
	DisableDeviceReboot        bool
	ForceDeviceRebootAfterTest bool
	PrepareDeviceAfterTest     bool
	DeviceWatchdogExpiry       time.Duration
	DeviceCancelInterrupt      time.Duration
	DeviceTearDownExpiry       time.Duration
	DeviceReservationTimeout   time.Duration
	DeviceIdleSleep            time.Duration

	// Device manager detector/dispatcher enablement.
	DetectADBDevice        bool
	EnableEmulatorDetection bool
	NoOpDeviceNum          int
	LabServerMode          bool

	// Job-runner loop cadence.
	JobPollInterval time.Duration

	// Ambient wiring.
	LogLevel  string
	LogPretty bool
	HTTPAddr  string

	PostgresDSN string
	RedisAddr   string
	NATSURL     string
}

// Default returns a Core populated with spec-documented defaults.
func Default() *Core {
	return &Core{
		MaxStartedRunningSessions: 30,
		SessionQueueCapacity:      5000,
		ArchivedSessionsCapacity:  500,

		CheckDeviceInterval:      30 * time.Second,
		DeviceWatchdogExpiry:     5 * time.Minute,
		DeviceCancelInterrupt:    20 * time.Minute,
		DeviceTearDownExpiry:     3 * time.Minute,
		DeviceReservationTimeout: 5 * time.Second,
		DeviceIdleSleep:          10 * time.Second,

		NoOpDeviceNum: 0,

		JobPollInterval: 2 * time.Second,

		LogLevel: "info",
		HTTPAddr: ":8080",
	}
}

// Validate fills in any zero-value field with its documented default and
// rejects configurations that can never admit a session.
func (c *Core) Validate() error {
	d := Default()
	if c.MaxStartedRunningSessions <= 0 {
		c.MaxStartedRunningSessions = d.MaxStartedRunningSessions
	}
	if c.SessionQueueCapacity <= 0 {
		c.SessionQueueCapacity = d.SessionQueueCapacity
	}
	if c.ArchivedSessionsCapacity <= 0 {
		c.ArchivedSessionsCapacity = d.ArchivedSessionsCapacity
	}
	if c.CheckDeviceInterval <= 0 {
		c.CheckDeviceInterval = d.CheckDeviceInterval
	}
	if c.DeviceWatchdogExpiry <= 0 {
		c.DeviceWatchdogExpiry = d.DeviceWatchdogExpiry
	}
	if c.DeviceCancelInterrupt <= 0 {
		c.DeviceCancelInterrupt = d.DeviceCancelInterrupt
	}
	if c.DeviceTearDownExpiry <= 0 {
		c.DeviceTearDownExpiry = d.DeviceTearDownExpiry
	}
	if c.DeviceReservationTimeout <= 0 {
		c.DeviceReservationTimeout = d.DeviceReservationTimeout
	}
	if c.DeviceIdleSleep <= 0 {
		c.DeviceIdleSleep = d.DeviceIdleSleep
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = d.JobPollInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.MaxStartedRunningSessions > c.SessionQueueCapacity+c.MaxStartedRunningSessions {
		return fmt.Errorf("config: max started-running sessions cannot exceed queue capacity plus itself")
	}
	return nil
}

// FromEnv overlays environment variables onto a Default configuration.
func FromEnv() *Core {
	c := Default()
	c.MaxStartedRunningSessions = getEnvIntOrDefault("MAX_STARTED_RUNNING_SESSIONS", c.MaxStartedRunningSessions)
	c.SessionQueueCapacity = getEnvIntOrDefault("SESSION_QUEUE_CAPACITY", c.SessionQueueCapacity)
	c.ArchivedSessionsCapacity = getEnvIntOrDefault("ARCHIVED_SESSIONS_CAPACITY", c.ArchivedSessionsCapacity)
	c.DisableDeviceReboot = getEnvBoolOrDefault("DISABLE_DEVICE_REBOOT", c.DisableDeviceReboot)
	c.ForceDeviceRebootAfterTest = getEnvBoolOrDefault("FORCE_DEVICE_REBOOT_AFTER_TEST", c.ForceDeviceRebootAfterTest)
	c.PrepareDeviceAfterTest = getEnvBoolOrDefault("PREPARE_DEVICE_AFTER_TEST", c.PrepareDeviceAfterTest)
	c.DetectADBDevice = getEnvBoolOrDefault("DETECT_ADB_DEVICE", c.DetectADBDevice)
	c.EnableEmulatorDetection = getEnvBoolOrDefault("ENABLE_EMULATOR_DETECTION", c.EnableEmulatorDetection)
	c.NoOpDeviceNum = getEnvIntOrDefault("NO_OP_DEVICE_NUM", c.NoOpDeviceNum)
	c.LabServerMode = getEnvBoolOrDefault("LAB_SERVER_MODE", c.LabServerMode)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvBoolOrDefault("LOG_PRETTY", c.LogPretty)
	c.HTTPAddr = getEnvOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.PostgresDSN = getEnvOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.RedisAddr = getEnvOrDefault("REDIS_ADDR", c.RedisAddr)
	c.NATSURL = getEnvOrDefault("NATS_URL", c.NATSURL)
	return c
}

// fileOverrides is the YAML wire shape for an optional config file,
// layered on top of Default(); environment variables are not consulted
// when a config file is loaded.
// Durations are plain strings (e.g. "30s") since yaml.v3 has no native
// time.Duration support, parsed with time.ParseDuration.
type fileOverrides struct {
	MaxStartedRunningSessions *int    `yaml:"max_started_running_sessions"`
	SessionQueueCapacity      *int    `yaml:"session_queue_capacity"`
	ArchivedSessionsCapacity  *int    `yaml:"archived_sessions_capacity"`

	CheckDeviceInterval        string `yaml:"check_device_interval"`
	DisableDeviceReboot        *bool  `yaml:"disable_device_reboot"`
	ForceDeviceRebootAfterTest *bool  `yaml:"force_device_reboot_after_test"`
	PrepareDeviceAfterTest     *bool  `yaml:"prepare_device_after_test"`
	DeviceWatchdogExpiry       string `yaml:"device_watchdog_expiry"`
	DeviceCancelInterrupt      string `yaml:"device_cancel_interrupt"`
	DeviceTearDownExpiry       string `yaml:"device_teardown_expiry"`
	DeviceReservationTimeout   string `yaml:"device_reservation_timeout"`
	DeviceIdleSleep            string `yaml:"device_idle_sleep"`

	DetectADBDevice         *bool `yaml:"detect_adb_device"`
	EnableEmulatorDetection *bool `yaml:"enable_emulator_detection"`
	NoOpDeviceNum           *int  `yaml:"no_op_device_num"`
	LabServerMode           *bool `yaml:"lab_server_mode"`

	JobPollInterval string `yaml:"job_poll_interval"`

	LogLevel  string `yaml:"log_level"`
	LogPretty *bool  `yaml:"log_pretty"`
	HTTPAddr  string `yaml:"http_addr"`

	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	NATSURL     string `yaml:"nats_url"`
}

// FromFile reads a YAML config file and overlays it onto a Default
// configuration, following the same "overlay onto defaults" shape as
// FromEnv. A missing or empty field in the file leaves the default in
// place. Returns an error if the file can't be read or doesn't parse.
func FromFile(path string) (*Core, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var ov fileOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c := Default()
	if ov.MaxStartedRunningSessions != nil {
		c.MaxStartedRunningSessions = *ov.MaxStartedRunningSessions
	}
	if ov.SessionQueueCapacity != nil {
		c.SessionQueueCapacity = *ov.SessionQueueCapacity
	}
	if ov.ArchivedSessionsCapacity != nil {
		c.ArchivedSessionsCapacity = *ov.ArchivedSessionsCapacity
	}
	if err := overlayDuration(&c.CheckDeviceInterval, ov.CheckDeviceInterval); err != nil {
		return nil, err
	}
	if ov.DisableDeviceReboot != nil {
		c.DisableDeviceReboot = *ov.DisableDeviceReboot
	}
	if ov.ForceDeviceRebootAfterTest != nil {
		c.ForceDeviceRebootAfterTest = *ov.ForceDeviceRebootAfterTest
	}
	if ov.PrepareDeviceAfterTest != nil {
		c.PrepareDeviceAfterTest = *ov.PrepareDeviceAfterTest
	}
	if err := overlayDuration(&c.DeviceWatchdogExpiry, ov.DeviceWatchdogExpiry); err != nil {
		return nil, err
	}
	if err := overlayDuration(&c.DeviceCancelInterrupt, ov.DeviceCancelInterrupt); err != nil {
		return nil, err
	}
	if err := overlayDuration(&c.DeviceTearDownExpiry, ov.DeviceTearDownExpiry); err != nil {
		return nil, err
	}
	if err := overlayDuration(&c.DeviceReservationTimeout, ov.DeviceReservationTimeout); err != nil {
		return nil, err
	}
	if err := overlayDuration(&c.DeviceIdleSleep, ov.DeviceIdleSleep); err != nil {
		return nil, err
	}
	if ov.DetectADBDevice != nil {
		c.DetectADBDevice = *ov.DetectADBDevice
	}
	if ov.EnableEmulatorDetection != nil {
		c.EnableEmulatorDetection = *ov.EnableEmulatorDetection
	}
	if ov.NoOpDeviceNum != nil {
		c.NoOpDeviceNum = *ov.NoOpDeviceNum
	}
	if ov.LabServerMode != nil {
		c.LabServerMode = *ov.LabServerMode
	}
	if err := overlayDuration(&c.JobPollInterval, ov.JobPollInterval); err != nil {
		return nil, err
	}
	if ov.LogLevel != "" {
		c.LogLevel = ov.LogLevel
	}
	if ov.LogPretty != nil {
		c.LogPretty = *ov.LogPretty
	}
	if ov.HTTPAddr != "" {
		c.HTTPAddr = ov.HTTPAddr
	}
	if ov.PostgresDSN != "" {
		c.PostgresDSN = ov.PostgresDSN
	}
	if ov.RedisAddr != "" {
		c.RedisAddr = ov.RedisAddr
	}
	if ov.NATSURL != "" {
		c.NATSURL = ov.NATSURL
	}
	return c, nil
}

func overlayDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
