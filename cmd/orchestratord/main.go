// Command orchestratord runs the device-test orchestration core: the
// device manager, session manager, and external interface shim in one
// process.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/deviceorch/internal/config"
	"github.com/streamspace-dev/deviceorch/internal/device"
	"github.com/streamspace-dev/deviceorch/internal/device/arbiter"
	"github.com/streamspace-dev/deviceorch/internal/events"
	"github.com/streamspace-dev/deviceorch/internal/logger"
	"github.com/streamspace-dev/deviceorch/internal/notify"
	"github.com/streamspace-dev/deviceorch/internal/persist"
	"github.com/streamspace-dev/deviceorch/internal/plugin"
	_ "github.com/streamspace-dev/deviceorch/internal/plugin/builtin"
	"github.com/streamspace-dev/deviceorch/internal/session"
	"github.com/streamspace-dev/deviceorch/internal/shim"
	"github.com/streamspace-dev/deviceorch/internal/testrunner"
)

func main() {
	cfg := config.FromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := config.FromFile(path)
		if err != nil {
			log.Fatalf("load config file: %v", err)
		}
		cfg = fileCfg
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()
	log.Info().Msg("starting orchestratord")

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open persistence store failed")
	}
	defer store.Close()

	publisher := openPublisher(cfg, log)
	defer publisher.Close()

	var arb arbiter.Arbiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("connect to redis for device arbitration failed")
		}
		arb = arbiter.NewRedis(client, "deviceorch", func(string) bool { return false })
		log.Info().Str("redis_addr", cfg.RedisAddr).Msg("device arbitration using redis (multi-pod)")
	} else {
		arb = arbiter.NewLocal()
		log.Info().Msg("device arbitration using in-process local mode")
	}

	deviceBus := events.NewBus()
	globalTestBus := events.NewBus()
	exec := testrunner.NewRunner(globalTestBus, testrunner.NoOpHooks())

	deviceCfg := device.RunnerConfig{
		CheckInterval:               cfg.CheckDeviceInterval,
		IdleSleep:                   cfg.DeviceIdleSleep,
		ReservationTimeout:          cfg.DeviceReservationTimeout,
		WatchdogExpiry:              cfg.DeviceWatchdogExpiry,
		CancelInterrupt:             cfg.DeviceCancelInterrupt,
		TearDownExpiry:              cfg.DeviceTearDownExpiry,
		DisableReboot:               cfg.DisableDeviceReboot,
		ForceRebootAfterTest:        cfg.ForceDeviceRebootAfterTest,
		PrepareAfterTest:            cfg.PrepareDeviceAfterTest,
		FailedDeviceHandlingEnabled: true,
	}

	deviceManager := device.NewManager(deviceBus, 2*time.Second, func(d *device.Device) *device.Runner {
		return device.NewRunner(d, arb, device.NoOpChecker{}, exec, device.AlwaysPermitReboot{}, device.NoOpPrepare, deviceBus, deviceCfg, nil)
	})
	if cfg.NoOpDeviceNum > 0 {
		deviceManager.RegisterDetector(device.NoOpDetector{Count: cfg.NoOpDeviceNum})
		deviceManager.RegisterDispatcher(device.NoOpDispatcher{DeviceType: "noop"}, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := deviceManager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start device manager failed")
	}

	hub := shim.NewLogHub()
	go hub.Run()

	sessionManager := session.NewManager(ctx, session.ManagerConfig{
		RunningCapacity: cfg.MaxStartedRunningSessions,
		QueueCapacity:   cfg.SessionQueueCapacity,
		ArchiveCapacity: cfg.ArchivedSessionsCapacity,
		Devices:         deviceManager,
		Registry:        plugin.DefaultRegistry(),
		BaseDir:         sessionBaseDir(),
		Poll:            cfg.JobPollInterval,
		Publisher:       publisher,
		Store:           store,
		LogSink:         hub,
	})

	server := shim.NewServer(sessionManager, hub)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Engine(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced shutdown")
	}

	sessionManager.Shutdown()
	cancel() // stop the device manager's poll loop

	log.Info().Msg("graceful shutdown complete")
}

func openStore(cfg *config.Core) (persist.Store, error) {
	if cfg.PostgresDSN == "" {
		return persist.NewMemoryStore(), nil
	}
	return persist.OpenPostgresStore(cfg.PostgresDSN)
}

func openPublisher(cfg *config.Core, log *zerolog.Logger) notify.Publisher {
	if cfg.NATSURL == "" {
		return notify.NoopPublisher{}
	}
	pub, err := notify.Connect(cfg.NATSURL)
	if err != nil {
		log.Warn().Err(err).Msg("connect to nats failed, falling back to no-op notification publisher")
		return notify.NoopPublisher{}
	}
	return pub
}

func sessionBaseDir() string {
	if dir := os.Getenv("SESSION_BASE_DIR"); dir != "" {
		return dir
	}
	return fmt.Sprintf("%s/deviceorch-sessions", os.TempDir())
}
