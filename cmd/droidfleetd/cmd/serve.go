package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"droidfleet.sh/internal/config"
	"droidfleet.sh/internal/discovery"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/driver"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/executor"
	"droidfleet.sh/internal/match"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/queue"
	"droidfleet.sh/internal/schedule"
	"droidfleet.sh/internal/server"
	"droidfleet.sh/internal/session"
	"droidfleet.sh/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long:  `Start the droidfleet daemon: API server, websocket event bus, test queue, schedule manager and optional mDNS device discovery.`,
		RunE:  runServe,
	}

	cmd.Flags().String("listen-addr", "", "address the API server binds to")
	cmd.Flags().String("data-dir", "", "root of the document store and artifact tree")
	cmd.Flags().String("driver-url", "", "base URL of the automation driver")
	cmd.Flags().Bool("discovery", false, "enable periodic mDNS device scans")

	viper.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("driver_url", cmd.Flags().Lookup("driver-url"))
	viper.BindPFlag("discovery_enabled", cmd.Flags().Lookup("discovery"))

	return cmd
}

// loadServerConfig layers viper (flags, config file, env) over the
// environment-derived defaults.
func loadServerConfig() *config.ServerConfig {
	cfg := config.ServerConfigFromEnv()
	overlayString(&cfg.ListenAddr, "listen_addr")
	overlayString(&cfg.DataDir, "data_dir")
	overlayString(&cfg.DriverURL, "driver_url")
	overlayDuration(&cfg.DriverTimeout, "driver_timeout")
	overlayInt(&cfg.MJPEGPortBase, "mjpeg_port_base")
	if viper.IsSet("cors_origins") {
		cfg.CORSOrigins = viper.GetStringSlice("cors_origins")
	}
	if viper.IsSet("rate_limit_per_second") {
		cfg.RateLimitPerSecond = viper.GetFloat64("rate_limit_per_second")
	}
	overlayInt(&cfg.RateLimitBurst, "rate_limit_burst")
	if viper.IsSet("discovery_enabled") {
		cfg.DiscoveryEnabled = viper.GetBool("discovery_enabled")
	}
	overlayDuration(&cfg.DiscoveryInterval, "discovery_interval")
	overlayInt(&cfg.RecordingBitrate, "recording_bitrate")
	overlayString(&cfg.RecordingResolution, "recording_resolution")
	overlayDuration(&cfg.RecordingTimeLimit, "recording_time_limit")
	overlayInt(&cfg.ScheduleHistoryLimit, "schedule_history_limit")
	overlayString(&cfg.LogLevel, "log_level")
	overlayString(&cfg.LogFormat, "log_format")
	return cfg
}

func overlayString(dst *string, key string) {
	if viper.IsSet(key) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
}

func overlayInt(dst *int, key string) {
	if viper.IsSet(key) {
		if v := viper.GetInt(key); v != 0 {
			*dst = v
		}
	}
}

func overlayDuration(dst *time.Duration, key string) {
	if viper.IsSet(key) {
		if v := viper.GetDuration(key); v != 0 {
			*dst = v
		}
	}
}

func newLogger(cfg *config.ServerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadServerConfig()
	logger := newLogger(cfg)

	fmt.Printf("%s\n", bold(cyan("droidfleetd"))+" "+version)
	fmt.Printf("  %s %s\n", green("listen:"), cfg.ListenAddr)
	fmt.Printf("  %s %s\n", green("data:"), cfg.DataDir)
	fmt.Printf("  %s %s\n", green("driver:"), cfg.DriverURL)
	if !cfg.DiscoveryEnabled {
		fmt.Printf("  %s\n", yellow("discovery disabled"))
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data dir %s: %w", cfg.DataDir, err)
	}

	client := driver.NewClient(cfg.DriverURL, cfg.DriverTimeout)
	registry := session.NewRegistry(session.ClientFactory(client), cfg.MJPEGPortBase)
	matcher := match.NewBasic(st.LoadTemplate)
	hub := events.NewHub()

	dispatcher := dispatch.New(dispatch.Config{
		Store:    st,
		Sessions: registry,
		Matcher:  matcher,
		Emitter:  hub.Broadcast,
		Recording: driver.RecordingOptions{
			BitRate:      cfg.RecordingBitrate,
			VideoSize:    cfg.RecordingResolution,
			TimeLimit:    cfg.RecordingTimeLimit,
			ForceRestart: true,
		},
		Logger: logger,
	})

	exec := executor.New(executor.Config{
		Store:    st,
		Sessions: registry,
		Matcher:  matcher,
		Emitter:  hub.Broadcast,
		Logger:   logger,
	})

	orch := queue.New(queue.Config{
		Executor: exec,
		Store:    st,
		Emitter:  hub.Broadcast,
		SendTo:   hub.SendTo,
		Logger:   logger,
	})

	scheduler := schedule.New(schedule.Config{
		Store:        st,
		Dispatcher:   dispatcher,
		Submitter:    orch,
		Sessions:     registry,
		Emitter:      hub.Broadcast,
		Logger:       logger,
		HistoryLimit: cfg.ScheduleHistoryLimit,
	})

	wireHub(hub, orch)

	var browser *discovery.Browser
	if cfg.DiscoveryEnabled {
		browser = discovery.New(discovery.Config{
			Store:    st,
			Interval: cfg.DiscoveryInterval,
			Logger:   logger,
		})
		browser.Start()
	}

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start schedule manager: %w", err)
	}

	srv := server.New(cfg, server.Deps{
		Store:      st,
		Registry:   registry,
		Dispatcher: dispatcher,
		Executor:   exec,
		Queue:      orch,
		Schedules:  scheduler,
		Hub:        hub,
		Discovery:  browser,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if browser != nil {
		browser.Stop()
	}
	scheduler.Stop()
	dispatcher.StopAll()
	orch.Wait()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	hub.Close()
	destroyed := registry.DestroyAll(shutdownCtx)
	logger.Info("shutdown complete", "sessions_destroyed", destroyed)
	return nil
}

// wireHub connects websocket control frames to the queue.
func wireHub(hub *events.Hub, orch *queue.Orchestrator) {
	hub.OnQueueSubmit = func(socketID string, payload json.RawMessage) {
		var req models.TestRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			hub.SendTo(socketID, events.Error, map[string]string{"error": "invalid queue:submit payload"})
			return
		}
		if req.UserName == "" {
			if name, ok := hub.UserName(socketID); ok {
				req.UserName = name
			}
		}
		resp, err := orch.SubmitTest(req, socketID)
		if err != nil {
			hub.SendTo(socketID, events.Error, map[string]string{"error": err.Error()})
			return
		}
		hub.SendTo(socketID, events.QueueSubmitted, resp)
	}

	hub.OnQueueCancel = func(socketID string, payload json.RawMessage) {
		var req struct {
			QueueID string `json:"queueId"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			hub.SendTo(socketID, events.Error, map[string]string{"error": "invalid queue:cancel payload"})
			return
		}
		msg, err := orch.CancelTest(req.QueueID, socketID)
		if err != nil {
			hub.SendTo(socketID, events.Error, map[string]string{"error": err.Error()})
			return
		}
		hub.SendTo(socketID, events.QueueCancelResponse, map[string]string{
			"queueId": req.QueueID,
			"message": msg,
		})
	}

	hub.OnQueueStatus = func(socketID string) {
		name, _ := hub.UserName(socketID)
		orch.NotifyStatus(socketID, name)
	}

	hub.OnIdentify = func(socketID, userName string) {
		orch.NotifyStatus(socketID, userName)
	}

	hub.OnDisconnect = orch.HandleSocketDisconnect
	hub.OnDrop = metrics.RecordEventDrop
}
