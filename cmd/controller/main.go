package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/hostbridge/internal/api"
	"github.com/dgnsrekt/hostbridge/internal/config"
	"github.com/dgnsrekt/hostbridge/internal/controller"
	"github.com/dgnsrekt/hostbridge/internal/events"
	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/hostproc"
	"github.com/dgnsrekt/hostbridge/internal/journal"
	"github.com/dgnsrekt/hostbridge/internal/nav"
	"github.com/dgnsrekt/hostbridge/internal/netutil"
	"github.com/dgnsrekt/hostbridge/internal/notify"
	"github.com/dgnsrekt/hostbridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("controller config loaded",
		"bridge_url", cfg.BridgeURL(),
		"bind_addr", cfg.BindAddr,
		"exec_timeout_ms", cfg.ExecTimeoutMS,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"payload_dir", cfg.PayloadDir,
		"journal_dir", cfg.JournalDir,
		"launch_host", cfg.LaunchHost,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindFallbackAddrs, true)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	if cfg.LaunchHost {
		launcher := hostproc.NewLauncher(hostproc.Config{
			BridgeAddress: cfg.BridgeAddress,
			BridgePort:    cfg.BridgePort,
			StartURL:      cfg.HostStartURL,
			ProfileDir:    cfg.HostProfileDir,
			ExtensionDir:  cfg.ExtensionDir,
			WindowSize:    cfg.HostWindowSize,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch host", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	bridge := host.NewBridge(cfg.BridgeURL())
	if err := bridge.Connect(context.Background()); err != nil {
		slog.Error("failed to connect bridge", "url", cfg.BridgeURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			slog.Debug("bridge close failed", "error", err)
		}
	}()

	tracker := nav.NewTracker(bridge)
	if err := tracker.Start(context.Background()); err != nil {
		slog.Error("failed to start frame tracker", "error", err)
		os.Exit(1)
	}
	defer tracker.Stop()

	payloads, err := store.NewStore(cfg.PayloadDir)
	if err != nil {
		slog.Error("failed to create payload store", "dir", cfg.PayloadDir, "error", err)
		os.Exit(1)
	}

	svc := controller.NewService(bridge, tracker, payloads, time.Duration(cfg.ExecTimeoutMS)*time.Millisecond)
	defer svc.Close()

	streams := events.DefaultStreams()
	if cfg.StreamsConfigPath != "" {
		streams, err = events.LoadConfig(cfg.StreamsConfigPath)
		if err != nil {
			slog.Error("failed to load streams config", "path", cfg.StreamsConfigPath, "error", err)
			os.Exit(1)
		}
	}
	broker := events.NewBroker()
	feed := events.NewFeed(streams, broker)
	feed.Start(tracker)
	defer feed.Stop()

	recorder := journal.NewRecorder(tracker, cfg.JournalDir, cfg.JournalBufferSize, cfg.MaxFileSizeMB)
	defer func() {
		if err := recorder.Close(); err != nil {
			slog.Debug("journal close failed", "error", err)
		}
	}()

	watcher := notify.NewCrashWatcher(tracker, http.DefaultClient, cfg.CrashWebhook)
	defer watcher.Stop()

	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, broker)}

	go func() {
		slog.Info("controller listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("controller server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("controller shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
