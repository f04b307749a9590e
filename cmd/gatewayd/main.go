// Package main is the entry point for the smartreader gateway daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/buildinfo"
	"github.com/suporterfid/smartreader-gateway/internal/config"
	"github.com/suporterfid/smartreader-gateway/internal/events"
	"github.com/suporterfid/smartreader-gateway/internal/httpapi"
	"github.com/suporterfid/smartreader-gateway/internal/mqtt"
	"github.com/suporterfid/smartreader-gateway/internal/router"
	"github.com/suporterfid/smartreader-gateway/internal/store"
	"github.com/suporterfid/smartreader-gateway/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	gatewayURL := flag.String("gateway", "http://127.0.0.1:8080", "gateway base URL (pump mode only)")
	flag.Parse()

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(*configPath)
		case "pump":
			runPump(*configPath, *gatewayURL)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("smartreader-gateway - RFID reader fleet management over MQTT")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the gateway (ingress API, broker session, workers)")
	fmt.Println("  pump     Start a sidecar publisher pump against a running gateway")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig finds and loads the config file, falling back to defaults
// plus environment overlay when no file exists.
func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Info("no config file found; using defaults and environment", "detail", err)
		return config.Default()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", cfgPath)
	return cfg
}

func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runServe(configPath string) {
	bootLogger := newLogger("")
	cfg := loadConfig(bootLogger, configPath)
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String())

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("create data directory failed", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "gateway.db"), time.Local)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		logger.Error("load instance ID failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	session := mqtt.New(cfg.MQTT, instanceID, logger, bus)
	rtr := router.New(st, logger, bus)
	session.SetMessageHandler(rtr.Handle)

	if cfg.MQTT.Configured() {
		if err := session.Connect(ctx); err != nil {
			// Connect fails only on a configuration problem (broker URL,
			// TLS, client setup); no connection is attempted then, so the
			// Pump's publishes fail and claimed commands stay PROCESSING
			// until the Reaper fails them.
			logger.Error("initial mqtt connect failed", "error", err)
		}
	} else {
		logger.Warn("no mqtt broker configured; claimed commands will fail to publish and be reaped")
	}

	if cfg.API.Key == "" {
		logger.Warn("API_KEY not configured; all authenticated endpoints will reject requests")
	}

	pump := worker.NewPump(st, session, cfg.Firmware.URLBase,
		time.Duration(cfg.Workers.PumpIntervalSec)*time.Second, logger, bus)
	reaper := worker.NewReaper(st,
		time.Duration(cfg.Workers.ReapThresholdSec)*time.Second,
		time.Duration(cfg.Workers.ReaperIntervalSec)*time.Second, logger, bus)
	scheduler := worker.NewScheduler(st,
		time.Duration(cfg.Workers.SchedulerIntervalSec)*time.Second, logger, bus)

	var wg sync.WaitGroup
	for _, w := range []interface{ Start(context.Context) }{pump, reaper, scheduler} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	server := httpapi.NewServer(cfg.Listen.Address, cfg.Listen.Port, cfg.API.Key, st, rtr, session, logger)
	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("ingress API failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingress API shutdown error", "error", err)
	}
	if err := session.Disconnect(shutdownCtx); err != nil {
		logger.Warn("mqtt disconnect error", "error", err)
	}
	logger.Info("stopped")
}

// runPump starts the sidecar deployment mode: this process
// owns the broker session, claims commands through the gateway's
// pending-poll endpoint, and forwards every inbound MQTT message back
// to the gateway's router webhook.
func runPump(configPath, gatewayURL string) {
	bootLogger := newLogger("")
	cfg := loadConfig(bootLogger, configPath)
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting sidecar pump", "gateway", gatewayURL, "build", buildinfo.String())

	if !cfg.MQTT.Configured() {
		logger.Error("sidecar pump requires an mqtt broker; set MQTT_BROKER or mqtt.broker")
		os.Exit(1)
	}
	if cfg.API.Key == "" {
		logger.Error("sidecar pump requires API_KEY to talk to the gateway")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("create data directory failed", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		logger.Error("load instance ID failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := mqtt.New(cfg.MQTT, instanceID, logger, nil)
	sidecar := worker.NewSidecarPump(gatewayURL, cfg.API.Key, session, cfg.Firmware.URLBase,
		time.Duration(cfg.Workers.PumpIntervalSec)*time.Second, logger)
	session.SetMessageHandler(sidecar.ForwardInbound)

	if err := session.Connect(ctx); err != nil {
		logger.Error("initial mqtt connect failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sidecar.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := session.Disconnect(shutdownCtx); err != nil {
		logger.Warn("mqtt disconnect error", "error", err)
	}
	logger.Info("stopped")
}
