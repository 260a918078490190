package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-speaker/internal/api"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/export"
	speakerhttp "github.com/route-beacon/bgp-speaker/internal/http"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/reactor"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "validate":
		runValidate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-speaker <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the speaker")
	fmt.Println("  validate      Check the configuration and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (string, *config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return configPath, cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runValidate() {
	configPath, _ := parseFlags(os.Args[2:])
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("configuration valid")
}

func runServe() {
	configPath, cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-speaker",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("router_id", cfg.Speaker.RouterID),
		zap.Int("peers", len(cfg.Peers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := reactor.New(configPath, cfg, logger.Named("reactor"))
	if err != nil {
		logger.Fatal("failed to build reactor", zap.Error(err))
	}

	// --- control channel ---
	engine := api.NewEngine(r, logger.Named("api"))
	apiServer := api.NewServer(cfg.API, engine, logger.Named("api"))
	r.AddSink(apiServer)

	var wg chanWait
	wg.add(func() {
		if err := apiServer.Run(ctx); err != nil {
			logger.Error("control channel stopped", zap.Error(err))
		}
	})

	// --- helper processes ---
	for name, pc := range cfg.Processes {
		proc := api.NewProcess(name, pc, engine, logger.Named("process"))
		r.AddSink(proc)
		wg.add(func() { proc.Run(ctx) })
	}

	// --- event export ---
	if cfg.Export.Enabled {
		exporter, err := export.New(cfg.Export, logger.Named("export"))
		if err != nil {
			logger.Fatal("failed to create exporter", zap.Error(err))
		}
		defer exporter.Close()
		r.AddSink(exporter)
		logger.Info("event export enabled",
			zap.Strings("brokers", cfg.Export.Brokers),
			zap.String("topic", cfg.Export.Topic),
		)
	}

	// --- HTTP server ---
	httpServer := speakerhttp.NewServer(cfg.Service.HTTPListen, r, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	// Run blocks until a shutdown signal; peers drain their flushes first.
	if err := r.Run(ctx); err != nil {
		logger.Fatal("reactor failed", zap.Error(err))
	}
	cancel()

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if !wg.wait(shutdownTimeout) {
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}
	logger.Info("bgp-speaker stopped")
}

// chanWait is a small WaitGroup wrapper with a timeout.
type chanWait struct {
	done []chan struct{}
}

func (w *chanWait) add(fn func()) {
	ch := make(chan struct{})
	w.done = append(w.done, ch)
	go func() {
		defer close(ch)
		fn()
	}()
}

func (w *chanWait) wait(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for _, ch := range w.done {
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
	return true
}
