package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/keytyper/internal/config"
	"github.com/chaz8081/keytyper/internal/device"
	"github.com/chaz8081/keytyper/internal/hotkey"
	"github.com/chaz8081/keytyper/internal/inject"
	"github.com/chaz8081/keytyper/internal/logging"
	"github.com/chaz8081/keytyper/internal/queue"
	"github.com/chaz8081/keytyper/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/keytyper/config.yaml)")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	initConfig := flag.Bool("init-config", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s, left unchanged\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	fileCfg := *cfg
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLogLevel(cfg.LogLevel))
	logging.Setup(os.Stderr, level)

	printBanner(cfg)

	// Input device
	backend, err := device.New(cfg.Inject.Backend)
	if err != nil {
		log.Fatalf("Failed to open input backend %q: %v", cfg.Inject.Backend, err)
	}
	injector := inject.New(backend, inject.Options{
		Unicode:  cfg.Inject.Unicode,
		KeyDelay: cfg.Inject.KeyDelay,
	})
	slog.Info("injector ready", "backend", injector.Backend(), "unicode", cfg.Inject.Unicode && backend.SupportsText())

	// Job queue
	q := queue.New(injector,
		queue.WithDepth(cfg.Queue.Depth),
		queue.WithStuckTimeout(cfg.Queue.StuckTimeout),
	)
	if err := q.Start(); err != nil {
		log.Fatalf("Failed to start queue: %v", err)
	}

	// HTTP server
	srv := server.New(cfg.Server.Addr, q, server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	// Config hot reload
	if loadedFrom != "" {
		watcher, err := config.NewWatcher(loadedFrom, &fileCfg)
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			watcher.OnReload(func(c *config.Config) {
				level.Set(config.ParseLogLevel(c.LogLevel))
				q.SetStuckTimeout(c.Queue.StuckTimeout)
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// Pause hotkey
	var listener *hotkey.Listener
	if cfg.Hotkey.Enabled {
		listener = hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.Mode)
		go listener.Start()
		go hotkey.Drive(listener.Events(), q)
		slog.Info("pause hotkey ready", "keys", strings.Join(cfg.Hotkey.Keys, "+"), "mode", cfg.Hotkey.Mode)
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			slog.Error("server stopped", "error", err)
			exitCode = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	if err := q.Stop(ctx); err != nil {
		slog.Warn("queue stop", "error", err)
	}
	if err := injector.Close(); err != nil {
		slog.Warn("closing input backend", "error", err)
	}

	stats := q.Stats()
	slog.Info("goodbye", "completed", stats.Completed, "failed", stats.Failed, "chars", stats.CharsDelivered)

	if listener != nil || exitCode != 0 {
		// Exit directly to avoid gohook's C cleanup crash.
		// The OS reclaims the event hook on process exit.
		os.Exit(exitCode)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also returns the
// file the config came from, empty for built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with -init-config to write one)")
	return config.Default(), "", nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	hk := "disabled"
	if cfg.Hotkey.Enabled {
		hk = fmt.Sprintf("%s (%s mode)", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	}
	stuck := "off"
	if cfg.Queue.StuckTimeout > 0 {
		stuck = cfg.Queue.StuckTimeout.String()
	}

	fmt.Println("=== keytyper ===")
	fmt.Printf("  Listen:  http://%s\n", cfg.Server.Addr)
	fmt.Printf("  Backend: %s (unicode: %t)\n", cfg.Inject.Backend, cfg.Inject.Unicode)
	fmt.Printf("  Queue:   depth %d, stuck timeout %s\n", cfg.Queue.Depth, stuck)
	fmt.Printf("  Hotkey:  %s\n", hk)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
