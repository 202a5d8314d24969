// Command avatarlink is a terminal voice client for a remote conversational
// agent: it plays the agent's speech, streams the microphone while talking
// and drives a lip-sync signal from the audio being played.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarlink/internal/app"
	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	connect := flag.Bool("connect", false, "open the voice channel at startup")
	watch := flag.Bool("watch", true, "apply log level and lip-sync changes when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "avatarlink: config file %q not found; run without -config to use the defaults\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "avatarlink: %v\n", err)
			}
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(newLogger(level))

	slog.Info("avatarlink starting",
		"version", version,
		"config", *configPath,
		"ws_url", cfg.Server.WSURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		ProcessMetrics: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Audio backends ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerPlatformBackends(reg)

	// ── Application ───────────────────────────────────────────────────────────
	console := app.NewConsole(os.Stdin, os.Stdout)
	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLevelVar(level),
		app.OnMessage(console.Print),
	}
	if *watch && *configPath != "" {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, reg)

	if *connect {
		if err := application.Connect(ctx); err != nil {
			slog.Warn("initial connect failed; use /connect to retry", "err", err)
		}
	}

	// The console ends the program on /quit or end of input.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return console.Run(gctx, application)
	})

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	outputs, inputs := reg.Backends()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       avatarlink - startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Voice channel", cfg.Server.WSURL)
	if cfg.Server.HTTPURL != "" {
		printRow("Fallback", cfg.Server.HTTPURL)
	} else {
		printRow("Fallback", "(disabled)")
	}
	printRow("Output", fmt.Sprintf("%s of %v", cfg.Audio.Output.Name, outputs))
	printRow("Input", fmt.Sprintf("%s of %v", cfg.Audio.Input.Name, inputs))
	if cfg.Status.ListenAddr != "" {
		printRow("Status addr", cfg.Status.ListenAddr)
	} else {
		printRow("Status addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("type /help for commands")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
