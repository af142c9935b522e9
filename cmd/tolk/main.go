// Command tolk is a push-to-talk speech translator for the terminal.
//
// Press ENTER to start recording, ENTER again to send the utterance. The
// translated audio reply is played once through the default speaker. Type q
// and ENTER, or press Ctrl+C, to quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/tolk/internal/app"
	"github.com/MrWong99/tolk/internal/config"
	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/internal/translator"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "tolk.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with OPENAI_API_KEY")
	reload := flag.Duration("reload", 5*time.Second, "config file poll interval; 0 disables hot reload")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "tolk: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tolk: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("tolk starting",
		"version", version,
		"config", watchPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "tolk",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(level),
		app.WithMetricsHandler(tel.Handler()),
		app.WithOnStateChange(printStatus(os.Stdout)),
	}
	if watchPath != "" && *reload > 0 {
		opts = append(opts, app.WithConfigWatch(watchPath, *reload))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	for name, res := range application.Ready(ctx).Checks {
		if res.Error != "" {
			slog.Warn("startup check failed", "check", name, "err", res.Error)
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		readKeys(runCtx, os.Stdin, application.Translator())
		cancelRun()
	}()

	exit := 0
	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// loadConfig loads path. A missing file falls back to the defaults, which
// only need OPENAI_API_KEY; the returned watch path is then empty.
func loadConfig(path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		return nil, "", fmt.Errorf("config file %q not found and defaults are incomplete: %w", path, err)
	}
	return cfg, "", nil
}

// ── Terminal UI ───────────────────────────────────────────────────────────────

// readKeys toggles recording on every line read from r and returns on "q",
// EOF, or when ctx is done.
func readKeys(ctx context.Context, r io.Reader, tr *translator.Translator) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || strings.EqualFold(line, "q") {
				return
			}
			if err := tr.Toggle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stdout, "✗ %v\n", err)
			}
		}
	}
}

// printStatus returns a state callback that prints one line per visible
// change: recording started, recording stopped, new response.
func printStatus(w io.Writer) func(translator.Status) {
	var last translator.Status
	return func(s translator.Status) {
		switch {
		case s.Recording() && !last.Recording():
			fmt.Fprintln(w, "● recording (ENTER to send)")
		case !s.Recording() && last.Recording():
			fmt.Fprintln(w, "■ stopped")
		}
		if s.LastResponseID != "" && s.LastResponseID != last.LastResponseID {
			fmt.Fprintln(w, "▶ response")
		}
		last = s
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          tolk startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Realtime", cfg.Realtime.Name+" / "+cfg.Realtime.Model)
	printRow("Voice", cfg.Realtime.Voice)
	transcription := "(disabled)"
	if cfg.Realtime.TranscriptionEnabled() {
		transcription = cfg.Realtime.TranscriptionModel
	}
	printRow("Transcription", transcription)
	printRow("Capture", fmt.Sprintf("%d Hz / %d ch / %s", cfg.Capture.SampleRate, cfg.Capture.Channels, cfg.Capture.Codec))
	printRow("Playback", fmt.Sprintf("%d Hz", cfg.Playback.SampleRate))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Debug.DumpDir != "" {
		printRow("Dump dir", cfg.Debug.DumpDir)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("ENTER toggles recording, q + ENTER quits.")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
