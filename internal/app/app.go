// Package app wires all tolk subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio devices and
// builds the translator, Run executes the dispatch loop alongside the optional
// HTTP endpoint and config watcher, and Shutdown tears everything down in
// order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithSink, WithProvider). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tolk/internal/config"
	"github.com/MrWong99/tolk/internal/health"
	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/internal/translator"
	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/audio/device"
	"github.com/MrWong99/tolk/pkg/audio/mixer"
	"github.com/MrWong99/tolk/pkg/audio/wavdump"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

// App owns all subsystem lifetimes and orchestrates the translator.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar
	scrape  http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	source     audio.Source
	sink       audio.Sink
	provider   realtime.Provider
	translator *translator.Translator
	checkers   []health.Checker

	configPath     string
	reloadInterval time.Duration
	onState        func(translator.Status)

	// mu guards cfg after Run has started the watcher.
	mu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a microphone instead of opening the default device.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithSink injects a speaker instead of opening the default device.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithProvider injects a realtime provider instead of creating one from the
// registry.
func WithProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRegistry replaces the registry holding the built-in providers.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted at /metrics. Default:
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets config reloads change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch makes Run poll path every interval and apply live changes.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.reloadInterval = interval
	}
}

// WithOnStateChange is forwarded to the translator.
func WithOnStateChange(fn func(translator.Status)) Option {
	return func(a *App) { a.onState = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Devices are opened
// here so that a missing speaker is reported at startup; the realtime session
// is connected lazily on the first recording.
func New(_ context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltinProviders(a.reg, a.metrics)
	}

	ok := false
	defer func() {
		if !ok {
			a.runClosers()
		}
	}()

	// ── 1. Debug dumps ───────────────────────────────────────────────────
	var dump *wavdump.Dumper
	if dir := cfg.Debug.DumpDir; dir != "" {
		d, err := wavdump.New(dir)
		if err != nil {
			return nil, fmt.Errorf("app: init dumps: %w", err)
		}
		dump = d
		slog.Info("writing WAV dumps", "dir", dir)
	}

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Realtime provider ─────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init realtime: %w", err)
	}

	// ── 4. Translator ────────────────────────────────────────────────────
	cd, err := a.reg.CreateCodec(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("app: create codec %q: %w", cfg.Capture.Codec, err)
	}
	capture := translator.NewCapture(a.source, cd,
		translator.WithChunkInterval(cfg.Capture.ChunkInterval),
		translator.WithCaptureMetrics(a.metrics),
		translator.WithCaptureDump(dump),
	)
	playback := translator.NewPlayback(a.sink,
		translator.WithPlaybackMetrics(a.metrics),
		translator.WithPlaybackDump(dump),
	)
	trOpts := []translator.Option{
		translator.WithMetrics(a.metrics),
		translator.WithConnectTimeout(cfg.Realtime.ConnectTimeout),
	}
	if a.onState != nil {
		trOpts = append(trOpts, translator.WithOnStateChange(a.onState))
	}
	a.translator = translator.New(a.provider, capture, playback, sessionConfig(cfg.Realtime), trOpts...)

	slog.Debug("app initialised", "codec", cd.Name(), "closers", len(a.closers))
	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAudio opens the default devices for whatever was not injected.
func (a *App) initAudio() error {
	if a.source != nil && a.sink != nil {
		return nil // both injected
	}

	dctx, err := device.Open()
	if err != nil {
		return err
	}
	a.checkers = append(a.checkers, health.AudioChecker(dctx))

	if a.source == nil {
		a.source = device.NewInput(dctx, audio.Format{
			SampleRate: a.cfg.Capture.SampleRate,
			Channels:   a.cfg.Capture.Channels,
		})
	}
	if a.sink == nil {
		out, err := device.OpenOutput(dctx, a.cfg.Playback.SampleRate,
			mixer.WithOnEnded(func(id uint64) {
				slog.Debug("response playback ended", "voice", id)
			}))
		if err != nil {
			dctx.Close()
			return err
		}
		a.sink = out
		a.closers = append(a.closers, out.Close)
	}
	// The context must outlive every device created from it.
	a.closers = append(a.closers, dctx.Close)
	return nil
}

// initProvider creates the realtime provider from the registry unless one
// was injected, and registers its readiness check.
func (a *App) initProvider() error {
	rt := a.cfg.Realtime
	if a.provider == nil {
		p, err := a.reg.CreateRealtime(rt)
		if err != nil {
			return fmt.Errorf("create provider %q: %w", rt.Name, err)
		}
		a.provider = p
		slog.Info("provider created", "kind", "realtime", "name", rt.Name, "model", rt.Model)
	}
	if rt.Name == "openai" && rt.APIKey != "" {
		a.checkers = append(a.checkers, health.RealtimeChecker(rt.APIKey, rt.Model,
			health.WithRESTBaseURL(rt.BaseURL)))
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Translator returns the push-to-talk controller driven by the UI.
func (a *App) Translator() *translator.Translator { return a.translator }

// Config returns the most recently applied configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	return observe.Middleware(a.metrics)(mux)
}

// Ready runs every readiness check once.
func (a *App) Ready(ctx context.Context) health.Report {
	return health.New(a.checkers...).Probe(ctx)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled or a component fails. The translator is
// always torn down before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.translator.Run(gctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(r config.Reload) {
			a.apply(gctx, r.New, r.Diff)
		}, config.WithInterval(a.reloadInterval))
		if err != nil {
			slog.Warn("config hot-reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}

	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	a.apply(ctx, new, config.Diff(old, new))
}

func (a *App) apply(ctx context.Context, new *config.Config, d config.ConfigDiff) {
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}

	a.mu.Lock()
	cur := *a.cfg
	cur.Server.LogLevel = new.Server.LogLevel
	cur.Realtime.Instructions = new.Realtime.Instructions
	cur.Realtime.Voice = new.Realtime.Voice
	cur.Realtime.TranscriptionModel = new.Realtime.TranscriptionModel
	a.cfg = &cur
	a.mu.Unlock()

	if d.SessionChanged {
		if err := a.translator.UpdateSession(ctx, sessionConfig(cur.Realtime)); err != nil {
			slog.Warn("apply session settings", "err", err)
			return
		}
		slog.Info("session settings updated",
			"instructions", d.InstructionsChanged,
			"voice", d.VoiceChanged,
			"transcription", d.TranscriptionModelChanged)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. Run must have returned (or never been
// called). It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.closeAll(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// runClosers releases whatever New acquired before failing.
func (a *App) runClosers() {
	_ = a.closeAll(context.Background())
}
