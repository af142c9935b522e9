package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tolk/internal/app"
	"github.com/MrWong99/tolk/internal/config"
	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/internal/translator"
	"github.com/MrWong99/tolk/pkg/audio"
	audiomock "github.com/MrWong99/tolk/pkg/audio/mock"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
	realtimemock "github.com/MrWong99/tolk/pkg/provider/realtime/mock"
)

// testConfig returns a valid config using the raw PCM codec.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Realtime.APIKey = "sk-test"
	cfg.Capture.Codec = "pcm16"
	cfg.Capture.ChunkInterval = 10 * time.Millisecond
	return cfg
}

type fixture struct {
	app      *app.App
	src      *audiomock.Source
	sink     *audiomock.Sink
	provider *realtimemock.Provider
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		src:      &audiomock.Source{},
		sink:     &audiomock.Sink{},
		provider: &realtimemock.Provider{},
	}
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]app.Option{
		app.WithSource(f.src),
		app.WithSink(f.sink),
		app.WithProvider(f.provider),
		app.WithMetrics(m),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a
	return f
}

// run starts Run in the background and stops it at cleanup.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return within 5s after context cancellation")
		}
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	if f.app.Translator() == nil {
		t.Fatal("Translator() returned nil")
	}
	if f.provider.ConnectCount() != 0 {
		t.Error("New() should not connect the realtime session")
	}
	if f.src.CallCountOpen != 0 {
		t.Error("New() should not open the microphone")
	}
}

func TestNew_UnknownCodec(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Capture.Codec = "flac"
	_, err := app.New(context.Background(), cfg,
		app.WithSource(&audiomock.Source{}),
		app.WithSink(&audiomock.Sink{}),
		app.WithProvider(&realtimemock.Provider{}),
	)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_UnknownRealtimeProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Realtime.Name = "custom"
	_, err := app.New(context.Background(), cfg,
		app.WithSource(&audiomock.Source{}),
		app.WithSink(&audiomock.Sink{}),
	)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_CustomRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, nil)
	want := &realtimemock.Provider{}
	reg.RegisterRealtime("custom", func(config.RealtimeConfig) (realtime.Provider, error) { return want, nil })

	cfg := testConfig()
	cfg.Realtime.Name = "custom"
	a, err := app.New(context.Background(), cfg,
		app.WithSource(&audiomock.Source{}),
		app.WithSink(&audiomock.Sink{}),
		app.WithRegistry(reg),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = a.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	if err := a.Translator().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if want.ConnectCount() != 1 {
		t.Errorf("custom provider ConnectCount = %d, want 1", want.ConnectCount())
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, nil)

	for _, name := range []string{"opus", "pcm16"} {
		c, err := reg.CreateCodec(config.CaptureConfig{Codec: name, OpusBitrate: 32000})
		if err != nil {
			t.Errorf("CreateCodec(%q): %v", name, err)
			continue
		}
		if c.Name() != name {
			t.Errorf("codec name = %q, want %q", c.Name(), name)
		}
	}
	p, err := reg.CreateRealtime(config.RealtimeConfig{ProviderEntry: config.ProviderEntry{Name: "openai", APIKey: "k"}})
	if err != nil || p == nil {
		t.Errorf("CreateRealtime(openai) = %v, %v", p, err)
	}
}

func TestApp_PushToTalkRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Realtime.Voice = "verse"

	var mu sync.Mutex
	var recording []bool
	f := newFixture(t, cfg, app.WithOnStateChange(func(s translator.Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(recording) == 0 || recording[len(recording)-1] != s.Recording() {
			recording = append(recording, s.Recording())
		}
	}))
	f.run(t)
	ctx := context.Background()
	tr := f.app.Translator()

	if err := tr.Toggle(ctx); err != nil {
		t.Fatalf("Toggle (start): %v", err)
	}
	if !tr.IsRecording() {
		t.Fatal("IsRecording = false after start")
	}
	f.src.Current().Emit(audio.AudioFrame{Samples: make(audio.IntegerPCM, 2400)})
	if err := tr.Toggle(ctx); err != nil {
		t.Fatalf("Toggle (stop): %v", err)
	}

	sess := f.provider.Latest()
	if got := sess.Kinds(); !slices.Equal(got, []string{realtimemock.CallAppendAudio, realtimemock.CallRequestResponse}) {
		t.Fatalf("calls = %v", got)
	}
	if got := f.provider.ConnectCalls[0].Cfg; got.Voice != "verse" || got.TranscriptionModel != config.DefaultTranscriptionModel {
		t.Errorf("session config = %+v", got)
	}

	reply := realtime.Item{
		ID:     "item_1",
		Role:   realtime.RoleAssistant,
		Status: realtime.StatusCompleted,
		Audio:  audio.IntegerPCM{16384, -16384},
	}
	sess.Push(reply)
	sess.Push(reply)
	eventually(t, "response playback", tr.HasResponse)
	time.Sleep(20 * time.Millisecond)
	if f.sink.PlayCount() != 1 {
		t.Errorf("PlayCount = %d, want 1", f.sink.PlayCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(recording, []bool{false, true, false}) {
		t.Errorf("recording transitions = %v, want [false true false]", recording)
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestApp_MetricsHandler(t *testing.T) {
	t.Parallel()
	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tolk_custom 1\n")
	})
	f := newFixture(t, testConfig(), app.WithMetricsHandler(scrape))

	rec := httptest.NewRecorder()
	f.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rec.Body.String(); got != "tolk_custom 1\n" {
		t.Errorf("/metrics body = %q", got)
	}
}

func TestApp_Ready(t *testing.T) {
	t.Parallel()
	models := http.NewServeMux()
	models.HandleFunc("GET /v1/models/{model}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"`+r.PathValue("model")+`","object":"model","created":0,"owned_by":"system"}`)
	})
	srv := httptest.NewServer(models)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Realtime.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
	f := newFixture(t, cfg)

	rep := f.app.Ready(context.Background())
	if !rep.OK() {
		t.Fatalf("Ready = %+v", rep)
	}
	if _, ok := rep.Checks["realtime"]; !ok {
		t.Errorf("realtime check missing: %v", rep.Checks)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	f := newFixture(t, testConfig(), app.WithLevelVar(&lv))
	f.run(t)
	ctx := context.Background()

	// Connect first so the change is pushed to a live session.
	if err := f.app.Translator().Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	old := f.app.Config()
	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Realtime.Voice = "shimmer"
	updated.Realtime.TranscriptionModel = "none"
	updated.Capture.ChunkInterval = time.Second
	f.app.ApplyConfig(ctx, old, &updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want DEBUG", lv.Level())
	}
	cur := f.app.Config()
	if cur.Realtime.Voice != "shimmer" {
		t.Errorf("Config().Realtime.Voice = %q", cur.Realtime.Voice)
	}
	if cur.Capture.ChunkInterval != old.Capture.ChunkInterval {
		t.Error("restart-only field should not be applied live")
	}

	calls := f.provider.Latest().Snapshot()
	var got []realtime.SessionConfig
	for _, c := range calls {
		if c.Kind == realtimemock.CallUpdateSession {
			got = append(got, c.Cfg)
		}
	}
	if len(got) != 1 {
		t.Fatalf("UpdateSession calls = %d, want 1", len(got))
	}
	if got[0].Voice != "shimmer" || got[0].TranscriptionModel != "" {
		t.Errorf("UpdateSession cfg = %+v", got[0])
	}
}

func TestApp_ApplyConfigNoChange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.run(t)
	if err := f.app.Translator().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cfg := f.app.Config()
	f.app.ApplyConfig(context.Background(), cfg, cfg)
	if kinds := f.provider.Latest().Kinds(); slices.Contains(kinds, realtimemock.CallUpdateSession) {
		t.Errorf("unexpected UpdateSession, calls = %v", kinds)
	}
}

func TestApp_ConfigWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tolk.yaml")
	write := func(level string) {
		t.Helper()
		doc := "server:\n  log_level: " + level + "\nrealtime:\n  api_key: sk-test\ncapture:\n  codec: pcm16\n"
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("info")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var lv slog.LevelVar
	f := newFixture(t, cfg, app.WithLevelVar(&lv), app.WithConfigWatch(path, 20*time.Millisecond))
	f.run(t)

	time.Sleep(100 * time.Millisecond)
	write("error")

	eventually(t, "log level reload", func() bool { return lv.Level() == slog.LevelError })
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunClosesSessionOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()

	if err := f.app.Translator().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.src.Current().Emit(audio.AudioFrame{Samples: make(audio.IntegerPCM, 480)})
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	sess := f.provider.Latest()
	if sess.Closes() != 1 {
		t.Errorf("session Close calls = %d, want 1", sess.Closes())
	}
	if got := sess.Kinds(); !slices.Equal(got, []string{realtimemock.CallAppendAudio, realtimemock.CallRequestResponse}) {
		t.Errorf("recording in progress should be flushed, calls = %v", got)
	}
}
