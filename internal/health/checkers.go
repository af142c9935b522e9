package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ── Realtime ──

// RealtimeCheckerOption configures [RealtimeChecker].
type RealtimeCheckerOption func(*realtimeCheck)

type realtimeCheck struct {
	baseURL    string
	httpClient *http.Client
}

// WithRESTBaseURL overrides the REST endpoint used for the model lookup.
// It accepts either an https URL or the realtime ws(s) URL, which is mapped
// with [RESTBaseURL].
func WithRESTBaseURL(u string) RealtimeCheckerOption {
	return func(c *realtimeCheck) { c.baseURL = RESTBaseURL(u) }
}

// WithCheckHTTPClient sets the HTTP client used for the lookup.
func WithCheckHTTPClient(hc *http.Client) RealtimeCheckerOption {
	return func(c *realtimeCheck) { c.httpClient = hc }
}

// RealtimeChecker returns a [Checker] named "realtime" that verifies the API
// key is accepted and model exists by fetching the model from the OpenAI
// models endpoint.
func RealtimeChecker(apiKey, model string, opts ...RealtimeCheckerOption) Checker {
	cfg := &realtimeCheck{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	client := oai.NewClient(reqOpts...)

	return Checker{
		Name: "realtime",
		Check: func(ctx context.Context) error {
			m, err := client.Models.Get(ctx, model)
			if err != nil {
				return fmt.Errorf("model %q: %w", model, err)
			}
			if m.ID != model {
				return fmt.Errorf("model lookup returned %q, want %q", m.ID, model)
			}
			return nil
		},
	}
}

// RESTBaseURL maps a realtime WebSocket URL to the REST API root it belongs
// to: the scheme becomes http(s) and a trailing "/realtime" segment is
// dropped. An empty input stays empty.
func RESTBaseURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, "/realtime")
	if u == "" {
		return ""
	}
	return u + "/"
}

// ── Audio ──

// DeviceProber is satisfied by the audio device context.
type DeviceProber interface {
	Check(ctx context.Context) error
}

// AudioChecker returns a [Checker] named "audio" that reports whether the
// audio backend is still open.
func AudioChecker(p DeviceProber) Checker {
	return Checker{
		Name: "audio",
		Check: func(ctx context.Context) error {
			if p == nil {
				return fmt.Errorf("no audio backend")
			}
			return p.Check(ctx)
		},
	}
}
