package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func get(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "realtime", Check: func(context.Context) error {
		return errors.New("unreachable")
	}})

	code, rep := get(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
	if len(rep.Checks) != 0 {
		t.Errorf("healthz ran checks: %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]Result
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
			want:     map[string]Result{},
		},
		{
			name:     "all pass",
			checkers: []Checker{{Name: "realtime", Check: pass}, {Name: "audio", Check: pass}},
			wantCode: http.StatusOK,
			want: map[string]Result{
				"realtime": {Status: StatusOK},
				"audio":    {Status: StatusOK},
			},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "realtime", Check: func(context.Context) error { return errors.New("401 unauthorized") }},
				{Name: "audio", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			want: map[string]Result{
				"realtime": {Status: StatusFail, Error: "401 unauthorized"},
				"audio":    {Status: StatusOK},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, rep := get(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode {
				t.Errorf("code = %d, want %d", code, tc.wantCode)
			}
			if len(rep.Checks) != len(tc.want) {
				t.Fatalf("checks = %v, want %v", rep.Checks, tc.want)
			}
			for name, want := range tc.want {
				got := rep.Checks[name]
				if got.Status != want.Status || got.Error != want.Error {
					t.Errorf("%s = %+v, want %+v", name, got, want)
				}
			}
		})
	}
}

func TestProbe_Concurrent(t *testing.T) {
	t.Parallel()
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	start := time.Now()
	rep := h.Probe(context.Background())
	if !rep.OK() {
		t.Fatalf("report = %+v", rep)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("three 100ms checks took %v; they should run in parallel", elapsed)
	}
	if rep.Checks["a"].LatencyMS < 100 {
		t.Errorf("latency = %dms, want >= 100", rep.Checks["a"].LatencyMS)
	}
}

func TestProbe_CancelledContext(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "realtime", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := h.Probe(ctx)
	if rep.OK() {
		t.Fatal("probe passed with a cancelled context")
	}
	if got := rep.Checks["realtime"].Error; got != context.Canceled.Error() {
		t.Errorf("error = %q, want %q", got, context.Canceled)
	}
}
