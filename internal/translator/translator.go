// Package translator implements push-to-talk speech translation: it records
// an utterance while the user holds the talk toggle, sends it to a realtime
// speech session, and plays each completed assistant response exactly once.
//
// A [Translator] owns a single dispatch goroutine ([Translator.Run]) that
// selects over user commands, encoded capture chunks, and realtime item
// snapshots. All capture and playback state is touched only from that
// goroutine, so none of it needs locking; observable flags are atomics.
//
// The realtime session is connected lazily on the first Start and replaced
// on the next Start after it dies. Connects go through a circuit breaker.
package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/internal/resilience"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

// ErrClosed is returned by commands submitted after Run has returned.
var ErrClosed = errors.New("translator: closed")

const (
	// defaultConnectTimeout bounds a single realtime connect attempt.
	defaultConnectTimeout = 15 * time.Second

	// teardownTimeout bounds the final flush and session close when Run exits.
	teardownTimeout = 5 * time.Second
)

// Status is a snapshot of the observable translator state.
type Status struct {
	// Capture is the capture state machine's state.
	Capture CaptureState

	// Connected reports whether a realtime session is open.
	Connected bool

	// HasResponse reports whether at least one response has been played.
	HasResponse bool

	// LastResponseID is the id of the most recently played item.
	LastResponseID string
}

// Recording reports whether the microphone is recording.
func (s Status) Recording() bool { return s.Capture == StateRecording }

// Option is a functional option for configuring a [Translator].
type Option func(*Translator)

// WithMetrics records connect metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Translator) { t.metrics = m }
}

// WithBreaker guards realtime connects with cb. Without it a breaker with
// default settings is used.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(t *Translator) { t.breaker = cb }
}

// WithConnectTimeout bounds each connect attempt. Default: 15s.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Translator) { t.connectTimeout = d }
}

// WithOnStateChange registers fn to be called from the dispatch goroutine
// whenever recording starts or stops, the session connects or drops, or a
// response starts playing. fn must not block and must not submit commands.
func WithOnStateChange(fn func(Status)) Option {
	return func(t *Translator) { t.onState = fn }
}

type commandKind int

const (
	cmdToggle commandKind = iota
	cmdStart
	cmdStop
	cmdUpdate
)

type command struct {
	kind  commandKind
	ctx   context.Context
	cfg   realtime.SessionConfig
	reply chan error
}

// Translator ties a [Capture], a [Playback] and a realtime provider together.
type Translator struct {
	provider       realtime.Provider
	capture        *Capture
	playback       *Playback
	breaker        *resilience.CircuitBreaker
	metrics        *observe.Metrics
	connectTimeout time.Duration
	onState        func(Status)

	cmds    chan command
	done    chan struct{}
	running atomic.Bool

	connected atomic.Bool

	// Owned by the dispatch goroutine.
	cfg     realtime.SessionConfig
	session realtime.Session
	items   <-chan realtime.Item
	chunks  <-chan []byte
}

// New returns a Translator. Nothing is connected or opened until Run is
// running and Start is called.
func New(provider realtime.Provider, capture *Capture, playback *Playback, cfg realtime.SessionConfig, opts ...Option) *Translator {
	t := &Translator{
		provider:       provider,
		capture:        capture,
		playback:       playback,
		connectTimeout: defaultConnectTimeout,
		cfg:            cfg,
		cmds:           make(chan command),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.breaker == nil {
		t.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "realtime-connect"})
	}
	return t
}

// ── Observable state ──────────────────────────────────────────────────────────

// IsRecording reports whether the microphone is recording.
func (t *Translator) IsRecording() bool { return t.capture.State() == StateRecording }

// HasResponse reports whether at least one response has been played.
func (t *Translator) HasResponse() bool { return t.playback.HasResponse() }

// Status returns a snapshot of the observable state.
func (t *Translator) Status() Status {
	return Status{
		Capture:        t.capture.State(),
		Connected:      t.connected.Load(),
		HasResponse:    t.playback.HasResponse(),
		LastResponseID: t.playback.LastID(),
	}
}

// Done is closed when Run has returned and teardown is complete.
func (t *Translator) Done() <-chan struct{} { return t.done }

func (t *Translator) notify() {
	if t.onState != nil {
		t.onState(t.Status())
	}
}

// ── Commands ──────────────────────────────────────────────────────────────────

// Toggle starts recording when idle and stops it when recording.
func (t *Translator) Toggle(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdToggle})
}

// Start begins recording, connecting the realtime session first if needed.
// It returns [ErrCaptureBusy] when already recording.
func (t *Translator) Start(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdStart})
}

// Stop ends the recording and sends it. It is a no-op when not recording.
func (t *Translator) Stop(ctx context.Context) error {
	return t.submit(ctx, command{kind: cmdStop})
}

// UpdateSession replaces the session configuration and applies it to the
// open session, if any. Future connects use cfg.
func (t *Translator) UpdateSession(ctx context.Context, cfg realtime.SessionConfig) error {
	return t.submit(ctx, command{kind: cmdUpdate, cfg: cfg})
}

func (t *Translator) submit(ctx context.Context, cmd command) error {
	cmd.ctx = ctx
	cmd.reply = make(chan error, 1)
	select {
	case t.cmds <- cmd:
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Dispatch loop ─────────────────────────────────────────────────────────────

// Run is the dispatch loop. It blocks until ctx is cancelled, then stops any
// recording in progress (sending what was captured), closes the realtime
// session, and returns nil. Run may be called only once.
func (t *Translator) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("translator: Run called twice")
	}
	defer close(t.done)
	defer t.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-t.cmds:
			cmd.reply <- t.handle(cmd)

		case chunk, ok := <-t.chunks:
			if ok {
				t.capture.Append(chunk)
				continue
			}
			// Input stream ended without a stop request.
			slog.Warn("translator: input stream ended while recording")
			if err := t.stop(ctx); err != nil {
				slog.Error("translator: flush after input loss", "err", err)
			}

		case it, ok := <-t.items:
			if !ok {
				t.dropSession()
				continue
			}
			t.handleItem(ctx, it)
		}
	}
}

func (t *Translator) handle(cmd command) error {
	switch cmd.kind {
	case cmdToggle:
		if t.IsRecording() {
			return t.stop(cmd.ctx)
		}
		return t.start(cmd.ctx)
	case cmdStart:
		return t.start(cmd.ctx)
	case cmdStop:
		return t.stop(cmd.ctx)
	case cmdUpdate:
		t.cfg = cmd.cfg
		if t.session == nil {
			return nil
		}
		if err := t.session.UpdateSession(cmd.ctx, cmd.cfg); err != nil {
			return fmt.Errorf("translator: update session: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("translator: unknown command %d", cmd.kind)
	}
}

func (t *Translator) start(ctx context.Context) error {
	if st := t.capture.State(); st != StateIdle {
		return fmt.Errorf("%w: %s", ErrCaptureBusy, st)
	}
	if _, err := t.ensureSession(ctx); err != nil {
		return err
	}
	chunks, err := t.capture.Start(ctx)
	if err != nil {
		return err
	}
	t.chunks = chunks
	t.notify()
	return nil
}

func (t *Translator) stop(ctx context.Context) error {
	if t.capture.State() != StateRecording {
		return nil
	}

	// A session that died mid-recording is replaced so the utterance is not lost.
	sess, err := t.ensureSession(ctx)
	if err != nil {
		slog.Warn("translator: no session for flush", "err", err)
	}

	n, err := t.capture.Stop(ctx, sess)
	t.chunks = nil
	t.notify()
	if err != nil {
		slog.Error("translator: flush recording", "samples", n, "err", err)
		return err
	}
	return nil
}

func (t *Translator) handleItem(ctx context.Context, it realtime.Item) {
	slog.Debug("conversation updated",
		"item_id", it.ID,
		"role", it.Role,
		"status", it.Status,
		"samples", len(it.Audio),
		"transcript", it.Transcript)

	if !Eligible(it) {
		return
	}
	if t.playback.Render(ctx, it) {
		t.notify()
	}
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

// ensureSession returns the open session, connecting a new one when there is
// none or the current one has failed.
func (t *Translator) ensureSession(ctx context.Context) (realtime.Session, error) {
	if t.session != nil && t.session.Err() == nil {
		return t.session, nil
	}
	if t.session != nil {
		slog.Warn("translator: realtime session failed, reconnecting", "err", t.session.Err())
		t.dropSession()
	}

	cctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()
	sess, err := resilience.Guard(cctx, t.breaker, func(ctx context.Context) (realtime.Session, error) {
		return t.provider.Connect(ctx, t.cfg)
	})
	if t.metrics != nil {
		status := "ok"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = "circuit_open"
		case err != nil:
			status = "error"
		}
		t.metrics.RecordConnect(ctx, status)
	}
	if err != nil {
		return nil, fmt.Errorf("translator: connect: %w", err)
	}

	t.session = sess
	t.items = sess.Items()
	t.connected.Store(true)
	slog.Info("realtime session connected")
	t.notify()
	return sess, nil
}

// dropSession closes and forgets the current session.
func (t *Translator) dropSession() {
	if t.session == nil {
		return
	}
	if err := t.session.Err(); err != nil {
		slog.Warn("translator: realtime session ended", "err", err)
	} else {
		slog.Info("translator: realtime session ended")
	}
	_ = t.session.Close()
	t.session = nil
	t.items = nil
	t.connected.Store(false)
	t.notify()
}

// teardown flushes a recording in progress and closes the session. The
// flush uses a fresh context because ctx is normally already cancelled.
func (t *Translator) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if t.IsRecording() {
		if _, err := t.capture.Stop(tctx, t.session); err != nil {
			slog.Warn("translator: flush on shutdown", "err", err)
		}
		t.chunks = nil
	}
	t.dropSession()
}
