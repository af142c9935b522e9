// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to push item snapshots into the code under test and to inspect
// the outbound calls it made, in order.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.Connect(ctx, cfg)
//	sess.Push(realtime.Item{ID: "a", Role: realtime.RoleAssistant, Status: realtime.StatusCompleted})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

// Ensure the mocks implement the realtime interfaces at compile time.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, every Connect returns a fresh
	// Session from NewSession.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions lists every session handed out by Connect, in order.
	Sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// SetConnectErr replaces ConnectErr. Thread-safe.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Latest returns the most recently connected session, or nil. Thread-safe.
func (p *Provider) Latest() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Call kinds recorded in Session.Calls.
const (
	CallAppendAudio     = "append_audio"
	CallRequestResponse = "request_response"
	CallUpdateSession   = "update_session"
)

// Call records one outbound Session call.
type Call struct {
	// Kind is one of CallAppendAudio, CallRequestResponse, CallUpdateSession.
	Kind string

	// Audio is a copy of the samples passed to AppendAudio.
	Audio audio.IntegerPCM

	// Cfg is the config passed to UpdateSession.
	Cfg realtime.SessionConfig
}

// Session is a mock implementation of realtime.Session.
type Session struct {
	mu     sync.Mutex
	items  chan realtime.Item
	closed bool

	// AppendAudioErr, if non-nil, is returned by every AppendAudio call.
	AppendAudioErr error

	// RequestResponseErr, if non-nil, is returned by every RequestResponse call.
	RequestResponseErr error

	// Rate is returned by InputSampleRate and OutputSampleRate. Zero means 24000.
	Rate int

	// ErrVal is returned by Err.
	ErrVal error

	// Calls records every outbound call in order.
	Calls []Call

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered items channel.
func NewSession() *Session {
	return &Session{items: make(chan realtime.Item, 64)}
}

// Push delivers it on the items channel. It is a no-op once the session has
// been closed or has failed.
func (s *Session) Push(it realtime.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.items <- it
}

// Fail ends the session with err, closing the items channel.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ErrVal = err
	s.closed = true
	close(s.items)
}

// AppendAudio records the call and returns AppendAudioErr.
func (s *Session) AppendAudio(_ context.Context, pcm audio.IntegerPCM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, Call{Kind: CallAppendAudio, Audio: slices.Clone(pcm)})
	return s.AppendAudioErr
}

// RequestResponse records the call and returns RequestResponseErr.
func (s *Session) RequestResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, Call{Kind: CallRequestResponse})
	return s.RequestResponseErr
}

// UpdateSession records the call.
func (s *Session) UpdateSession(_ context.Context, cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, Call{Kind: CallUpdateSession, Cfg: cfg})
	return nil
}

// Items returns the items channel.
func (s *Session) Items() <-chan realtime.Item { return s.items }

// InputSampleRate returns Rate, defaulting to 24000.
func (s *Session) InputSampleRate() int {
	if s.Rate == 0 {
		return 24000
	}
	return s.Rate
}

// OutputSampleRate returns Rate, defaulting to 24000.
func (s *Session) OutputSampleRate() int { return s.InputSampleRate() }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and closes the items channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.items)
	}
	return nil
}

// Snapshot returns a copy of the recorded calls. Thread-safe.
func (s *Session) Snapshot() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Calls)
}

// Kinds returns the kinds of the recorded calls in order. Thread-safe.
func (s *Session) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		kinds[i] = c.Kind
	}
	return kinds
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
