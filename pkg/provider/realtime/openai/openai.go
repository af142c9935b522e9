// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16. Server-side turn detection is
// disabled: the client decides when a turn ends by committing the input
// buffer and creating a response, which is the push-to-talk model.
//
// Conversation items are reassembled from the server's event stream
// (item created, audio deltas, transcript deltas, item done) and published as
// realtime.Item snapshots.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the PCM16 rate the API uses for input and output.
	sampleRate = 24000

	// maxAppendSamples bounds a single input_audio_buffer.append message
	// (10 s of audio) well below the API's 15 MiB event limit.
	maxAppendSamples = sampleRate * 10

	// readLimit is the largest server event accepted. Completed items may
	// echo large payloads.
	readLimit = 32 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithEventHook registers fn to be called with the type of every server
// event received, before it is handled. fn must not block.
func WithEventHook(fn func(eventType string)) Option {
	return func(p *Provider) { p.eventHook = fn }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	eventHook  func(string)
	httpClient *http.Client
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the model sessions are opened with.
func (p *Provider) Model() string { return p.model }

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned Session is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		items:     make(chan realtime.Item, 64),
		state:     make(map[string]*itemState),
		eventHook: p.eventHook,
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.UpdateSession(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	// TurnDetection is always serialised; null disables server VAD.
	TurnDetection *struct{} `json:"turn_detection"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// conversation.item.created / response.output_item.added / response.output_item.done
	Item *serverItem `json:"item,omitempty"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.completed
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// ── session ────────────────────────────────────────────────────────────────────

// itemState is the client-side reassembly of one conversation item.
type itemState struct {
	id         string
	role       string
	status     string
	audio      audio.IntegerPCM
	hasAudio   bool
	transcript string
}

func (st *itemState) snapshot() realtime.Item {
	it := realtime.Item{
		ID:         st.id,
		Role:       st.role,
		Status:     st.status,
		Transcript: st.transcript,
	}
	if st.hasAudio {
		it.Audio = slices.Clone(st.audio)
		if it.Audio == nil {
			it.Audio = audio.IntegerPCM{}
		}
	}
	return it
}

type session struct {
	conn      *websocket.Conn
	items     chan realtime.Item
	eventHook func(string)

	mu     sync.Mutex
	errVal error
	closed bool

	// state is only touched by receiveLoop.
	state map[string]*itemState

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the items channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: undecodable server event", "err", err)
			continue
		}
		if s.eventHook != nil {
			s.eventHook(evt.Type)
		}

		s.handleServerEvent(&evt)
	}
}

// lookup returns the state for id, creating it when unknown.
func (s *session) lookup(id string) *itemState {
	st, ok := s.state[id]
	if !ok {
		st = &itemState{id: id, status: realtime.StatusInProgress}
		s.state[id] = st
	}
	return st
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.created", "response.output_item.added":
		if evt.Item == nil || evt.Item.ID == "" || evt.Item.Type != "message" {
			return
		}
		st := s.lookup(evt.Item.ID)
		st.role = evt.Item.Role
		if evt.Item.Status != "" {
			st.status = evt.Item.Status
		}
		s.publish(st)

	case "response.audio.delta":
		if evt.ItemID == "" || evt.Delta == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("openai: bad audio delta", "item_id", evt.ItemID, "err", err)
			return
		}
		st := s.lookup(evt.ItemID)
		st.hasAudio = true
		st.audio = append(st.audio, audio.BytesToInt16s(data)...)

	case "response.audio_transcript.delta":
		if evt.ItemID == "" {
			return
		}
		st := s.lookup(evt.ItemID)
		st.transcript += evt.Delta

	case "conversation.item.input_audio_transcription.completed":
		if evt.ItemID == "" {
			return
		}
		st := s.lookup(evt.ItemID)
		if st.role == "" {
			st.role = realtime.RoleUser
		}
		st.transcript = evt.Transcript
		s.publish(st)
		if st.status != realtime.StatusInProgress {
			delete(s.state, st.id)
		}

	case "response.output_item.done":
		if evt.Item == nil || evt.Item.ID == "" {
			return
		}
		st := s.lookup(evt.Item.ID)
		if evt.Item.Role != "" {
			st.role = evt.Item.Role
		}
		st.status = evt.Item.Status
		if st.status == "" {
			st.status = realtime.StatusCompleted
		}
		s.publish(st)
		delete(s.state, st.id)

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("openai: server error event", "msg", msg)
	}
}

// publish sends a snapshot of st to the items channel.
func (s *session) publish(st *itemState) {
	select {
	case s.items <- st.snapshot():
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.items)
	})
}

// ── Session methods ────────────────────────────────────────────────────────────

// AppendAudio sends pcm as one or more input_audio_buffer.append events.
func (s *session) AppendAudio(ctx context.Context, pcm audio.IntegerPCM) error {
	for chunk := range slices.Chunk(pcm, maxAppendSamples) {
		msg := appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(audio.Int16sToBytes(chunk)),
		}
		if err := s.writeJSON(ctx, msg); err != nil {
			return fmt.Errorf("openai: append audio: %w", err)
		}
	}
	return nil
}

// RequestResponse commits the input buffer and requests a response.
func (s *session) RequestResponse(ctx context.Context) error {
	if err := s.writeJSON(ctx, typeOnlyMessage{Type: "input_audio_buffer.commit"}); err != nil {
		return fmt.Errorf("openai: commit: %w", err)
	}
	if err := s.writeJSON(ctx, typeOnlyMessage{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: create response: %w", err)
	}
	return nil
}

// UpdateSession sends a session.update event.
func (s *session) UpdateSession(ctx context.Context, cfg realtime.SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &inputAudioTranscription{Model: cfg.TranscriptionModel}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// Items returns the channel on which item snapshots arrive.
func (s *session) Items() <-chan realtime.Item { return s.items }

// InputSampleRate implements realtime.Session.
func (s *session) InputSampleRate() int { return sampleRate }

// OutputSampleRate implements realtime.Session.
func (s *session) OutputSampleRate() int { return sampleRate }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
