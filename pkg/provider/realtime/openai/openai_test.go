package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
	"github.com/MrWong99/tolk/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// idle consumes session.update and then waits for the client to go away.
func idle(t *testing.T) func(*websocket.Conn, *http.Request) {
	return func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	}
}

func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig, opts ...openai.Option) realtime.Session {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	p := openai.New("key", opts...)
	sess, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func nextItem(t *testing.T, sess realtime.Session) realtime.Item {
	t.Helper()
	select {
	case it, ok := <-sess.Items():
		if !ok {
			t.Fatal("Items channel closed unexpectedly")
		}
		return it
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}
	return realtime.Item{}
}

func pcmBase64(samples ...int16) string {
	return base64.StdEncoding.EncodeToString(audio.Int16sToBytes(samples))
}

// ── Options ───────────────────────────────────────────────────────────────────

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p := openai.New("my-key")
	if p.Model() == "" {
		t.Fatal("default model is empty")
	}
}

func TestWithModel_SetsModelInURL(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		idle(t)(conn, r)
	})

	connect(t, srv, realtime.SessionConfig{}, openai.WithModel("gpt-4o-mini-realtime-preview"))

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime-preview" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime-preview", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		idle(t)(conn, r)
	})

	p := openai.New("my-secret-token", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case h := <-headers:
		if got := h.Get("Authorization"); got != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", got)
		}
		if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── session.update ────────────────────────────────────────────────────────────

func TestConnect_SendsPushToTalkSessionUpdate(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, realtime.SessionConfig{
		Instructions:       "Translate into Chinese.",
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
	})

	select {
	case msg := <-received:
		if msg["type"] != "session.update" {
			t.Errorf("type = %v; want session.update", msg["type"])
		}
		sess, _ := msg["session"].(map[string]any)
		if sess == nil {
			t.Fatal("session object missing")
		}
		if sess["instructions"] != "Translate into Chinese." {
			t.Errorf("instructions = %v", sess["instructions"])
		}
		if sess["voice"] != "alloy" {
			t.Errorf("voice = %v; want alloy", sess["voice"])
		}
		if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
			t.Errorf("formats = %v/%v; want pcm16", sess["input_audio_format"], sess["output_audio_format"])
		}
		td, present := sess["turn_detection"]
		if !present || td != nil {
			t.Errorf("turn_detection = %v (present=%v); want explicit null", td, present)
		}
		tr, _ := sess["input_audio_transcription"].(map[string]any)
		if tr == nil || tr["model"] != "whisper-1" {
			t.Errorf("input_audio_transcription = %v; want model whisper-1", sess["input_audio_transcription"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestUpdateSession_SendsInstructions(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Instructions string `json:"instructions"`
		} `json:"session"`
	}
	updates := make(chan updateMsg, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var m updateMsg
			readJSON(t, conn, &m)
			updates <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, realtime.SessionConfig{Instructions: "first"})
	<-updates

	if err := sess.UpdateSession(context.Background(), realtime.SessionConfig{Instructions: "second"}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	select {
	case m := <-updates:
		if m.Type != "session.update" || m.Session.Instructions != "second" {
			t.Errorf("got %+v; want session.update with instructions second", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Outbound audio ────────────────────────────────────────────────────────────

func TestAppendAudioThenRequestResponse_MessageOrder(t *testing.T) {
	t.Parallel()

	type msg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan []msg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		var seq []msg
		for range 3 {
			var m msg
			readJSON(t, conn, &m)
			seq = append(seq, m)
		}
		got <- seq
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, realtime.SessionConfig{})
	want := audio.IntegerPCM{0, 1, -1, 32767, -32768}
	if err := sess.AppendAudio(context.Background(), want); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := sess.RequestResponse(context.Background()); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}

	select {
	case seq := <-got:
		wantTypes := []string{"input_audio_buffer.append", "input_audio_buffer.commit", "response.create"}
		for i, m := range seq {
			if m.Type != wantTypes[i] {
				t.Errorf("message %d type = %q; want %q", i, m.Type, wantTypes[i])
			}
		}
		raw, err := base64.StdEncoding.DecodeString(seq[0].Audio)
		if err != nil {
			t.Fatalf("base64: %v", err)
		}
		if pcm := audio.BytesToInt16s(raw); !slices.Equal(pcm, want) {
			t.Errorf("appended audio = %v; want %v", pcm, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for outbound messages")
	}
}

func TestAppendAudio_SplitsLargeBuffers(t *testing.T) {
	t.Parallel()

	total := make(chan int, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		n := 0
		for range 2 {
			var m struct {
				Audio string `json:"audio"`
			}
			readJSON(t, conn, &m)
			b, _ := base64.StdEncoding.DecodeString(m.Audio)
			n += len(b) / 2
		}
		total <- n
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, realtime.SessionConfig{})
	// 15 s at 24 kHz spans two append messages.
	pcm := make(audio.IntegerPCM, 24000*15)
	if err := sess.AppendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	select {
	case n := <-total:
		if n != len(pcm) {
			t.Errorf("server received %d samples across two messages; want %d", n, len(pcm))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestAppendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, idle(t))
	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()

	if err := sess.AppendAudio(context.Background(), audio.IntegerPCM{1, 2, 3}); err == nil {
		t.Fatal("AppendAudio after Close should return an error")
	}
}

func TestAppendAudio_Concurrent_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})
	sess := connect(t, srv, realtime.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = sess.AppendAudio(context.Background(), audio.IntegerPCM{1, 2})
			}
		})
	}
	wg.Wait()
}

// ── Inbound items ─────────────────────────────────────────────────────────────

func TestItems_AssistantItemAccumulatesAudio(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "response.output_item.added",
			"item": map[string]any{"id": "item_1", "type": "message", "role": "assistant", "status": "in_progress"},
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "item_id": "item_1", "delta": pcmBase64(1, 2)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "item_id": "item_1", "delta": "你"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "item_id": "item_1", "delta": pcmBase64(3)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "item_id": "item_1", "delta": "好"})
		writeJSON(t, conn, map[string]any{
			"type": "response.output_item.done",
			"item": map[string]any{"id": "item_1", "type": "message", "role": "assistant", "status": "completed"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, realtime.SessionConfig{})

	added := nextItem(t, sess)
	if added.ID != "item_1" || added.Completed() || added.Audio != nil {
		t.Errorf("added snapshot = %+v; want in-progress item_1 without audio", added)
	}

	done := nextItem(t, sess)
	if done.ID != "item_1" {
		t.Fatalf("done.ID = %q; want item_1", done.ID)
	}
	if done.Role != realtime.RoleAssistant || done.Status != realtime.StatusCompleted {
		t.Errorf("role/status = %q/%q; want assistant/completed", done.Role, done.Status)
	}
	if !slices.Equal(done.Audio, audio.IntegerPCM{1, 2, 3}) {
		t.Errorf("audio = %v; want [1 2 3]", done.Audio)
	}
	if done.Transcript != "你好" {
		t.Errorf("transcript = %q; want 你好", done.Transcript)
	}
}

func TestItems_UserTranscription(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{"id": "u1", "type": "message", "role": "user", "status": "completed"},
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"item_id":    "u1",
			"transcript": "good morning",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, realtime.SessionConfig{})
	created := nextItem(t, sess)
	if created.Role != realtime.RoleUser {
		t.Errorf("role = %q; want user", created.Role)
	}
	tr := nextItem(t, sess)
	if tr.ID != "u1" || tr.Transcript != "good morning" {
		t.Errorf("transcription snapshot = %+v", tr)
	}
}

func TestItems_NonMessageItemsIgnored(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{"id": "fc1", "type": "function_call"},
		})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "boom"}})
		writeJSON(t, conn, map[string]any{
			"type": "conversation.item.created",
			"item": map[string]any{"id": "m1", "type": "message", "role": "user"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, realtime.SessionConfig{})
	if it := nextItem(t, sess); it.ID != "m1" {
		t.Errorf("first item = %q; want m1", it.ID)
	}
}

func TestEventHook_ReportsEveryType(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	types := make(chan string, 4)
	connect(t, srv, realtime.SessionConfig{}, openai.WithEventHook(func(typ string) { types <- typ }))

	for _, want := range []string{"session.created", "session.updated"} {
		select {
		case got := <-types:
			if got != want {
				t.Errorf("event = %q; want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout")
		}
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSampleRates(t *testing.T) {
	t.Parallel()
	srv := startServer(t, idle(t))
	sess := connect(t, srv, realtime.SessionConfig{})
	if sess.InputSampleRate() != 24000 || sess.OutputSampleRate() != 24000 {
		t.Errorf("rates = %d/%d; want 24000/24000", sess.InputSampleRate(), sess.OutputSampleRate())
	}
}

func TestClose_IdempotentAndClosesItems(t *testing.T) {
	t.Parallel()

	srv := startServer(t, idle(t))
	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, open := <-sess.Items():
		if open {
			t.Error("Items channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Items channel to close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err after clean Close = %v; want nil", err)
	}
}

func TestErr_SetWhenServerDrops(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusGoingAway, "bye")
	})
	sess := connect(t, srv, realtime.SessionConfig{})

	select {
	case _, open := <-sess.Items():
		if open {
			t.Fatal("unexpected item")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Items channel to close")
	}
	if sess.Err() == nil {
		t.Error("Err() = nil after server dropped the connection")
	}
}
