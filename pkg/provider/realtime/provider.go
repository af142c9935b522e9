// Package realtime defines the Provider interface for realtime speech
// backends that take recorded audio, produce a spoken response, and report
// conversation items as they change.
//
// The central abstraction is Session: an outbound side with exactly two
// audio operations ([Session.AppendAudio] and [Session.RequestResponse]) and
// an inbound side delivering [Item] snapshots on a channel. Each snapshot is
// the latest full state of one conversation item, so the same item id is
// usually seen several times while the service fills it in.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"

	"github.com/MrWong99/tolk/pkg/audio"
)

// Conversation item roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation item statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
)

// Item is a snapshot of one conversation item.
type Item struct {
	// ID is the service-assigned item identifier.
	ID string

	// Role is one of RoleUser, RoleAssistant, RoleSystem.
	Role string

	// Status is one of StatusInProgress, StatusCompleted, StatusIncomplete.
	Status string

	// Audio is the formatted audio decoded so far, mono PCM16 at the
	// session's output sample rate. Nil when the item carries no audio.
	Audio audio.IntegerPCM

	// Transcript is the text transcript accumulated so far.
	Transcript string
}

// Completed reports whether the service marked the item as finished.
func (it Item) Completed() bool { return it.Status == StatusCompleted }

// SessionConfig is the configuration sent when a session opens and on every
// live update.
type SessionConfig struct {
	// Instructions is the system prompt, e.g. the translator brief.
	Instructions string

	// Voice is the provider voice id used for synthesised speech.
	Voice string

	// TranscriptionModel enables transcription of input audio when non-empty.
	TranscriptionModel string
}

// Session is an open realtime session. It is an interface so that test code
// can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// AppendAudio adds mono PCM16 at [Session.InputSampleRate] to the
	// service's input buffer.
	AppendAudio(ctx context.Context, pcm audio.IntegerPCM) error

	// RequestResponse commits the input buffer and asks the service to
	// generate a response. It is a separate call from AppendAudio.
	RequestResponse(ctx context.Context) error

	// Items returns the channel on which item snapshots arrive. The channel is
	// closed when the session ends; check [Session.Err] afterwards.
	Items() <-chan Item

	// UpdateSession applies cfg to the live session.
	UpdateSession(ctx context.Context, cfg SessionConfig) error

	// InputSampleRate is the rate AppendAudio expects.
	InputSampleRate() int

	// OutputSampleRate is the rate of Item.Audio.
	OutputSampleRate() int

	// Err returns the error that ended the session, or nil while it is healthy
	// or after a clean Close.
	Err() error

	// Close terminates the session and closes the Items channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime backend.
type Provider interface {
	// Connect opens a new session configured with cfg. The caller owns the
	// returned Session and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
