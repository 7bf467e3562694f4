// Package live defines the boundary to a bidirectional realtime voice model.
//
// A live provider opens a stateful streaming session that accepts raw audio
// chunks and produces an ordered stream of events: transcript fragments,
// synthesized audio fragments, interruption signals, and tool-call requests.
// The session controller consumes events with a type switch over the tagged
// [Event] variants, in the exact order the transport delivered them.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"

	"github.com/phishguard/phishguard/pkg/pcm"
)

// ToolDefinition declares a callable action offered to the model at session
// setup. Parameters follow the JSON-schema object convention used by function
// calling APIs.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is the fixed configuration of a new live session.
type SessionConfig struct {
	// Instructions is the system directive describing what the model should
	// listen for and when to invoke tools.
	Instructions string

	// Tools is the set of tool declarations offered to the model.
	Tools []ToolDefinition

	// InputTranscription requests transcript fragments for the inbound
	// (caller) audio.
	InputTranscription bool

	// Voice selects the synthesized output voice. Empty means provider default.
	Voice string
}

// Event is one inbound message from the model, delivered in arrival order on
// [Session.Events]. The concrete type is one of [TranscriptEvent],
// [AudioEvent], [InterruptedEvent], or [ToolCallEvent].
type Event interface {
	isEvent()
}

// TranscriptEvent carries a transcript text fragment.
type TranscriptEvent struct {
	// Text is the fragment content.
	Text string

	// Role is "user" for input transcription and "model" for output
	// transcription.
	Role string
}

// AudioEvent carries one fragment of synthesized model audio as raw
// little-endian int16 PCM bytes (base64 already stripped by the transport).
type AudioEvent struct {
	Data     []byte
	MIMEType string
}

// InterruptedEvent signals that the model's current response was cut off and
// any buffered playback for it should be discarded.
type InterruptedEvent struct{}

// ToolCallEvent is a request from the model to execute a declared tool.
type ToolCallEvent struct {
	ID   string
	Name string
	Args map[string]any
}

func (TranscriptEvent) isEvent()  {}
func (AudioEvent) isEvent()       {}
func (InterruptedEvent) isEvent() {}
func (ToolCallEvent) isEvent()    {}

// Session is an open bidirectional streaming session.
//
// Events returns a single ordered stream; consumers must drain it promptly so
// the transport's receive loop is never stalled. SendAudio must never block
// the caller's audio clock — implementations queue the chunk and write it
// asynchronously.
type Session interface {
	// SendAudio queues one encoded capture frame for transmission. The call
	// returns immediately; delivery order matches call order. Returns an
	// error only if the session is closed.
	SendAudio(chunk pcm.EncodedChunk) error

	// SendToolResult acknowledges a tool call with the given result payload.
	SendToolResult(id, name string, result map[string]any) error

	// Events returns the ordered inbound event stream. The channel is closed
	// when the session ends; call [Session.Err] afterwards to distinguish a
	// clean close from a transport failure.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it was
	// closed cleanly.
	Err() error

	// Close terminates the session and releases all resources. Idempotent.
	Close() error
}

// Provider opens live sessions against a specific realtime voice backend.
type Provider interface {
	// Connect establishes a new session. The returned Session is ready to
	// accept audio immediately. The caller owns the Session and must call
	// Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
