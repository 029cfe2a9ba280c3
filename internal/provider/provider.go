package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means a session could not be started.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrSequenceViolation flags an out-of-order event for a call id.
	ErrSequenceViolation = errors.New("provider event out of order")
	// ErrSessionClosed is returned by SendAudio after Close.
	ErrSessionClosed = errors.New("provider session closed")
)

// EventType enumerates the uniform provider event stream.
type EventType int

const (
	EventPartialTranscript EventType = iota
	EventFinalTranscript
	EventResponseText
	EventAudioChunk
	EventSessionClosed

	// Failure escalations consumed by the call engine's fallback
	// policy.
	EventRecognitionFailed
	EventResponseFailed
	EventSynthesisFailed
)

// Event is one correlated occurrence in a provider session. Sequence
// numbers increase monotonically per session.
type Event struct {
	Type       EventType
	Seq        int
	Text       string
	Confidence float64
	PCM        []byte // PCM16 little-endian at SampleRate
	SampleRate int
	Final      bool
	Err        error
}

// SessionConfig parameterizes one call's provider session.
type SessionConfig struct {
	CallID       string
	TraceID      string
	Voice        string
	Language     string
	SystemPrompt string
	SampleRate   int
}

// Session is one live STT+LLM+TTS conversation binding. SendAudio is
// non-blocking from the coordinator's perspective; results arrive on
// Events.
type Session interface {
	// SendAudio feeds caller PCM16 audio at the session sample rate.
	// final marks the end of an utterance.
	SendAudio(ctx context.Context, pcm []byte, final bool) error
	Events() <-chan Event
	Close() error
}

// Provider starts sessions for calls.
type Provider interface {
	Name() string
	Ready() bool
	StartSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// SequenceGuard rejects out-of-order events for one call id.
type SequenceGuard struct {
	last int
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{last: -1}
}

// Check accepts strictly increasing sequence numbers.
func (g *SequenceGuard) Check(seq int) error {
	if seq <= g.last {
		return fmt.Errorf("%w: got %d after %d", ErrSequenceViolation, seq, g.last)
	}
	g.last = seq
	return nil
}
