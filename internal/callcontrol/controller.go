// Package callcontrol is the seam to the PBX media edge. Inbound call
// signaling and caller audio arrive as a single event stream; outbound
// commands answer the call, pace agent audio, cut playback, and fall
// back to the PBX's own primitive synthesis.
package callcontrol

import (
	"context"
	"time"
)

// EventKind discriminates inbound events from the media edge.
type EventKind int

const (
	KindCallStarted EventKind = iota
	KindMediaReady
	KindHangup
	KindSpeechStart
	KindSpeechEnd
	KindAudioFrame
)

func (k EventKind) String() string {
	switch k {
	case KindCallStarted:
		return "call_started"
	case KindMediaReady:
		return "media_ready"
	case KindHangup:
		return "hangup"
	case KindSpeechStart:
		return "speech_start"
	case KindSpeechEnd:
		return "speech_end"
	case KindAudioFrame:
		return "audio_frame"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence from the media edge.
type Event struct {
	Kind      EventKind
	CallID    string
	CallerID  string
	Codec     string
	Reason    string
	Sequence  int
	Payload   []byte
	Timestamp time.Time
}

// Controller abstracts the media edge. WriteFrame satisfies the
// playback frame sink so the pacer can write straight to the wire.
type Controller interface {
	// Answer accepts the inbound call and opens the media path.
	Answer(ctx context.Context, callID string) error
	// WriteFrame sends one encoded telephony frame to the caller.
	WriteFrame(callID string, frame []byte) error
	// StopPlayback cuts any in-flight agent audio at the edge.
	StopPlayback(ctx context.Context, callID string) error
	// Say asks the PBX to speak text with its own synthesis. Used as
	// the last-resort path when every synthesis backend has failed.
	Say(ctx context.Context, callID, text string) error
	// Hangup tears the call down from our side.
	Hangup(ctx context.Context, callID, reason string) error
	// Events delivers inbound signaling and caller audio.
	Events() <-chan Event
	Close() error
}
