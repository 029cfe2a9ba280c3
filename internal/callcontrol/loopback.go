package callcontrol

import (
	"context"
	"sync"
	"time"
)

// Loopback is an in-process controller. Tests and the single-binary
// dev mode inject inbound events and observe outbound commands without
// a bus round trip.
type Loopback struct {
	mu       sync.Mutex
	events   chan Event
	closed   bool
	answered []string
	stopped  []string
	said     map[string][]string
	hungUp   map[string]string
	frames   map[string][][]byte
}

func NewLoopback() *Loopback {
	return &Loopback{
		events: make(chan Event, 256),
		said:   make(map[string][]string),
		hungUp: make(map[string]string),
		frames: make(map[string][][]byte),
	}
}

// Inject delivers an inbound event as if the media edge sent it.
func (l *Loopback) Inject(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	l.events <- evt
}

func (l *Loopback) Answer(_ context.Context, callID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered = append(l.answered, callID)
	return nil
}

func (l *Loopback) WriteFrame(callID string, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := append([]byte(nil), frame...)
	l.frames[callID] = append(l.frames[callID], buf)
	return nil
}

func (l *Loopback) StopPlayback(_ context.Context, callID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, callID)
	return nil
}

func (l *Loopback) Say(_ context.Context, callID, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.said[callID] = append(l.said[callID], text)
	return nil
}

func (l *Loopback) Hangup(_ context.Context, callID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hungUp[callID] = reason
	return nil
}

func (l *Loopback) Events() <-chan Event {
	return l.events
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.events)
	return nil
}

// Answered reports the call ids answered so far.
func (l *Loopback) Answered() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.answered...)
}

// Stopped reports playback-stop commands issued so far.
func (l *Loopback) Stopped() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stopped...)
}

// Said reports texts routed to the PBX synthesis fallback for a call.
func (l *Loopback) Said(callID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.said[callID]...)
}

// HangupReason reports the reason we hung a call up, if we did.
func (l *Loopback) HangupReason(callID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason, ok := l.hungUp[callID]
	return reason, ok
}

// Frames reports the outbound frames written for a call.
func (l *Loopback) Frames(callID string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames[callID]...)
}
