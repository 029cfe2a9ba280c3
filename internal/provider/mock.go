package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockScript drives a MockProvider turn by turn. Each entry is the
// event batch emitted when a final audio segment arrives.
type MockScript struct {
	// Turns is consumed front to back, one entry per caller utterance.
	Turns [][]Event
	// FailStarts makes the first N StartSession calls fail.
	FailStarts int
	// FailSendAudio makes every SendAudio return an error.
	FailSendAudio bool
}

// MockProvider is an in-process provider used by tests and by the
// "mock" kind in config for smoke deployments without real backends.
type MockProvider struct {
	name string

	mu     sync.Mutex
	script MockScript
	starts int
}

func NewMockProvider(name string, script MockScript) *MockProvider {
	return &MockProvider{name: name, script: script}
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Ready() bool { return true }

// Starts reports how many StartSession calls were attempted.
func (m *MockProvider) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *MockProvider) StartSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.script.FailStarts > 0 {
		m.script.FailStarts--
		return nil, fmt.Errorf("%w: %s scripted start failure", ErrUnavailable, m.name)
	}
	return &mockSession{provider: m, cfg: cfg, events: make(chan Event, 64)}, nil
}

type mockSession struct {
	provider *MockProvider
	cfg      SessionConfig

	mu     sync.Mutex
	seq    int
	turn   int
	closed bool
	events chan Event
}

func (s *mockSession) SendAudio(ctx context.Context, pcm []byte, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.provider.script.FailSendAudio {
		return fmt.Errorf("%w: scripted audio failure", ErrUnavailable)
	}
	if !final {
		return nil
	}
	script := s.provider.script.Turns
	if s.turn >= len(script) {
		return nil
	}
	for _, evt := range script[s.turn] {
		evt.Seq = s.seq
		s.seq++
		select {
		case s.events <- evt:
		default:
		}
	}
	s.turn++
	return nil
}

func (s *mockSession) Events() <-chan Event {
	return s.events
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	evt := Event{Type: EventSessionClosed, Seq: s.seq}
	s.seq++
	select {
	case s.events <- evt:
	default:
	}
	close(s.events)
	return nil
}
