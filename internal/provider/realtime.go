package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/protocol"
)

// RealtimeProvider talks to a combined speech-to-speech service over
// the bus. One remote worker owns the whole turn loop; we hand it
// caller audio and consume its correlated event stream.
type RealtimeProvider struct {
	name         string
	subject      string
	pcfg         config.ProviderConfig
	conn         *nats.Conn
	startTimeout time.Duration
	log          *slog.Logger
}

func NewRealtimeProvider(cfg config.ProviderConfig, conn *nats.Conn, startTimeout time.Duration, log *slog.Logger) *RealtimeProvider {
	return &RealtimeProvider{
		name:         cfg.Name,
		subject:      cfg.Subject,
		pcfg:         cfg,
		conn:         conn,
		startTimeout: startTimeout,
		log:          log.With(slog.String("component", "provider"), slog.String("provider", cfg.Name)),
	}
}

func (p *RealtimeProvider) Name() string { return p.name }

func (p *RealtimeProvider) Ready() bool {
	return p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *RealtimeProvider) subjectFor(suffix string) string {
	return p.subject + "." + suffix
}

func (p *RealtimeProvider) StartSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if !p.Ready() {
		return nil, fmt.Errorf("%w: %s bus disconnected", ErrUnavailable, p.name)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = p.pcfg.SampleRate
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = p.pcfg.SystemPrompt
	}
	if cfg.Voice == "" {
		cfg.Voice = p.pcfg.Voice
	}
	if cfg.Language == "" {
		cfg.Language = p.pcfg.Language
	}
	start := protocol.ProviderStart{
		EventType:    "provider_session_start",
		CallID:       cfg.CallID,
		Voice:        cfg.Voice,
		Language:     cfg.Language,
		SystemPrompt: cfg.SystemPrompt,
		SampleRate:   cfg.SampleRate,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(start)
	if err != nil {
		return nil, fmt.Errorf("encode session start: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.startTimeout)
	defer cancel()
	msg, err := p.conn.RequestWithContext(reqCtx, p.subjectFor(protocol.ProviderStartSuffix), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s start request: %v", ErrUnavailable, p.name, err)
	}
	var ack protocol.ProviderStartAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return nil, fmt.Errorf("%w: %s malformed ack: %v", ErrUnavailable, p.name, err)
	}
	if !ack.OK {
		return nil, fmt.Errorf("%w: %s refused session: %s", ErrUnavailable, p.name, ack.Error)
	}

	s := &realtimeSession{
		provider: p,
		cfg:      cfg,
		events:   make(chan Event, 64),
		guard:    NewSequenceGuard(),
		log:      p.log.With(slog.String("call_id", cfg.CallID)),
	}
	sub, err := p.conn.Subscribe(p.subjectFor(protocol.ProviderEventsSuffix)+"."+cfg.CallID, s.onEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribe provider events: %w", err)
	}
	s.sub = sub
	return s, nil
}

type realtimeSession struct {
	provider *RealtimeProvider
	cfg      SessionConfig
	events   chan Event
	guard    *SequenceGuard
	sub      *nats.Subscription
	log      *slog.Logger

	mu       sync.Mutex
	sendSeq  int
	closed   bool
	rejected int
}

func (s *realtimeSession) SendAudio(ctx context.Context, pcm []byte, final bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	frame := protocol.ProviderAudio{
		EventType:  "provider_audio",
		CallID:     s.cfg.CallID,
		Sequence:   seq,
		SampleRate: s.cfg.SampleRate,
		PCM:        pcm,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode provider audio: %w", err)
	}
	subject := s.provider.subjectFor(protocol.ProviderAudioSuffix)
	if final {
		subject += ".final"
	}
	if err := s.provider.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish provider audio: %w", err)
	}
	return nil
}

func (s *realtimeSession) Events() <-chan Event {
	return s.events
}

func (s *realtimeSession) onEvent(msg *nats.Msg) {
	var evt protocol.ProviderEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.log.Warn("malformed provider event", slog.String("error", err.Error()))
		return
	}
	if evt.CallID != s.cfg.CallID {
		return
	}

	out := Event{Seq: evt.Sequence, Text: evt.Text, Confidence: evt.Confidence, PCM: evt.PCM, SampleRate: evt.SampleRate, Final: evt.Final}
	switch evt.EventType {
	case protocol.ProviderPartialTranscript:
		out.Type = EventPartialTranscript
	case protocol.ProviderFinalTranscript:
		out.Type = EventFinalTranscript
	case protocol.ProviderResponseText:
		out.Type = EventResponseText
	case protocol.ProviderAudioChunk:
		out.Type = EventAudioChunk
	case protocol.ProviderSessionClosed:
		out.Type = EventSessionClosed
	default:
		s.log.Warn("unknown provider event type", slog.String("event_type", evt.EventType))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.guard.Check(evt.Sequence); err != nil {
		s.rejected++
		s.log.Warn("rejected out-of-order provider event",
			slog.Int("sequence", evt.Sequence),
			slog.String("error", err.Error()))
		return
	}
	select {
	case s.events <- out:
	default:
		s.log.Warn("provider event channel full, dropping",
			slog.Int("sequence", evt.Sequence))
	}
}

// RejectedEvents reports how many out-of-order events were dropped.
func (s *realtimeSession) RejectedEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *realtimeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	stop := protocol.ProviderStart{
		EventType: "provider_session_stop",
		CallID:    s.cfg.CallID,
		Timestamp: time.Now().UTC(),
	}
	if payload, err := json.Marshal(stop); err == nil {
		s.provider.conn.Publish(s.provider.subjectFor(protocol.ProviderStopSuffix), payload)
	}
	return nil
}
