package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (TranscriptResult, error)
}

// Prompt describes one language-response request.
type Prompt struct {
	System      string
	History     []Exchange
	Text        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Exchange is one completed caller/agent pair fed back as context.
type Exchange struct {
	Caller string
	Agent  string
}

// Responder abstracts language-response backends.
type Responder interface {
	Respond(ctx context.Context, p Prompt) (string, error)
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data streamed from a synthesizer.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// PipelineProvider composes separate STT, LLM, and TTS backends into
// the uniform session contract.
type PipelineProvider struct {
	name    string
	cfg     config.ProviderConfig
	stt     Recognizer
	llm     Responder
	tts     Synthesizer
	log     *slog.Logger
	retry   int
	timeout time.Duration
}

func NewPipelineProvider(cfg config.ProviderConfig, stt Recognizer, llm Responder, tts Synthesizer, responseRetries int, responseTimeout time.Duration, log *slog.Logger) *PipelineProvider {
	if responseTimeout <= 0 {
		responseTimeout = 45 * time.Second
	}
	return &PipelineProvider{
		name:    cfg.Name,
		cfg:     cfg,
		stt:     stt,
		llm:     llm,
		tts:     tts,
		retry:   responseRetries,
		timeout: responseTimeout,
		log:     log.With(slog.String("component", "provider"), slog.String("provider", cfg.Name)),
	}
}

func (p *PipelineProvider) Name() string { return p.name }

func (p *PipelineProvider) Ready() bool {
	return p.stt != nil && p.llm != nil && p.tts != nil
}

func (p *PipelineProvider) StartSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	if !p.Ready() {
		return nil, fmt.Errorf("%w: %s pipeline incomplete", ErrUnavailable, p.name)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = p.cfg.SampleRate
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = p.cfg.SystemPrompt
	}
	if cfg.Voice == "" {
		cfg.Voice = p.cfg.Voice
	}
	if cfg.Language == "" {
		cfg.Language = p.cfg.Language
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &pipelineSession{
		provider: p,
		cfg:      cfg,
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan Event, 64),
		log:      p.log.With(slog.String("call_id", cfg.CallID)),
	}
	return s, nil
}

type pipelineSession struct {
	provider *PipelineProvider
	cfg      SessionConfig
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan Event
	log      *slog.Logger

	mu      sync.Mutex
	buffer  []byte
	history []Exchange
	seq     int
	closed  bool
	wg      sync.WaitGroup
}

func (s *pipelineSession) Events() <-chan Event { return s.events }

func (s *pipelineSession) SendAudio(_ context.Context, pcm []byte, final bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.buffer = append(s.buffer, pcm...)
	var utterance []byte
	if final {
		utterance = s.buffer
		s.buffer = nil
	}
	s.mu.Unlock()

	if !final {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(utterance)
	}()
	return nil
}

func (s *pipelineSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.emit(Event{Type: EventSessionClosed})
	close(s.events)
	return nil
}

// runTurn drives one caller utterance through STT, the responder
// chain, and TTS, emitting events as each stage lands.
func (s *pipelineSession) runTurn(utterance []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, s.provider.timeout)
	defer cancel()

	result, err := s.provider.stt.Transcribe(ctx, utterance, s.cfg.SampleRate)
	if err != nil || result.Text == "" {
		if err != nil {
			s.log.Warn("transcription failed", slog.String("error", err.Error()))
		}
		s.emit(Event{Type: EventRecognitionFailed, Err: err})
		return
	}
	s.emit(Event{Type: EventFinalTranscript, Text: result.Text, Confidence: result.Confidence})

	text, err := s.respond(ctx, result.Text)
	if err != nil {
		s.log.Warn("response generation failed", slog.String("error", err.Error()))
		s.emit(Event{Type: EventResponseFailed, Err: err})
		return
	}
	s.emit(Event{Type: EventResponseText, Text: text})

	s.mu.Lock()
	s.history = append(s.history, Exchange{Caller: result.Text, Agent: text})
	s.mu.Unlock()

	s.synthesize(ctx, text)
}

// respond retries the configured model a bounded number of times, then
// switches to the fallback model if one is configured. Exactly one
// response is produced per caller turn regardless of how many attempts
// it took.
func (s *pipelineSession) respond(ctx context.Context, callerText string) (string, error) {
	s.mu.Lock()
	history := append([]Exchange(nil), s.history...)
	s.mu.Unlock()

	prompt := Prompt{
		System:      s.cfg.SystemPrompt,
		History:     history,
		Text:        callerText,
		Model:       s.provider.cfg.Model,
		MaxTokens:   s.provider.cfg.MaxTokens,
		Temperature: s.provider.cfg.Temperature,
	}

	attempts := s.provider.retry
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		text, err := s.provider.llm.Respond(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		s.log.Warn("responder attempt failed",
			slog.Int("attempt", i+1), slog.String("error", err.Error()))
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if s.provider.cfg.FallbackModel == "" {
		return "", fmt.Errorf("responder exhausted %d attempts: %w", attempts, lastErr)
	}
	prompt.Model = s.provider.cfg.FallbackModel
	s.log.Info("switching to fallback model", slog.String("model", prompt.Model))
	text, err := s.provider.llm.Respond(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("fallback model failed: %w", err)
	}
	return text, nil
}

func (s *pipelineSession) synthesize(ctx context.Context, text string) {
	voice := s.cfg.Voice
	if voice == "" {
		voice = s.provider.cfg.Voice
	}
	chunks, errs := s.provider.tts.Synthesize(ctx, SynthRequest{Text: text, Voice: voice})
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.emit(Event{
				Type:       EventAudioChunk,
				PCM:        chunk.PCM,
				SampleRate: chunk.SampleRate,
				Final:      chunk.Final,
			})
		case err, ok := <-errs:
			if ok && err != nil {
				s.log.Warn("synthesis error", slog.String("error", err.Error()))
				s.emit(Event{Type: EventSynthesisFailed, Text: text, Err: err})
				return
			}
			errs = nil
		case <-ctx.Done():
			return
		}
		if chunks == nil && errs == nil {
			return
		}
	}
}

func (s *pipelineSession) emit(evt Event) {
	s.mu.Lock()
	if s.closed && evt.Type != EventSessionClosed {
		s.mu.Unlock()
		return
	}
	evt.Seq = s.seq
	s.seq++
	s.mu.Unlock()

	select {
	case s.events <- evt:
	default:
		s.log.Warn("provider event dropped", slog.Int("seq", evt.Seq))
	}
}
