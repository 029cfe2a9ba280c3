// Package callengine drives the per-call orchestration loop: lifecycle
// transitions, capture gating, provider turns, and paced playback. One
// engine serves every concurrent call; each call gets its own worker
// state and its own provider session.
package callengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxcall-labs/voxcall-core/internal/audio"
	"github.com/voxcall-labs/voxcall-core/internal/callcontrol"
	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/protocol"
	"github.com/voxcall-labs/voxcall-core/internal/provider"
	"github.com/voxcall-labs/voxcall-core/internal/session"
)

// maxClarifications bounds how often we ask the caller to repeat
// before giving up on the call.
const maxClarifications = 2

// ConfigSource yields the current configuration snapshot. New calls
// bind the snapshot current at call start; a reload never changes a
// call already in flight.
type ConfigSource interface {
	Snapshot() *config.Config
}

// Publisher mirrors the bus publish surface the engine needs for
// observer events. A *nats.Conn satisfies it; nil disables publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Recorder persists the call timeline. Nil disables persistence.
type Recorder interface {
	RecordCallStart(ctx context.Context, callID, callerID, traceID string, at time.Time) error
	RecordCallEnd(ctx context.Context, callID, reason string, at time.Time) error
	RecordTurn(ctx context.Context, callID string, turn session.Turn) error
}

// Engine consumes media-edge events and runs one worker per call.
type Engine struct {
	cfgs    ConfigSource
	store   *session.Store
	ctrl    callcontrol.Controller
	sel     *provider.Selector
	rec     Recorder
	pub     Publisher
	log     *slog.Logger
	metrics *engineMetrics

	mu    sync.Mutex
	calls map[string]*call
	wg    sync.WaitGroup
}

type Options struct {
	Recorder  Recorder
	Publisher Publisher
	Meter     metric.Meter
}

func New(cfgs ConfigSource, store *session.Store, ctrl callcontrol.Controller, sel *provider.Selector, opts Options, log *slog.Logger) (*Engine, error) {
	metrics, err := newEngineMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfgs:    cfgs,
		store:   store,
		ctrl:    ctrl,
		sel:     sel,
		rec:     opts.Recorder,
		pub:     opts.Publisher,
		log:     log.With(slog.String("component", "callengine")),
		metrics: metrics,
		calls:   make(map[string]*call),
	}, nil
}

// Run dispatches inbound events until ctx is cancelled or the event
// stream closes. Events for unknown call ids are stale by definition
// and ignored.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx)
			return
		case evt, ok := <-e.ctrl.Events():
			if !ok {
				e.drain(ctx)
				return
			}
			e.dispatch(ctx, evt)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, evt callcontrol.Event) {
	if evt.Kind == callcontrol.KindCallStarted {
		e.onCallStarted(ctx, evt)
		return
	}
	c := e.lookup(evt.CallID)
	if c == nil {
		e.log.Debug("event for unknown call ignored",
			slog.String("kind", evt.Kind.String()),
			slog.String("call_id", evt.CallID))
		return
	}
	switch evt.Kind {
	case callcontrol.KindMediaReady:
		c.onMediaReady(evt)
	case callcontrol.KindHangup:
		c.terminate(evt.Reason, "")
	case callcontrol.KindSpeechStart:
		c.onSpeechStart(evt.Timestamp)
	case callcontrol.KindSpeechEnd:
		c.onSpeechEnd()
	case callcontrol.KindAudioFrame:
		c.onAudioFrame(evt.Payload)
	}
}

func (e *Engine) lookup(callID string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[callID]
}

func (e *Engine) remove(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.calls, callID)
}

// ActiveCalls reports how many call workers are live.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *Engine) onCallStarted(ctx context.Context, evt callcontrol.Event) {
	if e.lookup(evt.CallID) != nil {
		e.log.Warn("duplicate call.started ignored", slog.String("call_id", evt.CallID))
		return
	}
	cfg := e.cfgs.Snapshot()
	sess, err := e.store.Create(evt.CallID, evt.CallerID)
	if err != nil {
		e.log.Warn("session create failed",
			slog.String("call_id", evt.CallID), slog.String("error", err.Error()))
		return
	}
	traceID := sess.TraceID

	if err := e.store.Update(evt.CallID, func(s *session.CallSession) error {
		return s.Transition(session.StateConnecting, time.Now().UTC())
	}); err != nil {
		e.log.Error("connecting transition failed",
			slog.String("call_id", evt.CallID), slog.String("error", err.Error()))
		return
	}

	c := newCall(e, cfg, evt.CallID, evt.CallerID, traceID, ctx)
	e.mu.Lock()
	e.calls[evt.CallID] = c
	e.mu.Unlock()

	e.metrics.callStarted(ctx)
	if e.rec != nil {
		if err := e.rec.RecordCallStart(ctx, evt.CallID, evt.CallerID, traceID, time.Now().UTC()); err != nil {
			e.log.Warn("record call start failed", slog.String("call_id", evt.CallID), slog.String("error", err.Error()))
		}
	}

	if err := e.ctrl.Answer(ctx, evt.CallID); err != nil {
		e.log.Error("answer failed", slog.String("call_id", evt.CallID), slog.String("error", err.Error()))
		c.terminate("answer_failed", "")
		return
	}
	c.armSetupTimer()
	c.log.Info("call accepted", slog.String("caller_id", evt.CallerID))
}

func (e *Engine) publish(subject string, v any) {
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.log.Warn("encode observer event failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := e.pub.Publish(subject, payload); err != nil {
		e.log.Warn("publish observer event failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (e *Engine) publishTranscript(callID, text string, seq int) {
	e.publish(protocol.SubjectTranscriptReady, protocol.TranscriptReady{
		EventType: protocol.EventTranscriptReady,
		CallID:    callID,
		Text:      text,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) publishResponse(callID, text string, seq int) {
	e.publish(protocol.SubjectResponseReady, protocol.ResponseReady{
		EventType: protocol.EventResponseReady,
		CallID:    callID,
		Text:      text,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	})
}

// drain tears down every live call, speaking the goodbye line first so
// a shutdown does not cut calls silently.
func (e *Engine) drain(_ context.Context) {
	e.mu.Lock()
	live := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		live = append(live, c)
	}
	e.mu.Unlock()

	for _, c := range live {
		c.terminate("shutdown", c.cfg.Prompts.Goodbye)
	}
	e.wg.Wait()
}

// Wait blocks until every call worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// codecFor parses the negotiated codec, falling back to the configured
// default when the edge sends something unknown.
func codecFor(cfg *config.Config, negotiated string, log *slog.Logger) audio.Codec {
	if negotiated != "" {
		if c, err := audio.ParseCodec(negotiated); err == nil {
			return c
		}
		log.Warn("unknown negotiated codec, using default", slog.String("codec", negotiated))
	}
	c, err := audio.ParseCodec(cfg.Call.DefaultCodec)
	if err != nil {
		return audio.CodecULaw
	}
	return c
}
