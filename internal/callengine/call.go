package callengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/audio"
	"github.com/voxcall-labs/voxcall-core/internal/callcontrol"
	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/gating"
	"github.com/voxcall-labs/voxcall-core/internal/playback"
	"github.com/voxcall-labs/voxcall-core/internal/provider"
	"github.com/voxcall-labs/voxcall-core/internal/session"
)

// internalRate is the PCM rate caller audio is normalized to before it
// reaches a provider session. Providers resample further if they need
// to.
const internalRate = 16000

// call is the per-call worker state. All media-edge events for one
// call funnel through the engine's dispatch loop; provider and
// playback events arrive on their own goroutines and synchronize
// through the mutex.
type call struct {
	engine   *Engine
	cfg      *config.Config
	id       string
	callerID string
	traceID  string
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	coord    *gating.Coordinator

	mu             sync.Mutex
	codec          audio.Codec
	pb             *playback.Manager
	sess           provider.Session
	providerName   string
	clarifications int
	dropAudio      bool
	setupTimer     *time.Timer
	guardTimer     *time.Timer
	mediaReady     bool
	terminating    bool
}

func newCall(e *Engine, cfg *config.Config, id, callerID, traceID string, parent context.Context) *call {
	ctx, cancel := context.WithCancel(parent)
	log := e.log.With(slog.String("call_id", id), slog.String("trace_id", traceID))
	guard := time.Duration(cfg.Gating.GuardWindowMS) * time.Millisecond
	return &call{
		engine:   e,
		cfg:      cfg,
		id:       id,
		callerID: callerID,
		traceID:  traceID,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		coord:    gating.NewCoordinator(guard, log),
		codec:    audio.CodecULaw,
	}
}

// armSetupTimer bounds how long a call may sit without a negotiated
// media path before we give up on it.
func (c *call) armSetupTimer() {
	timeout := time.Duration(c.cfg.Call.SetupTimeoutMS) * time.Millisecond
	c.mu.Lock()
	c.setupTimer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		ready := c.mediaReady
		c.mu.Unlock()
		if !ready {
			c.log.Warn("media setup timed out")
			c.terminate("setup_timeout", "")
		}
	})
	c.mu.Unlock()
}

// onMediaReady starts the provider session and the playback pacer.
// Session startup can take several attempts, so it runs off the
// dispatch goroutine.
func (c *call) onMediaReady(evt callcontrol.Event) {
	c.mu.Lock()
	if c.mediaReady || c.terminating {
		c.mu.Unlock()
		return
	}
	c.mediaReady = true
	if c.setupTimer != nil {
		c.setupTimer.Stop()
		c.setupTimer = nil
	}
	c.codec = codecFor(c.cfg, evt.Codec, c.log)
	codec := c.codec
	c.mu.Unlock()

	if err := c.engine.store.Update(c.id, func(s *session.CallSession) error {
		s.Codec = codec
		return nil
	}); err != nil {
		c.log.Warn("codec update failed", slog.String("error", err.Error()))
	}

	c.engine.wg.Add(1)
	go func() {
		defer c.engine.wg.Done()
		c.setup()
	}()
}

func (c *call) sessionConfig() provider.SessionConfig {
	return provider.SessionConfig{
		CallID:     c.id,
		TraceID:    c.traceID,
		SampleRate: internalRate,
	}
}

func (c *call) setup() {
	budget := time.Duration(c.cfg.Call.SetupTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(c.ctx, budget)
	defer cancel()

	sess, name, err := c.engine.sel.StartSession(ctx, c.sessionConfig())
	if err != nil {
		c.log.Error("no provider could take the call", slog.String("error", err.Error()))
		c.engine.metrics.providerFailure(c.ctx, "start")
		c.terminate("provider_unavailable", c.cfg.Prompts.Apology)
		return
	}

	pb := playback.NewManager(playback.Config{
		CallID:        c.id,
		Codec:         c.codecNow(),
		FrameDuration: time.Duration(c.cfg.Call.FrameDurationMS) * time.Millisecond,
		MinStart:      time.Duration(c.cfg.Playback.MinStartMS) * time.Millisecond,
		LowWatermark:  time.Duration(c.cfg.Playback.LowWatermarkMS) * time.Millisecond,
		StartTimeout:  time.Duration(c.cfg.Playback.StartTimeoutMS) * time.Millisecond,
	}, c.engine.ctrl, c.log)

	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		sess.Close()
		pb.Close()
		return
	}
	c.sess = sess
	c.providerName = name
	c.pb = pb
	c.mu.Unlock()

	if err := c.engine.store.Update(c.id, func(s *session.CallSession) error {
		s.Provider = name
		return s.Transition(session.StateActive, time.Now().UTC())
	}); err != nil {
		c.log.Error("active transition failed", slog.String("error", err.Error()))
		c.terminate("lifecycle_error", "")
		return
	}
	c.log.Info("call active", slog.String("provider", name))

	c.engine.wg.Add(3)
	go func() {
		defer c.engine.wg.Done()
		pb.Run(c.ctx)
	}()
	go func() {
		defer c.engine.wg.Done()
		c.playbackLoop(pb)
	}()
	go func() {
		defer c.engine.wg.Done()
		c.providerLoop(sess)
	}()

	c.speakCanned(c.cfg.Prompts.Greeting)
}

// speakCanned routes a canned line through the PBX primitive and
// records it as an agent turn.
func (c *call) speakCanned(text string) {
	if text == "" {
		return
	}
	if err := c.engine.ctrl.Say(c.ctx, c.id, text); err != nil {
		c.log.Warn("say failed", slog.String("error", err.Error()))
		return
	}
	c.recordTurn(session.SpeakerAgent, text)
}

func (c *call) recordTurn(speaker session.Speaker, text string) {
	var turn session.Turn
	if err := c.engine.store.Update(c.id, func(s *session.CallSession) error {
		turn = s.AppendTurn(speaker, text, time.Now().UTC())
		return nil
	}); err != nil {
		c.log.Warn("append turn failed", slog.String("error", err.Error()))
		return
	}
	if c.engine.rec != nil {
		if err := c.engine.rec.RecordTurn(c.ctx, c.id, turn); err != nil {
			c.log.Warn("record turn failed", slog.String("error", err.Error()))
		}
	}
	switch speaker {
	case session.SpeakerCaller:
		c.engine.publishTranscript(c.id, text, turn.Seq)
	case session.SpeakerAgent:
		c.engine.publishResponse(c.id, text, turn.Seq)
	}
}

func (c *call) codecNow() audio.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

func (c *call) sessionNow() provider.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *call) onSpeechStart(at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	action := c.coord.OnSpeechStart(at)
	if action == gating.ActionStopPlayback {
		// Chunks of the interrupted response may still be streaming in
		// from the provider; drop them until the next response begins.
		c.mu.Lock()
		pb := c.pb
		c.dropAudio = true
		c.mu.Unlock()
		if pb != nil {
			pb.Stop()
		}
		if err := c.engine.ctrl.StopPlayback(c.ctx, c.id); err != nil {
			c.log.Warn("stop playback failed", slog.String("error", err.Error()))
		}
		c.engine.metrics.bargeIn(c.ctx)
		c.log.Info("barge-in, playback cut")
	}
}

func (c *call) onSpeechEnd() {
	if c.coord.OnSpeechEnd() != gating.ActionForwardTranscript {
		return
	}
	sess := c.sessionNow()
	if sess == nil {
		return
	}
	if err := sess.SendAudio(c.ctx, nil, true); err != nil {
		c.log.Warn("finalize utterance failed", slog.String("error", err.Error()))
	}
}

// onAudioFrame forwards caller audio to the provider only while the
// coordinator says the caller holds the floor. Frames during agent
// playback are self-echo and dropped.
func (c *call) onAudioFrame(payload []byte) {
	if c.coord.State() != gating.StateCallerSpeaking {
		return
	}
	sess := c.sessionNow()
	if sess == nil || len(payload) == 0 {
		return
	}
	pcm := audio.TranscodeFromWire(c.codecNow(), payload, internalRate)
	if err := sess.SendAudio(c.ctx, audio.PCM16ToBytes(pcm), false); err != nil {
		c.log.Warn("forward caller audio failed", slog.String("error", err.Error()))
	}
}

func (c *call) playbackLoop(pb *playback.Manager) {
	for evt := range pb.Events() {
		switch evt.Type {
		case playback.EventStarted:
			if c.coord.OnPlaybackStart() == gating.ActionStopPlayback {
				pb.Stop()
				if err := c.engine.ctrl.StopPlayback(c.ctx, c.id); err != nil {
					c.log.Warn("stop playback failed", slog.String("error", err.Error()))
				}
			}
		case playback.EventFinished:
			c.coord.OnPlaybackEnd()
			c.armGuardTimer()
		case playback.EventStarved:
			c.engine.metrics.starved(c.ctx)
			c.log.Warn("playback starved, inserting comfort noise")
		case playback.EventRecovered:
			c.log.Info("playback recovered")
		}
	}
}

// armGuardTimer expires the post-playback echo guard if the caller
// stays quiet through the whole window.
func (c *call) armGuardTimer() {
	window := time.Duration(c.cfg.Gating.GuardWindowMS) * time.Millisecond
	c.mu.Lock()
	if c.guardTimer != nil {
		c.guardTimer.Stop()
	}
	c.guardTimer = time.AfterFunc(window, func() {
		if c.coord.ExpireGuard(time.Now().UTC()) == gating.ActionResumeCapture {
			c.log.Debug("echo guard expired, capture open")
		}
	})
	c.mu.Unlock()
}

func (c *call) providerLoop(sess provider.Session) {
	for evt := range sess.Events() {
		switch evt.Type {
		case provider.EventPartialTranscript:
			c.log.Debug("partial transcript", slog.String("text", evt.Text))
		case provider.EventFinalTranscript:
			c.mu.Lock()
			c.clarifications = 0
			c.mu.Unlock()
			c.recordTurn(session.SpeakerCaller, evt.Text)
		case provider.EventResponseText:
			// A fresh response starts a fresh audio generation.
			c.mu.Lock()
			c.dropAudio = false
			c.mu.Unlock()
			c.recordTurn(session.SpeakerAgent, evt.Text)
		case provider.EventAudioChunk:
			c.mu.Lock()
			pb := c.pb
			drop := c.dropAudio
			c.mu.Unlock()
			if pb == nil || drop {
				continue
			}
			if len(evt.PCM) > 0 {
				if err := pb.Enqueue(evt.PCM, evt.SampleRate); err != nil {
					c.log.Warn("enqueue agent audio failed", slog.String("error", err.Error()))
				}
			}
			if evt.Final {
				pb.Finish()
			}
		case provider.EventRecognitionFailed:
			c.engine.metrics.providerFailure(c.ctx, "stt")
			c.onRecognitionFailed()
		case provider.EventResponseFailed:
			c.engine.metrics.providerFailure(c.ctx, "llm")
			c.log.Error("response generation exhausted")
			c.terminate("response_failed", c.cfg.Prompts.Apology)
			return
		case provider.EventSynthesisFailed:
			c.engine.metrics.providerFailure(c.ctx, "tts")
			if evt.Text != "" {
				c.log.Warn("synthesis failed, speaking via edge primitive")
				if err := c.engine.ctrl.Say(c.ctx, c.id, evt.Text); err != nil {
					c.log.Warn("edge say fallback failed", slog.String("error", err.Error()))
				}
			}
		case provider.EventSessionClosed:
			if c.isTerminating() {
				return
			}
			c.log.Warn("provider session lost mid-call")
			c.recover()
			return
		}
	}
}

func (c *call) onRecognitionFailed() {
	c.mu.Lock()
	c.clarifications++
	n := c.clarifications
	c.mu.Unlock()
	if n <= maxClarifications {
		c.log.Warn("recognition failed, asking caller to repeat", slog.Int("attempt", n))
		c.speakCanned(c.cfg.Prompts.Clarification)
		return
	}
	c.log.Error("recognition failed repeatedly")
	c.terminate("recognition_failed", c.cfg.Prompts.Apology)
}

// recover tries to re-establish a provider session within the
// configured budget. Playback is held and a canned line keeps the
// caller informed while the session is rebuilt.
func (c *call) recover() {
	if err := c.engine.store.Update(c.id, func(s *session.CallSession) error {
		return s.Transition(session.StateRecovering, time.Now().UTC())
	}); err != nil {
		c.log.Warn("recovering transition failed", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	pb := c.pb
	c.mu.Unlock()
	if pb != nil {
		pb.Pause()
	}
	c.speakCanned(c.cfg.Prompts.Hold)

	budget := time.Duration(c.cfg.Routing.RecoverBudgetMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(c.ctx, budget)
	defer cancel()

	sess, name, err := c.engine.sel.StartSession(ctx, c.sessionConfig())
	if err != nil {
		c.log.Error("provider recovery failed", slog.String("error", err.Error()))
		c.terminate("provider_lost", c.cfg.Prompts.Apology)
		return
	}

	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		sess.Close()
		return
	}
	c.sess = sess
	c.providerName = name
	c.mu.Unlock()

	if err := c.engine.store.Update(c.id, func(s *session.CallSession) error {
		s.Provider = name
		return s.Transition(session.StateActive, time.Now().UTC())
	}); err != nil {
		c.log.Warn("active transition after recovery failed", slog.String("error", err.Error()))
	}
	if pb != nil {
		pb.Resume()
	}
	c.engine.metrics.recovered(c.ctx)
	c.log.Info("provider session recovered", slog.String("provider", name))

	c.engine.wg.Add(1)
	go func() {
		defer c.engine.wg.Done()
		c.providerLoop(sess)
	}()
}

func (c *call) isTerminating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminating
}

// terminate tears the call down exactly once. A non-empty farewell is
// spoken through the edge primitive before the hangup command.
func (c *call) terminate(reason, farewell string) {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return
	}
	c.terminating = true
	if c.setupTimer != nil {
		c.setupTimer.Stop()
	}
	if c.guardTimer != nil {
		c.guardTimer.Stop()
	}
	sess := c.sess
	pb := c.pb
	c.mu.Unlock()

	if err := c.engine.store.Update(c.id, func(s *session.CallSession) error {
		return s.Transition(session.StateTerminating, time.Now().UTC())
	}); err != nil {
		c.log.Warn("terminating transition failed", slog.String("error", err.Error()))
	}

	ctx := context.Background()
	if farewell != "" {
		if err := c.engine.ctrl.Say(ctx, c.id, farewell); err != nil {
			c.log.Warn("farewell failed", slog.String("error", err.Error()))
		} else {
			// The farewell is part of the conversation; record it
			// before the session leaves the store.
			c.recordTurn(session.SpeakerAgent, farewell)
		}
	}
	if err := c.engine.ctrl.Hangup(ctx, c.id, reason); err != nil {
		c.log.Warn("hangup command failed", slog.String("error", err.Error()))
	}

	if pb != nil {
		pb.Close()
	}
	if sess != nil {
		sess.Close()
	}
	c.cancel()

	if err := c.engine.store.Close(c.id); err != nil {
		c.log.Warn("session close failed", slog.String("error", err.Error()))
	}
	if c.engine.rec != nil {
		if err := c.engine.rec.RecordCallEnd(ctx, c.id, reason, time.Now().UTC()); err != nil {
			c.log.Warn("record call end failed", slog.String("error", err.Error()))
		}
	}
	c.engine.remove(c.id)
	c.engine.metrics.callCompleted(ctx, reason)
	c.log.Info("call closed", slog.String("reason", reason))
}
