package gating

import (
	"log/slog"
	"sync"
	"time"
)

// State is the capture/playback gate for one call.
type State int

const (
	StateIdle State = iota
	StateAgentSpeaking
	StateCallerSpeaking
	StateGuardWindow
)

func (s State) String() string {
	switch s {
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateCallerSpeaking:
		return "caller_speaking"
	case StateGuardWindow:
		return "guard_window"
	default:
		return "idle"
	}
}

// Action is the side effect the caller of the coordinator must apply.
type Action int

const (
	ActionNone Action = iota
	// ActionSuppressEcho enables self-echo suppression on capture.
	ActionSuppressEcho
	// ActionStopPlayback interrupts agent audio (barge-in).
	ActionStopPlayback
	// ActionResumeCapture re-enables normal capture after the guard
	// window lapses.
	ActionResumeCapture
	// ActionForwardTranscript hands the finished caller utterance to
	// the transcript pipeline.
	ActionForwardTranscript
)

// Coordinator owns the gating state machine for one call. Voice
// activity runs on the raw capture stream upstream of any gating, so
// the coordinator alone decides whether a speech event is actionable;
// this keeps capture gating and playback pacing free of races.
type Coordinator struct {
	mu            sync.Mutex
	state         State
	guardDeadline time.Time
	guardWindow   time.Duration
	clock         func() time.Time
	log           *slog.Logger
}

func NewCoordinator(guardWindow time.Duration, log *slog.Logger) *Coordinator {
	return &Coordinator{
		state:       StateIdle,
		guardWindow: guardWindow,
		clock:       time.Now,
		log:         log.With(slog.String("component", "gating")),
	}
}

// State reports the current gate.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireGuardLocked(c.clock())
	return c.state
}

// OnPlaybackStart is called when the playback manager emits the first
// frame of an agent response. While the caller holds the floor the
// start is refused: audio arriving now is the tail of an interrupted
// response and must be cut, not allowed to take the state back to
// agent_speaking.
func (c *Coordinator) OnPlaybackStart() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCallerSpeaking {
		c.log.Debug("playback start refused, caller holds the floor")
		return ActionStopPlayback
	}
	prev := c.state
	c.state = StateAgentSpeaking
	c.guardDeadline = time.Time{}
	c.logTransition(prev, "playback_start")
	return ActionSuppressEcho
}

// OnPlaybackEnd is called when a response drains naturally. It opens
// the guard window during which trailing self-echo is ignored.
func (c *Coordinator) OnPlaybackEnd() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAgentSpeaking {
		return ActionNone
	}
	c.state = StateGuardWindow
	c.guardDeadline = c.clock().Add(c.guardWindow)
	c.logTransition(StateAgentSpeaking, "playback_end")
	return ActionNone
}

// OnSpeechStart handles a voice-activity onset stamped at. The guard
// boundary is deterministic: an onset strictly before the deadline is
// treated as genuine caller speech inside the window; at or after the
// deadline the window is considered already expired.
func (c *Coordinator) OnSpeechStart(at time.Time) Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireGuardLocked(at)
	prev := c.state
	switch c.state {
	case StateAgentSpeaking:
		c.state = StateCallerSpeaking
		c.logTransition(prev, "speech_start barge-in")
		return ActionStopPlayback
	case StateGuardWindow:
		c.state = StateCallerSpeaking
		c.guardDeadline = time.Time{}
		c.logTransition(prev, "speech_start in guard window")
		return ActionNone
	case StateIdle:
		c.state = StateCallerSpeaking
		c.logTransition(prev, "speech_start")
		return ActionNone
	default:
		return ActionNone
	}
}

// OnSpeechEnd closes a caller utterance.
func (c *Coordinator) OnSpeechEnd() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCallerSpeaking {
		return ActionNone
	}
	c.state = StateIdle
	c.logTransition(StateCallerSpeaking, "speech_end")
	return ActionForwardTranscript
}

// ExpireGuard is driven by the per-call worker's timer. It reports
// whether the guard window lapsed, in which case normal capture is
// re-enabled.
func (c *Coordinator) ExpireGuard(now time.Time) Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expireGuardLocked(now) {
		return ActionResumeCapture
	}
	return ActionNone
}

// GuardDeadline exposes the pending guard expiry, zero when no window
// is open.
func (c *Coordinator) GuardDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guardDeadline
}

func (c *Coordinator) expireGuardLocked(now time.Time) bool {
	if c.state != StateGuardWindow || c.guardDeadline.IsZero() {
		return false
	}
	if now.Before(c.guardDeadline) {
		return false
	}
	c.state = StateIdle
	c.guardDeadline = time.Time{}
	c.logTransition(StateGuardWindow, "guard timer expired")
	return true
}

func (c *Coordinator) logTransition(from State, event string) {
	c.log.Debug("gating transition",
		slog.String("from", from.String()),
		slog.String("to", c.state.String()),
		slog.String("event", event))
}
