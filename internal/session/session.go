package session

import (
	"fmt"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/audio"
)

// LifecycleState tracks a call through its life.
type LifecycleState string

const (
	StateCreated     LifecycleState = "created"
	StateConnecting  LifecycleState = "connecting"
	StateActive      LifecycleState = "active"
	StateRecovering  LifecycleState = "recovering"
	StateTerminating LifecycleState = "terminating"
	StateClosed      LifecycleState = "closed"
)

var transitions = map[LifecycleState][]LifecycleState{
	StateCreated:     {StateConnecting, StateTerminating},
	StateConnecting:  {StateActive, StateTerminating},
	StateActive:      {StateRecovering, StateTerminating},
	StateRecovering:  {StateActive, StateTerminating},
	StateTerminating: {StateClosed},
	StateClosed:      {},
}

// Speaker tags a conversation turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one append-only conversation record. Sequence numbers are
// monotonically increasing within a call.
type Turn struct {
	Seq       int
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// CallSession is the aggregate per-call state. It is mutated only
// through the Store's accessor, which serializes access per entry.
type CallSession struct {
	CallID   string
	CallerID string
	TraceID  string

	CreatedAt    time.Time
	AnsweredAt   time.Time
	TerminatedAt time.Time

	State    LifecycleState
	Provider string
	Codec    audio.Codec

	turns   []Turn
	nextSeq int
}

// Transition moves the session to next, rejecting moves the lifecycle
// does not allow.
func (s *CallSession) Transition(next LifecycleState, now time.Time) error {
	for _, allowed := range transitions[s.State] {
		if allowed == next {
			switch next {
			case StateActive:
				if s.AnsweredAt.IsZero() {
					s.AnsweredAt = now
				}
			case StateTerminating:
				s.TerminatedAt = now
			}
			s.State = next
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", s.State, next)
}

// Terminal reports whether the session has reached its end state.
func (s *CallSession) Terminal() bool {
	return s.State == StateClosed
}

// AppendTurn records one conversation turn and returns its sequence.
func (s *CallSession) AppendTurn(speaker Speaker, text string, now time.Time) Turn {
	t := Turn{
		Seq:       s.nextSeq,
		Speaker:   speaker,
		Text:      text,
		Timestamp: now,
	}
	s.nextSeq++
	s.turns = append(s.turns, t)
	return t
}

// Turns returns a copy of the conversation so far.
func (s *CallSession) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}
