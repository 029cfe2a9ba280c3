package callengine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/audio"
	"github.com/voxcall-labs/voxcall-core/internal/callcontrol"
	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/provider"
	"github.com/voxcall-labs/voxcall-core/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Snapshot() *config.Config { return s.cfg }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Call.FrameDurationMS = 5
	cfg.Call.SetupTimeoutMS = 300
	cfg.Playback.MinStartMS = 10
	cfg.Playback.LowWatermarkMS = 5
	cfg.Playback.StartTimeoutMS = 50
	cfg.Gating.GuardWindowMS = 30
	cfg.Routing.StartRetries = 2
	cfg.Routing.RecoverBudgetMS = 500
	cfg.Prompts.Greeting = ""
	return &cfg
}

type fixture struct {
	engine *Engine
	edge   *callcontrol.Loopback
	store  *session.Store
	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T, cfg *config.Config, providers ...provider.Provider) *fixture {
	return newFixtureOpts(t, cfg, Options{}, providers...)
}

func newFixtureOpts(t *testing.T, cfg *config.Config, opts Options, providers ...provider.Provider) *fixture {
	t.Helper()
	edge := callcontrol.NewLoopback()
	store := session.NewStore()
	sel := provider.NewSelector(cfg.Routing, testLogger())
	for _, p := range providers {
		if err := sel.Register(p); err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}
	eng, err := New(staticConfig{cfg}, store, edge, sel, opts, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	f := &fixture{engine: eng, edge: edge, store: store, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		edge.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) startCall(t *testing.T, callID string) {
	t.Helper()
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindCallStarted, CallID: callID, CallerID: "+15550100"})
	waitFor(t, "answer", func() bool {
		return len(f.edge.Answered()) > 0
	})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindMediaReady, CallID: callID, Codec: "ulaw"})
}

func (f *fixture) callState(callID string) (session.LifecycleState, bool) {
	for _, info := range f.store.Snapshot() {
		if info.CallID == callID {
			return info.State, true
		}
	}
	return "", false
}

// captureRecorder stands in for the durable timeline so tests can see
// turns after the session has left the store.
type captureRecorder struct {
	mu    sync.Mutex
	turns map[string][]session.Turn
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{turns: make(map[string][]session.Turn)}
}

func (r *captureRecorder) RecordCallStart(_ context.Context, _, _, _ string, _ time.Time) error {
	return nil
}

func (r *captureRecorder) RecordCallEnd(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

func (r *captureRecorder) RecordTurn(_ context.Context, callID string, turn session.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[callID] = append(r.turns[callID], turn)
	return nil
}

func (r *captureRecorder) Turns(callID string) []session.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Turn(nil), r.turns[callID]...)
}

func scriptedTurn(transcript, response string, audioMillis int) []provider.Event {
	pcm := make([]byte, 2*audio.TelephonyRate*audioMillis/1000)
	return []provider.Event{
		{Type: provider.EventFinalTranscript, Text: transcript, Confidence: 0.9},
		{Type: provider.EventResponseText, Text: response},
		{Type: provider.EventAudioChunk, PCM: pcm, SampleRate: audio.TelephonyRate, Final: true},
	}
}

func TestCallReachesActiveAndAnswers(t *testing.T) {
	f := newFixture(t, testConfig(), provider.NewMockProvider("mock", provider.MockScript{}))
	f.startCall(t, "c1")

	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})
	if got := f.edge.Answered(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("unexpected answers: %v", got)
	}
}

func TestCallerTurnProducesTranscriptResponseAndAudio(t *testing.T) {
	script := provider.MockScript{Turns: [][]provider.Event{
		scriptedTurn("what are your hours", "we are open nine to five", 60),
	}}
	f := newFixture(t, testConfig(), provider.NewMockProvider("mock", script))
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindAudioFrame, CallID: "c1", Codec: "ulaw", Payload: make([]byte, 40)})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})

	var turns []session.Turn
	waitFor(t, "both turns recorded", func() bool {
		turns = nil
		err := f.store.Update("c1", func(s *session.CallSession) error {
			turns = s.Turns()
			return nil
		})
		return err == nil && len(turns) >= 2
	})
	if turns[0].Speaker != session.SpeakerCaller || turns[0].Text != "what are your hours" {
		t.Fatalf("unexpected caller turn: %+v", turns[0])
	}
	if turns[1].Speaker != session.SpeakerAgent || turns[1].Text != "we are open nine to five" {
		t.Fatalf("unexpected agent turn: %+v", turns[1])
	}
	if turns[0].Seq >= turns[1].Seq {
		t.Fatalf("turn sequence not monotonic: %d then %d", turns[0].Seq, turns[1].Seq)
	}

	waitFor(t, "paced agent audio", func() bool {
		return len(f.edge.Frames("c1")) > 0
	})
	frameBytes := audio.FrameBytes(5 * time.Millisecond)
	for i, frame := range f.edge.Frames("c1") {
		if len(frame) != frameBytes {
			t.Fatalf("frame %d has %d bytes, want %d", i, len(frame), frameBytes)
		}
	}
}

func TestBargeInCutsPlayback(t *testing.T) {
	script := provider.MockScript{Turns: [][]provider.Event{
		scriptedTurn("tell me a story", "once upon a time there was a very long story", 400),
	}}
	f := newFixture(t, testConfig(), provider.NewMockProvider("mock", script))
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})

	waitFor(t, "agent audio flowing", func() bool {
		return len(f.edge.Frames("c1")) > 2
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	waitFor(t, "stop playback command", func() bool {
		return len(f.edge.Stopped()) > 0
	})

	// At most one already-queued frame may land after the cut.
	n := len(f.edge.Frames("c1"))
	time.Sleep(60 * time.Millisecond)
	if got := len(f.edge.Frames("c1")); got > n+1 {
		t.Fatalf("playback kept flowing after barge-in: %d then %d frames", n, got)
	}
}

func TestProviderStartExhaustionApologizesAndCloses(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.Primary = "broken"
	broken := provider.NewMockProvider("broken", provider.MockScript{FailStarts: 100})
	rec := newCaptureRecorder()
	f := newFixtureOpts(t, cfg, Options{Recorder: rec}, broken)
	f.startCall(t, "c1")

	waitFor(t, "call removed from store", func() bool {
		return !f.store.Contains("c1")
	})
	if got := f.edge.Said("c1"); len(got) == 0 || got[len(got)-1] != cfg.Prompts.Apology {
		t.Fatalf("expected apology before hangup, got %v", got)
	}
	if reason, ok := f.edge.HangupReason("c1"); !ok || reason != "provider_unavailable" {
		t.Fatalf("unexpected hangup reason %q ok=%v", reason, ok)
	}
	turns := rec.Turns("c1")
	if len(turns) == 0 {
		t.Fatal("apology was never recorded as a turn")
	}
	last := turns[len(turns)-1]
	if last.Speaker != session.SpeakerAgent || last.Text != cfg.Prompts.Apology {
		t.Fatalf("expected recorded apology turn, got %+v", last)
	}
	waitFor(t, "worker removed", func() bool {
		return f.engine.ActiveCalls() == 0
	})
}

func TestCallerHangupCleansUp(t *testing.T) {
	f := newFixture(t, testConfig(), provider.NewMockProvider("mock", provider.MockScript{}))
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindHangup, CallID: "c1", Reason: "caller_hangup"})
	waitFor(t, "call removed", func() bool {
		return !f.store.Contains("c1") && f.engine.ActiveCalls() == 0
	})
	if got := f.edge.Said("c1"); len(got) != 0 {
		t.Fatalf("no farewell expected after caller hangup, got %v", got)
	}
}

func TestSetupTimeoutWithoutMedia(t *testing.T) {
	cfg := testConfig()
	cfg.Call.SetupTimeoutMS = 50
	f := newFixture(t, cfg, provider.NewMockProvider("mock", provider.MockScript{}))

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindCallStarted, CallID: "c1", CallerID: "+15550100"})
	waitFor(t, "call admitted", func() bool {
		return len(f.edge.Answered()) > 0
	})
	waitFor(t, "setup timeout teardown", func() bool {
		_, ok := f.edge.HangupReason("c1")
		return ok && !f.store.Contains("c1")
	})
	if reason, _ := f.edge.HangupReason("c1"); reason != "setup_timeout" {
		t.Fatalf("unexpected hangup reason %q", reason)
	}
}

func TestRepeatedRecognitionFailuresEndTheCall(t *testing.T) {
	cfg := testConfig()
	script := provider.MockScript{Turns: [][]provider.Event{
		{{Type: provider.EventRecognitionFailed}},
		{{Type: provider.EventRecognitionFailed}},
		{{Type: provider.EventRecognitionFailed}},
	}}
	f := newFixture(t, cfg, provider.NewMockProvider("mock", script))
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})

	speakTurn := func() {
		f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
		f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})
	}

	speakTurn()
	waitFor(t, "first clarification", func() bool {
		return len(f.edge.Said("c1")) == 1
	})
	speakTurn()
	waitFor(t, "second clarification", func() bool {
		return len(f.edge.Said("c1")) == 2
	})
	for _, said := range f.edge.Said("c1") {
		if said != cfg.Prompts.Clarification {
			t.Fatalf("expected clarification prompt, got %q", said)
		}
	}

	speakTurn()
	waitFor(t, "call closed after third failure", func() bool {
		return !f.store.Contains("c1")
	})
	said := f.edge.Said("c1")
	if said[len(said)-1] != cfg.Prompts.Apology {
		t.Fatalf("expected final apology, got %v", said)
	}
	if reason, _ := f.edge.HangupReason("c1"); reason != "recognition_failed" {
		t.Fatalf("unexpected hangup reason %q", reason)
	}
}

// flakySession closes itself after the first final utterance,
// simulating a dropped provider connection mid-call.
type flakyProvider struct {
	mu     sync.Mutex
	starts int
}

func (p *flakyProvider) Name() string { return "flaky" }
func (p *flakyProvider) Ready() bool  { return true }

func (p *flakyProvider) StartSession(_ context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return &flakySession{dropOnFinal: p.starts == 1, events: make(chan provider.Event, 8)}, nil
}

func (p *flakyProvider) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type flakySession struct {
	mu          sync.Mutex
	dropOnFinal bool
	closed      bool
	seq         int
	events      chan provider.Event
}

func (s *flakySession) SendAudio(_ context.Context, _ []byte, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrSessionClosed
	}
	if final && s.dropOnFinal {
		s.closed = true
		s.events <- provider.Event{Type: provider.EventSessionClosed, Seq: s.seq}
		s.seq++
		close(s.events)
	}
	return nil
}

func (s *flakySession) Events() <-chan provider.Event { return s.events }

func (s *flakySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func TestProviderSessionLossRecoversMidCall(t *testing.T) {
	flaky := &flakyProvider{}
	cfg := testConfig()
	cfg.Routing.Primary = "flaky"
	cfg.Routing.Fallbacks = nil
	f := newFixture(t, cfg, flaky)
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})

	waitFor(t, "session re-established", func() bool {
		return flaky.Starts() == 2
	})
	waitFor(t, "back to active", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})
	if !f.store.Contains("c1") {
		t.Fatal("call should survive a provider drop inside the recovery budget")
	}
	waitFor(t, "hold prompt spoken", func() bool {
		for _, said := range f.edge.Said("c1") {
			if said == cfg.Prompts.Hold {
				return true
			}
		}
		return false
	})
}

// manualProvider hands out sessions the test drives event by event,
// so provider timing can be controlled independently of caller timing.
type manualProvider struct {
	mu   sync.Mutex
	sess *manualSession
}

func (p *manualProvider) Name() string { return "manual" }
func (p *manualProvider) Ready() bool  { return true }

func (p *manualProvider) StartSession(_ context.Context, _ provider.SessionConfig) (provider.Session, error) {
	s := &manualSession{events: make(chan provider.Event, 64)}
	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()
	return s, nil
}

func (p *manualProvider) session() *manualSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

type manualSession struct {
	mu     sync.Mutex
	seq    int
	sent   int
	finals int
	closed bool
	events chan provider.Event
}

func (s *manualSession) SendAudio(_ context.Context, _ []byte, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrSessionClosed
	}
	if final {
		s.finals++
	} else {
		s.sent++
	}
	return nil
}

func (s *manualSession) Emit(evts ...provider.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, evt := range evts {
		evt.Seq = s.seq
		s.seq++
		s.events <- evt
	}
}

func (s *manualSession) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *manualSession) Finals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finals
}

func (s *manualSession) Events() <-chan provider.Event { return s.events }

func (s *manualSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func TestLateResponseAudioAfterBargeInIsDropped(t *testing.T) {
	mp := &manualProvider{}
	cfg := testConfig()
	cfg.Routing.Primary = "manual"
	cfg.Routing.Fallbacks = nil
	f := newFixture(t, cfg, mp)
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})
	sess := mp.session()

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})
	waitFor(t, "utterance finalized", func() bool {
		return sess.Finals() == 1
	})

	longPCM := make([]byte, 2*audio.TelephonyRate*400/1000)
	sess.Emit(
		provider.Event{Type: provider.EventResponseText, Text: "a very long answer"},
		provider.Event{Type: provider.EventAudioChunk, PCM: longPCM, SampleRate: audio.TelephonyRate},
	)
	waitFor(t, "agent audio flowing", func() bool {
		return len(f.edge.Frames("c1")) > 2
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	waitFor(t, "stop playback command", func() bool {
		return len(f.edge.Stopped()) > 0
	})
	cut := len(f.edge.Frames("c1"))

	// The tail of the interrupted response arrives after the cut. It
	// must not rearm playback or take the floor back from the caller.
	sess.Emit(provider.Event{Type: provider.EventAudioChunk, PCM: longPCM, SampleRate: audio.TelephonyRate, Final: true})
	time.Sleep(80 * time.Millisecond)
	if got := len(f.edge.Frames("c1")); got > cut+1 {
		t.Fatalf("cancelled response replayed after barge-in: %d then %d frames", cut, got)
	}

	// The caller still holds the floor: their audio keeps forwarding.
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindAudioFrame, CallID: "c1", Codec: "ulaw", Payload: make([]byte, 40)})
	waitFor(t, "caller audio forwarded", func() bool {
		return sess.Sent() >= 1
	})

	// The next response plays normally once the caller finishes.
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})
	waitFor(t, "second utterance finalized", func() bool {
		return sess.Finals() == 2
	})
	sess.Emit(
		provider.Event{Type: provider.EventResponseText, Text: "the follow-up"},
		provider.Event{Type: provider.EventAudioChunk, PCM: longPCM[:2*audio.TelephonyRate*100/1000], SampleRate: audio.TelephonyRate, Final: true},
	)
	waitFor(t, "fresh response playing", func() bool {
		return len(f.edge.Frames("c1")) > cut+1
	})
}

func TestStaleEventsAfterCloseAreNoOps(t *testing.T) {
	f := newFixture(t, testConfig(), provider.NewMockProvider("mock", provider.MockScript{}))
	f.startCall(t, "c1")
	waitFor(t, "active state", func() bool {
		state, ok := f.callState("c1")
		return ok && state == session.StateActive
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindHangup, CallID: "c1", Reason: "caller_hangup"})
	waitFor(t, "call removed", func() bool {
		return !f.store.Contains("c1")
	})

	stops := len(f.edge.Stopped())
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechStart, CallID: "c1"})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindAudioFrame, CallID: "c1", Payload: make([]byte, 40)})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindSpeechEnd, CallID: "c1"})

	time.Sleep(50 * time.Millisecond)
	if f.store.Contains("c1") {
		t.Fatal("stale events must not resurrect a closed call")
	}
	if len(f.edge.Stopped()) != stops {
		t.Fatal("stale speech events must not issue commands")
	}
}

func TestConcurrentCallsIsolated(t *testing.T) {
	script := func() provider.MockScript {
		return provider.MockScript{Turns: [][]provider.Event{
			scriptedTurn("hello", "hi there", 30),
		}}
	}
	f := newFixture(t, testConfig(), provider.NewMockProvider("mock", script()))

	f.startCall(t, "a")
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindCallStarted, CallID: "b", CallerID: "+15550101"})
	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindMediaReady, CallID: "b", Codec: "alaw"})

	waitFor(t, "both calls active", func() bool {
		sa, oka := f.callState("a")
		sb, okb := f.callState("b")
		return oka && okb && sa == session.StateActive && sb == session.StateActive
	})

	f.edge.Inject(callcontrol.Event{Kind: callcontrol.KindHangup, CallID: "a", Reason: "caller_hangup"})
	waitFor(t, "call a removed", func() bool {
		return !f.store.Contains("a")
	})
	if state, ok := f.callState("b"); !ok || state != session.StateActive {
		t.Fatalf("call b disturbed by call a teardown: %v %v", state, ok)
	}
}

func TestGreetingSpokenOnActive(t *testing.T) {
	cfg := testConfig()
	cfg.Prompts.Greeting = "thanks for calling"
	f := newFixture(t, cfg, provider.NewMockProvider("mock", provider.MockScript{}))
	f.startCall(t, "c1")

	waitFor(t, "greeting", func() bool {
		said := f.edge.Said("c1")
		return len(said) == 1 && said[0] == "thanks for calling"
	})
	var turns []session.Turn
	waitFor(t, "greeting turn recorded", func() bool {
		turns = nil
		err := f.store.Update("c1", func(s *session.CallSession) error {
			turns = s.Turns()
			return nil
		})
		return err == nil && len(turns) == 1
	})
	if turns[0].Speaker != session.SpeakerAgent {
		t.Fatalf("greeting should be an agent turn: %+v", turns[0])
	}
}
