package callcontrol

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxcall-labs/voxcall-core/internal/config"
	"github.com/voxcall-labs/voxcall-core/internal/natsserver"
	"github.com/voxcall-labs/voxcall-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start embedded bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
	return Event{}
}

func TestNATSControllerInboundEvents(t *testing.T) {
	conn := startBus(t)
	ctrl, err := NewNATSController(conn, testLogger())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	edge, err := nats.Connect(conn.ConnectedUrl())
	if err != nil {
		t.Fatalf("edge connect: %v", err)
	}
	defer edge.Close()

	publish := func(subject string, v any) {
		t.Helper()
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := edge.Publish(subject, payload); err != nil {
			t.Fatalf("publish %s: %v", subject, err)
		}
	}

	now := time.Now().UTC()
	publish(protocol.SubjectCallStarted, protocol.CallStarted{
		EventType: protocol.EventCallStarted, CallID: "c1", CallerID: "+15550100", Timestamp: now,
	})
	evt := waitEvent(t, ctrl.Events())
	if evt.Kind != KindCallStarted || evt.CallID != "c1" || evt.CallerID != "+15550100" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	publish(protocol.SubjectMediaReady, protocol.MediaReady{
		EventType: protocol.EventMediaReady, CallID: "c1", Codec: "ulaw", Timestamp: now,
	})
	evt = waitEvent(t, ctrl.Events())
	if evt.Kind != KindMediaReady || evt.Codec != "ulaw" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	publish(protocol.SubjectVAD, protocol.VADEvent{
		EventType: protocol.EventSpeechStart, CallID: "c1", Timestamp: now,
	})
	if evt = waitEvent(t, ctrl.Events()); evt.Kind != KindSpeechStart {
		t.Fatalf("unexpected event: %+v", evt)
	}

	publish(protocol.SubjectVAD, protocol.VADEvent{
		EventType: protocol.EventSpeechEnd, CallID: "c1", Timestamp: now,
	})
	if evt = waitEvent(t, ctrl.Events()); evt.Kind != KindSpeechEnd {
		t.Fatalf("unexpected event: %+v", evt)
	}

	publish(protocol.SubjectAudioIn, protocol.AudioFrame{
		EventType: protocol.EventAudioFrame, CallID: "c1", Sequence: 7,
		Codec: "ulaw", Payload: []byte{0xFF, 0xFF}, Timestamp: now,
	})
	evt = waitEvent(t, ctrl.Events())
	if evt.Kind != KindAudioFrame || evt.Sequence != 7 || len(evt.Payload) != 2 {
		t.Fatalf("unexpected event: %+v", evt)
	}

	publish(protocol.SubjectHangup, protocol.Hangup{
		EventType: protocol.EventHangup, CallID: "c1", Reason: "caller_hangup", Timestamp: now,
	})
	evt = waitEvent(t, ctrl.Events())
	if evt.Kind != KindHangup || evt.Reason != "caller_hangup" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestNATSControllerOutboundCommands(t *testing.T) {
	conn := startBus(t)
	ctrl, err := NewNATSController(conn, testLogger())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer ctrl.Close()

	edge, err := nats.Connect(conn.ConnectedUrl())
	if err != nil {
		t.Fatalf("edge connect: %v", err)
	}
	defer edge.Close()

	audio := make(chan *nats.Msg, 8)
	sub, err := edge.ChanSubscribe(protocol.SubjectAudioOutPrefix+".c2", audio)
	if err != nil {
		t.Fatalf("subscribe audio out: %v", err)
	}
	defer sub.Unsubscribe()
	say := make(chan *nats.Msg, 1)
	subSay, err := edge.ChanSubscribe(protocol.SubjectSayPrefix+".c2", say)
	if err != nil {
		t.Fatalf("subscribe say: %v", err)
	}
	defer subSay.Unsubscribe()
	hangup := make(chan *nats.Msg, 1)
	subHangup, err := edge.ChanSubscribe(protocol.SubjectHangupOutPrefix+".c2", hangup)
	if err != nil {
		t.Fatalf("subscribe hangup out: %v", err)
	}
	defer subHangup.Unsubscribe()
	edge.Flush()

	if err := ctrl.WriteFrame("c2", []byte{1, 2, 3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := ctrl.WriteFrame("c2", []byte{4, 5, 6}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := ctrl.Say(context.Background(), "c2", "please hold"); err != nil {
		t.Fatalf("say: %v", err)
	}

	var frames []protocol.AudioFrame
	for len(frames) < 2 {
		select {
		case msg := <-audio:
			var f protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &f); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			frames = append(frames, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d frames", len(frames))
		}
	}
	if frames[0].Sequence != 0 || frames[1].Sequence != 1 {
		t.Fatalf("outbound sequence not monotonic: %d then %d", frames[0].Sequence, frames[1].Sequence)
	}

	select {
	case msg := <-say:
		var s protocol.Say
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			t.Fatalf("decode say: %v", err)
		}
		if s.Text != "please hold" {
			t.Fatalf("unexpected say text %q", s.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for say")
	}

	// Hangup goes out on its own command subject, never the inbound
	// hangup subject, and releases the call's frame counter.
	if err := ctrl.Hangup(context.Background(), "c2", "policy"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	select {
	case msg := <-hangup:
		var h protocol.Hangup
		if err := json.Unmarshal(msg.Data, &h); err != nil {
			t.Fatalf("decode hangup: %v", err)
		}
		if h.Reason != "policy" {
			t.Fatalf("unexpected hangup reason %q", h.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hangup command")
	}
	select {
	case evt := <-ctrl.Events():
		t.Fatalf("hangup command echoed back as inbound event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}

	if err := ctrl.WriteFrame("c2", []byte{7, 8, 9}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	select {
	case msg := <-audio:
		var f protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Sequence != 0 {
			t.Fatalf("frame counter not released on hangup, sequence %d", f.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-hangup frame")
	}
}

func TestLoopbackRecordsCommands(t *testing.T) {
	lb := NewLoopback()
	defer lb.Close()

	ctx := context.Background()
	if err := lb.Answer(ctx, "c3"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := lb.WriteFrame("c3", []byte{9}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := lb.StopPlayback(ctx, "c3"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := lb.Say(ctx, "c3", "goodbye"); err != nil {
		t.Fatalf("say: %v", err)
	}
	if err := lb.Hangup(ctx, "c3", "policy"); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	if got := lb.Answered(); len(got) != 1 || got[0] != "c3" {
		t.Fatalf("unexpected answered calls: %v", got)
	}
	if got := lb.Frames("c3"); len(got) != 1 || got[0][0] != 9 {
		t.Fatalf("unexpected frames: %v", got)
	}
	if got := lb.Stopped(); len(got) != 1 {
		t.Fatalf("unexpected stops: %v", got)
	}
	if got := lb.Said("c3"); len(got) != 1 || got[0] != "goodbye" {
		t.Fatalf("unexpected says: %v", got)
	}
	if reason, ok := lb.HangupReason("c3"); !ok || reason != "policy" {
		t.Fatalf("unexpected hangup reason %q ok=%v", reason, ok)
	}

	lb.Inject(Event{Kind: KindCallStarted, CallID: "c4"})
	evt := waitEvent(t, lb.Events())
	if evt.Kind != KindCallStarted || evt.CallID != "c4" {
		t.Fatalf("unexpected injected event: %+v", evt)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("inject should stamp a timestamp")
	}
}
