package callcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxcall-labs/voxcall-core/internal/protocol"
)

// NATSController bridges the media edge over the bus. Inbound subjects
// are wildcard-free broadcast subjects carrying the call id in the
// payload; outbound commands append the call id as the subject's final
// token so the edge can subscribe per call.
type NATSController struct {
	conn *nats.Conn
	log  *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	events chan Event
	closed bool

	outSeq map[string]int
}

func NewNATSController(conn *nats.Conn, log *slog.Logger) (*NATSController, error) {
	c := &NATSController{
		conn:   conn,
		log:    log.With(slog.String("component", "callcontrol")),
		events: make(chan Event, 256),
		outSeq: make(map[string]int),
	}

	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectCallStarted, c.onCallStarted},
		{protocol.SubjectMediaReady, c.onMediaReady},
		{protocol.SubjectHangup, c.onHangup},
		{protocol.SubjectVAD, c.onVAD},
		{protocol.SubjectAudioIn, c.onAudioIn},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

func (c *NATSController) emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.log.Warn("inbound event channel full, dropping",
			slog.String("kind", evt.Kind.String()),
			slog.String("call_id", evt.CallID))
	}
}

func (c *NATSController) onCallStarted(msg *nats.Msg) {
	var m protocol.CallStarted
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Warn("malformed call.started", slog.String("error", err.Error()))
		return
	}
	c.emit(Event{Kind: KindCallStarted, CallID: m.CallID, CallerID: m.CallerID, Timestamp: m.Timestamp})
}

func (c *NATSController) onMediaReady(msg *nats.Msg) {
	var m protocol.MediaReady
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Warn("malformed media.ready", slog.String("error", err.Error()))
		return
	}
	c.emit(Event{Kind: KindMediaReady, CallID: m.CallID, Codec: m.Codec, Timestamp: m.Timestamp})
}

func (c *NATSController) onHangup(msg *nats.Msg) {
	var m protocol.Hangup
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Warn("malformed hangup", slog.String("error", err.Error()))
		return
	}
	c.emit(Event{Kind: KindHangup, CallID: m.CallID, Reason: m.Reason, Timestamp: m.Timestamp})
}

func (c *NATSController) onVAD(msg *nats.Msg) {
	var m protocol.VADEvent
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Warn("malformed vad event", slog.String("error", err.Error()))
		return
	}
	kind := KindSpeechStart
	if m.EventType == protocol.EventSpeechEnd {
		kind = KindSpeechEnd
	}
	c.emit(Event{Kind: kind, CallID: m.CallID, Timestamp: m.Timestamp})
}

func (c *NATSController) onAudioIn(msg *nats.Msg) {
	var m protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Warn("malformed inbound audio frame", slog.String("error", err.Error()))
		return
	}
	c.emit(Event{Kind: KindAudioFrame, CallID: m.CallID, Codec: m.Codec, Sequence: m.Sequence, Payload: m.Payload, Timestamp: m.Timestamp})
}

func perCall(prefix, callID string) string {
	return prefix + "." + callID
}

func (c *NATSController) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *NATSController) Answer(_ context.Context, callID string) error {
	return c.publish(perCall(protocol.SubjectAnswerPrefix, callID), protocol.CallStarted{
		EventType: protocol.EventAnswer,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
	})
}

func (c *NATSController) WriteFrame(callID string, frame []byte) error {
	c.mu.Lock()
	seq := c.outSeq[callID]
	c.outSeq[callID] = seq + 1
	c.mu.Unlock()
	return c.publish(perCall(protocol.SubjectAudioOutPrefix, callID), protocol.AudioFrame{
		EventType: protocol.EventAudioFrame,
		CallID:    callID,
		Sequence:  seq,
		Payload:   frame,
		Timestamp: time.Now().UTC(),
	})
}

func (c *NATSController) StopPlayback(_ context.Context, callID string) error {
	return c.publish(perCall(protocol.SubjectStopPlaybackPrefix, callID), protocol.Hangup{
		EventType: protocol.EventStopPlayback,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
	})
}

func (c *NATSController) Say(_ context.Context, callID, text string) error {
	return c.publish(perCall(protocol.SubjectSayPrefix, callID), protocol.Say{
		EventType: protocol.EventSay,
		CallID:    callID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (c *NATSController) Hangup(_ context.Context, callID, reason string) error {
	c.mu.Lock()
	delete(c.outSeq, callID)
	c.mu.Unlock()
	return c.publish(perCall(protocol.SubjectHangupOutPrefix, callID), protocol.Hangup{
		EventType: protocol.EventHangup,
		CallID:    callID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (c *NATSController) Events() <-chan Event {
	return c.events
}

func (c *NATSController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.events)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}
