package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxcall-labs/voxcall-core/internal/audio"
)

// ErrClosed is returned when audio is enqueued on a terminated buffer.
var ErrClosed = errors.New("playback: closed buffer")

// FrameSink receives paced telephony frames for the outbound media
// path.
type FrameSink interface {
	WriteFrame(callID string, frame []byte) error
}

// EventType describes a playback lifecycle event.
type EventType int

const (
	// EventStarted fires when the first frame of a response is about
	// to be emitted.
	EventStarted EventType = iota
	// EventFinished fires when a response has fully drained.
	EventFinished
	// EventStarved fires when the buffer falls below the low
	// watermark mid-playback.
	EventStarved
	// EventRecovered fires when the buffer climbs back above the low
	// watermark.
	EventRecovered
)

// Event is delivered to the conversation coordinator.
type Event struct {
	Type EventType
	At   time.Time
}

// Config tunes one Manager instance. One Manager exists per call.
type Config struct {
	CallID        string
	Codec         audio.Codec
	FrameDuration time.Duration
	MinStart      time.Duration
	LowWatermark  time.Duration
	StartTimeout  time.Duration
}

// Manager paces provider audio into fixed-size telephony frames. A
// periodic tick pops exactly one frame, decoupling provider production
// rate from telephony consumption rate. All state is guarded by one
// mutex so Stop takes effect before the next tick.
type Manager struct {
	cfg   Config
	sink  FrameSink
	log   *slog.Logger
	clock func() time.Time

	mu           sync.Mutex
	frames       [][]byte
	partial      []byte
	resampler    *audio.StreamResampler
	sourceRate   int
	frameBytes   int
	playing      bool
	paused       bool
	starved      bool
	degraded     bool
	final        bool
	closed       bool
	waitingSince time.Time

	events chan Event
}

func NewManager(cfg Config, sink FrameSink, log *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		sink:       sink,
		log:        log.With(slog.String("component", "playback"), slog.String("call_id", cfg.CallID)),
		clock:      time.Now,
		frameBytes: audio.FrameBytes(cfg.FrameDuration),
		events:     make(chan Event, 16),
	}
}

// Events delivers playback lifecycle events to the coordinator.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Enqueue transcodes provider PCM16 audio (little-endian bytes at
// sourceRate) into the call's wire format and appends it to the jitter
// buffer. A zero-length enqueue is a no-op.
func (m *Manager) Enqueue(pcm []byte, sourceRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	// One resampler per response so interpolation phase carries across
	// chunk boundaries: the emitted frames depend only on the total
	// audio, not on the enqueue granularity.
	if m.resampler == nil || m.sourceRate != sourceRate {
		m.resampler = audio.NewStreamResampler(sourceRate, audio.TelephonyRate)
		m.sourceRate = sourceRate
	}
	wire := audio.Encode(m.cfg.Codec, m.resampler.Process(audio.BytesToPCM16(pcm)))
	m.partial = append(m.partial, wire...)
	for len(m.partial) >= m.frameBytes {
		frame := make([]byte, m.frameBytes)
		copy(frame, m.partial[:m.frameBytes])
		m.partial = m.partial[m.frameBytes:]
		m.frames = append(m.frames, frame)
	}
	if !m.playing && m.waitingSince.IsZero() {
		m.waitingSince = m.clock()
	}
	return nil
}

// Finish marks the current response complete: once the buffer drains
// the manager reports playback end and rearms for the next response.
func (m *Manager) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.final = true
}

// Pause holds pacing; comfort frames keep the media path warm.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume releases a pause.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Stop discards the current response. It takes effect immediately: the
// buffer is cleared under the same lock the tick path holds, so at
// most the frame already in flight reaches the caller.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
}

// Close terminates the buffer. Subsequent enqueues fail with
// ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.reset()
		m.closed = true
		close(m.events)
	}
	m.mu.Unlock()
}

func (m *Manager) reset() {
	m.frames = nil
	m.partial = nil
	m.resampler = nil
	m.sourceRate = 0
	m.playing = false
	m.paused = false
	m.starved = false
	m.degraded = false
	m.final = false
	m.waitingSince = time.Time{}
}

// Buffered reports the queued audio duration. It is always
// frame-count times frame-duration plus the residual tail.
func (m *Manager) Buffered() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bufferedLocked()
}

func (m *Manager) bufferedLocked() time.Duration {
	totalBytes := len(m.frames)*m.frameBytes + len(m.partial)
	return time.Duration(totalBytes) * m.cfg.FrameDuration / time.Duration(m.frameBytes)
}

// Run drives Tick at the telephony frame cadence until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick advances the pacer by one frame interval.
func (m *Manager) Tick() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if !m.playing {
		if !m.shouldStartLocked() {
			m.mu.Unlock()
			return
		}
		m.playing = true
		m.starved = false
		m.emitLocked(EventStarted)
	}

	if m.paused {
		frame := audio.SilenceFrame(m.cfg.Codec, m.cfg.FrameDuration)
		m.mu.Unlock()
		m.write(frame)
		return
	}

	// Underrun: hold with a comfort frame rather than stopping, and
	// stay held until the buffer recovers past the low watermark.
	if !m.final && (len(m.frames) == 0 || m.bufferedLocked() < m.cfg.LowWatermark) {
		if !m.starved {
			m.starved = true
			m.emitLocked(EventStarved)
		}
		frame := audio.SilenceFrame(m.cfg.Codec, m.cfg.FrameDuration)
		m.mu.Unlock()
		m.write(frame)
		return
	}
	if m.starved {
		m.starved = false
		m.emitLocked(EventRecovered)
	}

	var frame []byte
	switch {
	case len(m.frames) > 0:
		frame = m.frames[0]
		m.frames = m.frames[1:]
	case len(m.partial) > 0:
		// Final residual shorter than a frame: pad with silence.
		frame = audio.SilenceFrame(m.cfg.Codec, m.cfg.FrameDuration)
		copy(frame, m.partial)
		m.partial = nil
	}

	done := m.final && len(m.frames) == 0 && len(m.partial) == 0
	if done {
		m.playing = false
		m.final = false
		m.degraded = false
		m.resampler = nil
		m.sourceRate = 0
		m.waitingSince = time.Time{}
	}
	m.mu.Unlock()

	if frame != nil {
		m.write(frame)
	}
	if done {
		m.mu.Lock()
		m.emitLocked(EventFinished)
		m.mu.Unlock()
	}
}

// shouldStartLocked decides whether the first frame of a response may
// be emitted.
func (m *Manager) shouldStartLocked() bool {
	if len(m.frames) == 0 && len(m.partial) == 0 {
		return false
	}
	if m.bufferedLocked() >= m.cfg.MinStart {
		return true
	}
	if m.final {
		// Whole response is shorter than the start threshold.
		return true
	}
	if !m.waitingSince.IsZero() && m.clock().Sub(m.waitingSince) >= m.cfg.StartTimeout {
		// Bound perceived latency: start anyway and ride out jitter.
		m.degraded = true
		m.log.Warn("starting playback below min buffer",
			slog.Duration("buffered", m.bufferedLocked()))
		return true
	}
	return false
}

func (m *Manager) emitLocked(t EventType) {
	if m.closed {
		return
	}
	select {
	case m.events <- Event{Type: t, At: m.clock()}:
	default:
		m.log.Warn("playback event dropped", slog.Int("type", int(t)))
	}
}

func (m *Manager) write(frame []byte) {
	if err := m.sink.WriteFrame(m.cfg.CallID, frame); err != nil {
		m.log.Warn("frame write failed", slog.String("error", err.Error()))
	}
}
