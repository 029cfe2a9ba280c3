package protocol

import "time"

// Subjects exchanged with the call-control collaborator (the PBX media
// edge) and between pipeline stages. Per-call subjects append the call
// id as the final token.
const (
	SubjectCallStarted = "call.started"
	SubjectMediaReady  = "call.media.ready"
	SubjectHangup      = "call.hangup"
	SubjectVAD         = "call.vad"
	SubjectAudioIn     = "call.audio.in"

	SubjectAnswerPrefix       = "call.answer"
	SubjectAudioOutPrefix     = "call.audio.out"
	SubjectStopPlaybackPrefix = "call.playback.stop"
	SubjectSayPrefix          = "call.say"
	// Distinct from SubjectHangup so the core never re-receives its own
	// hangup command as an inbound event.
	SubjectHangupOutPrefix = "call.hangup.out"

	SubjectTranscriptReady = "call.transcript.ready"
	SubjectResponseReady   = "call.response.ready"
	SubjectPlaybackRequest = "call.playback.request"
)

// Event type tags carried by every bus message.
const (
	EventCallStarted     = "call_started"
	EventMediaReady      = "media_ready"
	EventHangup          = "hangup"
	EventSpeechStart     = "speech_start"
	EventSpeechEnd       = "speech_end"
	EventAudioFrame      = "audio_frame"
	EventAnswer          = "answer"
	EventStopPlayback    = "stop_playback"
	EventSay             = "say"
	EventTranscriptReady = "transcript_ready"
	EventResponseReady   = "response_ready"
	EventPlaybackRequest = "playback_request"
)

// CallStarted announces a new inbound call.
type CallStarted struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaReady reports a negotiated media path for a call.
type MediaReady struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	Codec     string    `json:"codec"`
	Timestamp time.Time `json:"timestamp"`
}

// Hangup ends a call, from either side.
type Hangup struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VADEvent reports voice activity on the raw caller capture stream.
type VADEvent struct {
	EventType string    `json:"event_type"` // speech_start or speech_end
	CallID    string    `json:"call_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioFrame carries one telephony frame of caller or agent audio.
type AudioFrame struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	Sequence  int       `json:"sequence"`
	Codec     string    `json:"codec"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Say asks the PBX to speak text with its own primitive synthesis.
type Say struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptReady is published for multi-process observers after a
// final caller transcript is accepted.
type TranscriptReady struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseReady is published after the agent response text is accepted.
type ResponseReady struct {
	EventType string    `json:"event_type"`
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider session subjects, parameterized by the provider's
// configured subject prefix.
const (
	ProviderStartSuffix  = "session.start"
	ProviderAudioSuffix  = "audio"
	ProviderEventsSuffix = "events"
	ProviderStopSuffix   = "session.stop"
)

// Provider event type tags.
const (
	ProviderPartialTranscript = "partial_transcript"
	ProviderFinalTranscript   = "final_transcript"
	ProviderResponseText      = "response_text"
	ProviderAudioChunk        = "audio_chunk"
	ProviderSessionClosed     = "session_closed"
)

// ProviderStart opens a remote provider session for a call.
type ProviderStart struct {
	EventType    string    `json:"event_type"`
	CallID       string    `json:"call_id"`
	Voice        string    `json:"voice,omitempty"`
	Language     string    `json:"language,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	SampleRate   int       `json:"sample_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderStartAck is the reply to a ProviderStart request.
type ProviderStartAck struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	CallID string `json:"call_id"`
}

// ProviderAudio streams caller PCM to a remote provider session.
type ProviderAudio struct {
	EventType  string    `json:"event_type"`
	CallID     string    `json:"call_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	PCM        []byte    `json:"pcm"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProviderEvent is one correlated event from a remote provider
// session. Sequence numbers are monotonically increasing per call id;
// out-of-order delivery is rejected by the consumer.
type ProviderEvent struct {
	EventType  string    `json:"event_type"`
	CallID     string    `json:"call_id"`
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	PCM        []byte    `json:"pcm,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Final      bool      `json:"final,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
