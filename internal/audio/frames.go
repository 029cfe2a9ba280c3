package audio

import "time"

// FrameBytes returns the wire size of one telephony frame. G.711 is one
// byte per sample at 8 kHz.
func FrameBytes(duration time.Duration) int {
	return int(int64(TelephonyRate) * int64(duration) / int64(time.Second))
}

// SilenceFrame builds one comfort frame in the codec's encoding.
func SilenceFrame(c Codec, duration time.Duration) []byte {
	frame := make([]byte, FrameBytes(duration))
	b := c.SilenceByte()
	for i := range frame {
		frame[i] = b
	}
	return frame
}

// TranscodeFromWire expands codec wire bytes and resamples up to the
// provider's native rate.
func TranscodeFromWire(c Codec, data []byte, targetRate int) []int16 {
	return Resample(Decode(c, data), TelephonyRate, targetRate)
}
