package audio

import "fmt"

// Codec identifies the negotiated telephony encoding for a call.
type Codec string

const (
	CodecULaw Codec = "ulaw"
	CodecALaw Codec = "alaw"

	// TelephonyRate is the narrowband sample rate used on the wire.
	TelephonyRate = 8000
)

// SilenceByte returns the codec's encoding of a zero-amplitude sample.
func (c Codec) SilenceByte() byte {
	if c == CodecALaw {
		return 0xD5
	}
	return 0xFF
}

// ParseCodec maps a negotiated codec name onto a known Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "ulaw", "mulaw", "g711u", "PCMU":
		return CodecULaw, nil
	case "alaw", "g711a", "PCMA":
		return CodecALaw, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", name)
	}
}

// ULawToLinear expands one G.711 µ-law byte to a linear PCM16 sample.
func ULawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToULaw compresses a linear PCM16 sample to one G.711 µ-law byte.
func LinearToULaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635
	// Clamp before negating: -(-32768) overflows int16 and would skip
	// the clip check entirely.
	if sample < -clip {
		sample = -clip
	}
	if sample > clip {
		sample = clip
	}
	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	value := int(sample) + bias
	exp := 7
	for mask := 0x4000; exp > 0 && value&mask == 0; mask >>= 1 {
		exp--
	}
	mant := byte((value >> (exp + 3)) & 0x0F)
	return ^(sign | byte(exp)<<4 | mant)
}

// ALawToLinear expands one G.711 A-law byte to a linear PCM16 sample.
func ALawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exp := (a >> 4) & 0x07
	mant := a & 0x0F
	var value int
	if exp != 0 {
		value = (int(mant)<<4 + 0x100) << (exp - 1)
	} else {
		value = (int(mant) << 4) + 8
	}
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToALaw compresses a linear PCM16 sample to one G.711 A-law byte.
func LinearToALaw(sample int16) byte {
	const clip = 32635
	sign := byte(0)
	if sample < 0 {
		sample = -sample - 1
		sign = 0x80
	}
	if sample > clip {
		sample = clip
	}
	var comp byte
	if sample >= 256 {
		exp := byte(7)
		for mask := int16(0x4000); (sample&mask) == 0 && exp > 0; mask >>= 1 {
			exp--
		}
		mant := byte((sample >> (int(exp) + 3)) & 0x0F)
		comp = (exp << 4) | mant
	} else {
		comp = byte(sample >> 4)
	}
	comp ^= 0x55
	return comp ^ sign
}

// Encode compresses linear PCM16 samples into the codec's wire bytes.
func Encode(c Codec, pcm []int16) []byte {
	out := make([]byte, len(pcm))
	switch c {
	case CodecALaw:
		for i, s := range pcm {
			out[i] = LinearToALaw(s)
		}
	default:
		for i, s := range pcm {
			out[i] = LinearToULaw(s)
		}
	}
	return out
}

// Decode expands codec wire bytes into linear PCM16 samples.
func Decode(c Codec, data []byte) []int16 {
	out := make([]int16, len(data))
	switch c {
	case CodecALaw:
		for i, b := range data {
			out[i] = ALawToLinear(b)
		}
	default:
		for i, b := range data {
			out[i] = ULawToLinear(b)
		}
	}
	return out
}
