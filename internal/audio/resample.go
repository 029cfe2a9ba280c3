package audio

import (
	"encoding/binary"
	"math"
)

// Resample converts PCM16 samples between rates using linear
// interpolation. Narrowband telephony tolerates the quality tradeoff
// and it keeps the hot path allocation-light.
func Resample(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen <= 1 {
		return []int16{}
	}
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) / ratio
		i0 := int(math.Floor(srcPos))
		i1 := i0 + 1
		if i0 >= len(in) {
			i0 = len(in) - 1
		}
		if i1 >= len(in) {
			i1 = len(in) - 1
		}
		f := srcPos - float64(i0)
		v := float64(in[i0])*(1.0-f) + float64(in[i1])*f
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// StreamResampler converts PCM16 between rates across chunk
// boundaries. Unlike Resample it carries the interpolation phase and
// the last source sample from one Process call to the next, so the
// output depends only on the concatenated input, not on how it was
// chunked.
type StreamResampler struct {
	inRate  int
	outRate int
	pos     float64
	last    int16
	primed  bool
}

func NewStreamResampler(inRate, outRate int) *StreamResampler {
	return &StreamResampler{inRate: inRate, outRate: outRate}
}

// Process resamples one chunk, holding back the trailing source sample
// so the next chunk can interpolate across the boundary.
func (r *StreamResampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		return append([]int16(nil), in...)
	}
	src := in
	if r.primed {
		src = make([]int16, 0, len(in)+1)
		src = append(src, r.last)
		src = append(src, in...)
	}
	step := float64(r.inRate) / float64(r.outRate)
	out := make([]int16, 0, int(float64(len(in))/step)+1)
	pos := r.pos
	for int(pos)+1 < len(src) {
		i0 := int(pos)
		f := pos - float64(i0)
		v := float64(src[i0])*(1.0-f) + float64(src[i0+1])*f
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out = append(out, int16(v))
		pos += step
	}
	r.last = src[len(src)-1]
	r.pos = pos - float64(len(src)-1)
	r.primed = true
	return out
}

// Reset discards carried state so the next chunk starts a fresh
// stream.
func (r *StreamResampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

// BytesToPCM16 reinterprets little-endian byte pairs as PCM16 samples.
// A trailing odd byte is dropped.
func BytesToPCM16(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return out
}

// PCM16ToBytes serializes PCM16 samples as little-endian byte pairs.
func PCM16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// DownmixMono averages interleaved channels into a single channel.
func DownmixMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := 0; i < len(out); i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}
