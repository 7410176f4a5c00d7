// Package pcm converts between float32 sample frames and the 16-bit signed
// little-endian linear PCM used on the wire by realtime speech models.
//
// Every function in this package is pure: no shared state, no I/O.
package pcm

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is the width of one encoded sample.
const BytesPerSample = 2

// ErrDecode is wrapped by every error returned from [Decode].
var ErrDecode = errors.New("pcm: decode")

// EncodedFrame is a wire-ready PCM payload plus the format metadata the remote
// endpoint needs to interpret it.
type EncodedFrame struct {
	// Data holds int16 little-endian samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is always 1 for frames produced by [Encode].
	Channels int
}

// MIMEType returns the declared media type, e.g. "audio/pcm;rate=16000".
func (f EncodedFrame) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Buffer is decoded, playable audio. Multi-channel data is interleaved.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Encode maps float samples in [-1, 1] to int16 PCM. Samples outside that
// range are clamped to the representable integer range; NaN encodes as 0.
func Encode(frame []float32, sampleRate int) EncodedFrame {
	out := make([]byte, len(frame)*BytesPerSample)
	EncodeTo(out, frame)
	return EncodedFrame{
		Data:       out,
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// EncodeTo writes the int16 encoding of frame into dst, which must hold at
// least len(frame)*BytesPerSample bytes. It returns the number of bytes written.
func EncodeTo(dst []byte, frame []float32) int {
	for i, s := range frame {
		v := quantize(s)
		dst[i*2] = byte(v)
		dst[i*2+1] = byte(v >> 8)
	}
	return len(frame) * BytesPerSample
}

func quantize(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Decode converts int16 little-endian PCM back to float samples at the
// declared rate. It fails when data is empty or its length is not a whole
// number of sample frames.
func Decode(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %d Hz / %d channels", ErrDecode, sampleRate, channels)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%(BytesPerSample*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrDecode, len(data), BytesPerSample*channels)
	}

	samples := make([]float32, len(data)/BytesPerSample)
	DecodeTo(samples, data)
	return &Buffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// DecodeTo converts whole int16 samples from data into dst without
// allocating and returns the number of samples written. A trailing odd byte
// is ignored; conversion stops when dst is full.
func DecodeTo(dst []float32, data []byte) int {
	n := min(len(dst), len(data)/BytesPerSample)
	for i := range n {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		dst[i] = float32(v) / 32768
	}
	return n
}

// RMS returns the root-mean-square level of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, samples is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
