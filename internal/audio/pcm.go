// Package audio moves microphone audio to the remote service and schedules
// the remote service's speech for gap-free playback.
package audio

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kinetix-coach/internal/coach"
)

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit,
// clamping out-of-range input.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		switch {
		case f >= 1:
			out[i] = 32767
		case f <= -1:
			out[i] = -32768
		case f < 0:
			out[i] = int16(f * 32768)
		default:
			out[i] = int16(f * 32767)
		}
	}
	return out
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when absent or invalid.
func RateFromMIME(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "rate") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// DecodePCM16 decodes little-endian 16-bit mono PCM. The returned rate
// comes from the MIME type or defaultRate. Errors wrap coach.ErrDecodeFailed.
func DecodePCM16(data []byte, mime string, defaultRate int) ([]int16, int, error) {
	if mime != "" {
		base := strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
		if base != "audio/pcm" && base != "audio/l16" {
			return nil, 0, fmt.Errorf("%w: unsupported mime type %q", coach.ErrDecodeFailed, mime)
		}
	}
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty payload", coach.ErrDecodeFailed)
	}
	if len(data)%2 != 0 {
		return nil, 0, fmt.Errorf("%w: odd payload length %d", coach.ErrDecodeFailed, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, RateFromMIME(mime, defaultRate), nil
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(in) == 0 {
		return append([]int16(nil), in...)
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		s0, s1 := float64(in[idx]), float64(in[idx+1])
		out[i] = int16(s0 + frac*(s1-s0))
	}
	return out
}

// Duration is the playback length of n samples at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// FrameTime is the timeline position of frame f at rate.
func FrameTime(f int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(f * int64(time.Second) / int64(rate))
}

// framesAt converts a timeline position to a frame index at rate.
func framesAt(t time.Duration, rate int) int64 {
	return int64(t) * int64(rate) / int64(time.Second)
}
