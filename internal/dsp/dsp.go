// Package dsp holds the pure signal-processing stages between capture and
// inference: silence trimming, sample-rate conversion, level metering and
// PCM format conversion. Everything here is stateless and safe to call from
// any goroutine.
package dsp

import (
	"encoding/binary"
	"math"
)

// TrimOptions controls energy-based silence trimming.
type TrimOptions struct {
	// Threshold is the per-frame RMS energy above which a frame counts as
	// speech. Values are normalized sample amplitudes, so useful thresholds
	// sit well below 0.1.
	Threshold float64
	// FrameMS is the analysis frame duration.
	FrameMS int
	// PaddingMS extends the detected speech region on both sides so onset
	// and offset phonemes are not clipped.
	PaddingMS int
}

// TrimSilence returns the sub-range of samples that carries speech energy,
// padded on both sides. The input is returned unchanged when it is too short
// to analyze or when no frame exceeds the threshold; an all-silence buffer
// is never reduced to nothing.
func TrimSilence(samples []float32, sampleRate int, opts TrimOptions) []float32 {
	if sampleRate <= 0 || opts.FrameMS <= 0 {
		return samples
	}
	frameLen := sampleRate * opts.FrameMS / 1000
	if frameLen <= 0 || len(samples) < 2*frameLen {
		return samples
	}

	frames := len(samples) / frameLen
	first, last := -1, -1
	for i := 0; i < frames; i++ {
		if RMS(samples[i*frameLen:(i+1)*frameLen]) > opts.Threshold {
			first = i
			break
		}
	}
	if first < 0 {
		return samples
	}
	for i := frames - 1; i >= first; i-- {
		if RMS(samples[i*frameLen:(i+1)*frameLen]) > opts.Threshold {
			last = i
			break
		}
	}

	pad := sampleRate * opts.PaddingMS / 1000
	start := first*frameLen - pad
	if start < 0 {
		start = 0
	}
	end := (last+1)*frameLen + pad
	if end > len(samples) {
		end = len(samples)
	}
	return samples[start:end]
}

// Resample converts samples from fromRate to toRate using linear
// interpolation. Output length is round(len*to/from).
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	outLen := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}

// sincTaps is the one-sided filter width for ResampleSinc.
const sincTaps = 16

// ResampleSinc converts samples using a Hann-windowed sinc kernel. It is
// slower than Resample but band-limited, which matters when downsampling
// wideband capture rates to the model rate. The length contract matches
// Resample.
func ResampleSinc(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	outLen := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	if outLen <= 0 {
		return nil
	}
	out := make([]float32, outLen)
	step := float64(fromRate) / float64(toRate)

	// When downsampling, scale the kernel cutoff to the output Nyquist.
	cutoff := 1.0
	if toRate < fromRate {
		cutoff = float64(toRate) / float64(fromRate)
	}

	for i := range out {
		pos := float64(i) * step
		center := int(math.Floor(pos))
		var acc, norm float64
		for k := center - sincTaps + 1; k <= center+sincTaps; k++ {
			if k < 0 || k >= len(samples) {
				continue
			}
			x := (pos - float64(k)) * cutoff
			w := windowedSinc(x, pos-float64(k))
			acc += float64(samples[k]) * w
			norm += w
		}
		if norm != 0 {
			out[i] = float32(acc / norm)
		}
	}
	return out
}

func windowedSinc(x, offset float64) float64 {
	if math.Abs(offset) >= sincTaps {
		return 0
	}
	s := 1.0
	if x != 0 {
		px := math.Pi * x
		s = math.Sin(px) / px
	}
	// Hann window over the tap span.
	w := 0.5 + 0.5*math.Cos(math.Pi*offset/sincTaps)
	return s * w
}

// RMS returns the root-mean-square energy of the buffer.
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

// levelFloorDB is the silence floor for the perceptual level meter.
const levelFloorDB = -60.0

// Level converts an RMS energy into a perceptual 0.0-1.0 meter value using
// a decibel scale with a -60 dB floor.
func Level(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	if db < levelFloorDB {
		return 0
	}
	if db > 0 {
		return 1
	}
	return 1 - db/levelFloorDB
}

// Float32ToPCM16 converts normalized samples to 16-bit little-endian PCM.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// PCM16ToFloat32 converts 16-bit little-endian PCM to normalized samples.
// Trailing odd bytes are ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / math.MaxInt16
	}
	return out
}
