package dsp

import (
	"math"
	"testing"
)

func tone(freq float64, seconds float64, rate int, amp float64) []float32 {
	n := int(seconds * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func defaultTrim() TrimOptions {
	return TrimOptions{Threshold: 0.012, FrameMS: 20, PaddingMS: 150}
}

func TestTrimSilenceAllSilent(t *testing.T) {
	buf := make([]float32, 44100)
	got := TrimSilence(buf, 44100, defaultTrim())
	if len(got) != len(buf) {
		t.Fatalf("all-silence buffer must be returned unchanged, got %d of %d samples", len(got), len(buf))
	}
}

func TestTrimSilenceTooShort(t *testing.T) {
	buf := tone(440, 0.01, 44100, 0.5)
	got := TrimSilence(buf, 44100, defaultTrim())
	if len(got) != len(buf) {
		t.Fatalf("short buffer must be returned unchanged, got %d of %d", len(got), len(buf))
	}
}

func TestTrimSilenceRemovesLeadingAndTrailing(t *testing.T) {
	rate := 16000
	lead := make([]float32, rate)   // 1s silence
	speech := tone(440, 1, rate, 0.5)
	tail := make([]float32, rate)

	buf := append(append(append([]float32{}, lead...), speech...), tail...)
	got := TrimSilence(buf, rate, defaultTrim())

	if len(got) >= len(buf) {
		t.Fatalf("expected trimming, got %d of %d samples", len(got), len(buf))
	}
	// Speech plus up to 2x padding must survive.
	pad := rate * defaultTrim().PaddingMS / 1000
	if len(got) < len(speech) {
		t.Fatalf("trim clipped speech: kept %d, speech is %d", len(got), len(speech))
	}
	if len(got) > len(speech)+2*pad+2*rate*defaultTrim().FrameMS/1000 {
		t.Fatalf("trim kept too much: %d samples", len(got))
	}
}

func TestResampleLengthContract(t *testing.T) {
	buf := tone(440, 1.5, 44100, 0.5)
	if len(buf) != 66150 {
		t.Fatalf("expected 66150 input samples, got %d", len(buf))
	}
	out := Resample(buf, 44100, 16000)
	if abs(len(out)-24000) > 1 {
		t.Fatalf("expected ~24000 output samples, got %d", len(out))
	}
}

func TestResampleRoundTripLength(t *testing.T) {
	for _, fn := range []func([]float32, int, int) []float32{Resample, ResampleSinc} {
		buf := tone(300, 0.5, 48000, 0.4)
		down := fn(buf, 48000, 16000)
		up := fn(down, 16000, 48000)
		if abs(len(up)-len(buf)) > 1 {
			t.Fatalf("round trip changed length: %d -> %d -> %d", len(buf), len(down), len(up))
		}
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	buf := tone(440, 0.1, 16000, 0.5)
	out := Resample(buf, 16000, 16000)
	if len(out) != len(buf) {
		t.Fatalf("same-rate resample changed length: %d -> %d", len(buf), len(out))
	}
}

func TestResampleSincPreservesTone(t *testing.T) {
	buf := tone(440, 0.5, 44100, 0.5)
	out := ResampleSinc(buf, 44100, 16000)
	inRMS := RMS(buf)
	outRMS := RMS(out)
	if math.Abs(inRMS-outRMS) > 0.05 {
		t.Fatalf("sinc resample energy drifted: in %.4f out %.4f", inRMS, outRMS)
	}
}

func TestLevelScale(t *testing.T) {
	if Level(0) != 0 {
		t.Fatal("zero RMS must map to level 0")
	}
	if Level(1) != 1 {
		t.Fatal("full-scale RMS must map to level 1")
	}
	quiet := Level(0.001)
	loud := Level(0.1)
	if quiet <= 0 || quiet >= loud || loud >= 1 {
		t.Fatalf("level scale not monotonic: quiet=%.3f loud=%.3f", quiet, loud)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.999, -1}
	out := PCM16ToFloat32(Float32ToPCM16(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 0.001 {
			t.Fatalf("sample %d drifted: %v -> %v", i, in[i], out[i])
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
