package audio

import (
	"sync"

	"github.com/westkitty/dexdictate/internal/dsp"
)

// levelSmoothing is the exponential moving average factor for the meter.
const levelSmoothing = 0.3

// Buffer accumulates mono float samples written by the hardware capture
// callback. It is guarded by its own lock, separate from the capture
// service's serial loop, so the callback thread never touches engine
// lifecycle state. Drain is atomic: read-and-clear in one critical section.
type Buffer struct {
	mu      sync.Mutex
	samples []float32
	rate    int
	level   float64
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Reset clears the buffer and records the capture sample rate for the next
// session.
func (b *Buffer) Reset(rate int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = nil
	b.rate = rate
	b.level = 0
}

// Append adds a chunk of samples and refreshes the smoothed level meter.
// Called from the hardware callback thread.
func (b *Buffer) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	level := dsp.Level(dsp.RMS(chunk))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, chunk...)
	b.level = b.level*(1-levelSmoothing) + level*levelSmoothing
}

// Drain returns the accumulated samples and the capture rate, clearing the
// buffer in the same critical section. Samples appended after Drain returns
// belong to the next session.
func (b *Buffer) Drain() ([]float32, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	samples := b.samples
	b.samples = nil
	b.level = 0
	return samples, b.rate
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Level reports the smoothed input level, 0.0-1.0.
func (b *Buffer) Level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}
