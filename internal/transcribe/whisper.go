//go:build whispercpp

package transcribe

import (
	"context"
	"fmt"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/westkitty/dexdictate/internal/config"
)

// whisperRecognizer runs whisper.cpp in process. The underlying context is
// not thread safe; the Worker's serialization guard plus the local mutex
// keep calls exclusive.
type whisperRecognizer struct {
	cfg   config.ModelConfig
	mu    sync.Mutex
	model whisper.Model
}

func NewWhisperRecognizer(cfg config.ModelConfig) (Recognizer, error) {
	return &whisperRecognizer{cfg: cfg}, nil
}

func (r *whisperRecognizer) LoadModel(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.Close()
		r.model = nil
	}
	model, err := whisper.New(path)
	if err != nil {
		return fmt.Errorf("load whisper model: %w", err)
	}
	r.model = model
	return nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return Result{}, fmt.Errorf("whisper model not loaded")
	}
	if sampleRate != whisper.SampleRate {
		return Result{}, fmt.Errorf("whisper requires %d Hz input, got %d", whisper.SampleRate, sampleRate)
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("whisper context: %w", err)
	}
	if r.cfg.Language != "" {
		if err := wctx.SetLanguage(r.cfg.Language); err != nil {
			return Result{}, fmt.Errorf("set language: %w", err)
		}
	}

	// Cooperative cancellation: abort decoding between encoder passes.
	encoderBegin := func() bool {
		return ctx.Err() == nil
	}
	if err := wctx.Process(samples, encoderBegin, nil, nil); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var sb strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		sb.WriteString(segment.Text)
	}
	return Result{Text: strings.TrimSpace(sb.String())}, nil
}

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		r.model.Close()
		r.model = nil
	}
	return nil
}
