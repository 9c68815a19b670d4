package transcribe

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that reports buffer metadata
// instead of real text. Useful for wiring tests and demos without a model.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Text: fmt.Sprintf("[transcript samples=%d rate=%d]", len(samples), sampleRate),
	}, nil
}
