package transcribe

import (
	"context"
)

// Result captures recognizer output. Empty text is a valid outcome for an
// utterance with no recognizable speech.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts batch speech-to-text backends. Implementations are
// not required to be reentrant; the Worker serializes calls.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)
}

// ModelLoader is implemented by recognizers that load model weights in
// process. The Worker invokes it after its own filesystem checks pass.
type ModelLoader interface {
	LoadModel(path string) error
}
