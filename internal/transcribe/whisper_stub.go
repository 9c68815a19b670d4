//go:build !whispercpp

package transcribe

import (
	"fmt"

	"github.com/westkitty/dexdictate/internal/config"
)

// NewWhisperRecognizer is only available when the binary is built with the
// whispercpp tag, which links whisper.cpp via cgo.
func NewWhisperRecognizer(config.ModelConfig) (Recognizer, error) {
	return nil, fmt.Errorf("whisper recognizer requires a build with the whispercpp tag")
}
