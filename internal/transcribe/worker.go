package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrModelNotFound means the model file does not exist at the given path.
	ErrModelNotFound = errors.New("model file not found")
	// ErrInsufficientDisk means free disk space is below the model size plus
	// the configured safety margin.
	ErrInsufficientDisk = errors.New("insufficient disk space for model")
	// ErrModelLoad wraps backend failures while loading model weights.
	ErrModelLoad = errors.New("model load failed")
	// ErrCancelled is returned when a transcription is superseded or
	// cancelled. Expected during normal operation; never an error condition
	// worth logging.
	ErrCancelled = errors.New("transcription cancelled")
)

// Worker serializes calls into a non-reentrant recognizer and provides
// cancellable, asynchronous transcription. At most one transcription is
// logically active; submitting a new one first cancels the in-flight call.
type Worker struct {
	rec    Recognizer
	log    *slog.Logger
	margin int64

	mu         sync.Mutex
	loaded     bool
	busy       bool
	generation uint64
	cancel     context.CancelFunc

	// callMu is the serialization guard around the recognizer itself.
	callMu sync.Mutex
	wg     sync.WaitGroup
}

func NewWorker(rec Recognizer, diskMarginBytes int64, log *slog.Logger) *Worker {
	return &Worker{
		rec:    rec,
		log:    log.With(slog.String("component", "inference-worker")),
		margin: diskMarginBytes,
	}
}

// LoadModel validates the model file and free disk space before handing the
// path to the recognizer. Failing either check returns a typed error; the
// worker never silently stays unloaded.
func (w *Worker) LoadModel(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	free, err := freeDiskBytes(filepath.Dir(path))
	if err != nil {
		w.log.Warn("free disk check unavailable", slog.String("error", err.Error()))
	} else if free < info.Size()+w.margin {
		return fmt.Errorf("%w: need %d bytes free, have %d", ErrInsufficientDisk, info.Size()+w.margin, free)
	}

	if loader, ok := w.rec.(ModelLoader); ok {
		if err := loader.LoadModel(path); err != nil {
			return fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
	}

	w.mu.Lock()
	w.loaded = true
	w.mu.Unlock()
	w.log.Info("model loaded", slog.String("path", path), slog.Int64("size_bytes", info.Size()))
	return nil
}

// Loaded reports whether LoadModel has succeeded.
func (w *Worker) Loaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

// Busy reports whether a transcription is in flight.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// Transcribe submits one utterance. Any in-flight transcription is cancelled
// first because the underlying engine forbids concurrent calls. fn is
// invoked exactly once, from the worker's goroutine; a cancelled job reports
// ErrCancelled.
func (w *Worker) Transcribe(samples []float32, sampleRate int, fn func(Result, error)) {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.busy = true
	w.generation++
	gen := w.generation
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()

		// Wait for any superseded call to observe its cancellation and
		// release the recognizer.
		w.callMu.Lock()
		defer w.callMu.Unlock()

		var res Result
		err := ctx.Err()
		if err == nil {
			res, err = w.rec.Transcribe(ctx, samples, sampleRate)
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			res, err = Result{}, ErrCancelled
		}

		w.mu.Lock()
		if w.generation == gen {
			w.busy = false
			w.cancel = nil
		}
		w.mu.Unlock()

		fn(res, err)
	}()
}

// Cancel requests best-effort cooperative cancellation of the in-flight job.
func (w *Worker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// Close cancels any in-flight work and waits for it to settle.
func (w *Worker) Close() {
	w.Cancel()
	w.wg.Wait()
}
