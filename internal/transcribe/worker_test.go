package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// blockingRecognizer blocks until its context is cancelled or release is
// closed, and counts concurrent entries to verify serialization.
type blockingRecognizer struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	release  chan struct{}
}

func newBlockingRecognizer() *blockingRecognizer {
	return &blockingRecognizer{release: make(chan struct{})}
}

func (r *blockingRecognizer) Transcribe(ctx context.Context, samples []float32, _ int) (Result, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.release:
		return Result{Text: "done"}, nil
	}
}

func TestWorkerSupersedesInFlight(t *testing.T) {
	rec := newBlockingRecognizer()
	w := NewWorker(rec, 0, newLogger())
	defer w.Close()

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	w.Transcribe([]float32{0.1}, 16000, func(res Result, err error) { first <- outcome{res, err} })
	w.Transcribe([]float32{0.2}, 16000, func(res Result, err error) { second <- outcome{res, err} })

	select {
	case o := <-first:
		if !errors.Is(o.err, ErrCancelled) {
			t.Fatalf("superseded job must report ErrCancelled, got %v", o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded job never completed")
	}

	close(rec.release)
	select {
	case o := <-second:
		if o.err != nil {
			t.Fatalf("second job failed: %v", o.err)
		}
		if o.res.Text != "done" {
			t.Fatalf("unexpected result %q", o.res.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second job never completed")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.maxSeen > 1 {
		t.Fatalf("recognizer entered concurrently: max %d", rec.maxSeen)
	}
}

func TestWorkerCancel(t *testing.T) {
	rec := newBlockingRecognizer()
	w := NewWorker(rec, 0, newLogger())
	defer w.Close()

	done := make(chan error, 1)
	w.Transcribe([]float32{0.1}, 16000, func(_ Result, err error) { done <- err })

	if !w.Busy() {
		// The goroutine may not have started yet; Busy is set synchronously.
		t.Fatal("worker must report busy after submit")
	}
	w.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled job never completed")
	}

	deadline := time.Now().Add(time.Second)
	for w.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("worker stuck busy after cancellation")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoadModelNotFound(t *testing.T) {
	w := NewWorker(NewMockRecognizer(), 0, newLogger())
	err := w.LoadModel(filepath.Join(t.TempDir(), "missing.bin"))
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if w.Loaded() {
		t.Fatal("worker must not report loaded after failure")
	}
}

func TestLoadModelInsufficientDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	w := NewWorker(NewMockRecognizer(), math.MaxInt64/2, newLogger())
	err := w.LoadModel(path)
	if !errors.Is(err, ErrInsufficientDisk) {
		t.Fatalf("expected ErrInsufficientDisk, got %v", err)
	}
}

func TestLoadModelSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	w := NewWorker(NewMockRecognizer(), 0, newLogger())
	if err := w.LoadModel(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !w.Loaded() {
		t.Fatal("worker must report loaded")
	}
}

type failingLoader struct{ Recognizer }

func (f *failingLoader) LoadModel(string) error { return errors.New("corrupt weights") }

func TestLoadModelBackendFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	w := NewWorker(&failingLoader{NewMockRecognizer()}, 0, newLogger())
	err := w.LoadModel(path)
	if !errors.Is(err, ErrModelLoad) {
		t.Fatalf("expected ErrModelLoad, got %v", err)
	}
}
