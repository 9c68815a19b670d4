package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/westkitty/dexdictate/internal/config"
)

// ErrDeviceSetup wraps capture start failures after retries are exhausted.
var ErrDeviceSetup = errors.New("audio device setup failed")

// Service owns the live capture stream. Every stream lifecycle call runs on
// one dedicated serial goroutine, so device open/start/stop are never
// concurrent with each other no matter which thread calls the public API.
// The hardware callback writes only into the Buffer, which has its own lock.
//
// All public methods except Close may be called until Close returns; Close
// must be the last call.
type Service struct {
	cfg     config.AudioConfig
	backend Backend
	log     *slog.Logger
	buf     *Buffer

	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// Loop-owned state. Only touched inside posted closures.
	stream    Stream
	capturing bool
}

func NewService(cfg config.AudioConfig, backend Backend, log *slog.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		backend: backend,
		log:     log.With(slog.String("component", "audio-capture")),
		buf:     NewBuffer(),
		cmds:    make(chan func(), 16),
		closed:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Service) loop() {
	defer close(s.closed)
	for fn := range s.cmds {
		fn()
	}
	s.teardownStream(false)
}

// Start asynchronously opens the configured device and begins capture. The
// requested device falls back to the system default if it cannot be opened,
// and setup is retried a bounded number of times with backoff before a
// terminal error is reported. done is invoked exactly once, from the serial
// loop; callers re-post it onto their own context.
func (s *Service) Start(done func(error)) {
	s.cmds <- func() {
		if s.capturing {
			done(nil)
			return
		}
		if err := s.startStream(); err != nil {
			done(fmt.Errorf("%w: %v", ErrDeviceSetup, err))
			return
		}
		done(nil)
	}
}

func (s *Service) startStream() error {
	var lastErr error
	attempts := s.cfg.StartRetries + 1
	backoff := time.Duration(s.cfg.RetryBackoffMS) * time.Millisecond

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && backoff > 0 {
			time.Sleep(backoff)
		}
		stream, err := s.openStream()
		if err != nil {
			lastErr = err
			s.log.Warn("capture start attempt failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}
		rate := stream.SampleRate()
		if rate <= 0 {
			rate = s.cfg.PreferredRate
		}
		s.buf.Reset(rate)
		if err := stream.Start(); err != nil {
			lastErr = err
			stream.Close()
			continue
		}
		s.stream = stream
		s.capturing = true
		s.log.Info("capture started", slog.Int("sample_rate", rate))
		return nil
	}
	return lastErr
}

func (s *Service) openStream() (Stream, error) {
	stream, err := s.backend.Open(s.cfg.Device, s.cfg.PreferredRate, s.buf.Append)
	if err == nil || s.cfg.Device == "" {
		return stream, err
	}
	// Requested device unavailable; fall back to the system default.
	s.log.Warn("falling back to default capture device",
		slog.String("device", s.cfg.Device),
		slog.String("error", err.Error()))
	return s.backend.Open("", s.cfg.PreferredRate, s.buf.Append)
}

// StopAndDrain stops capture and returns the accumulated samples with their
// rate, clearing the buffer atomically. The caller blocks only until the
// serial loop processes the request; the loop never calls back into the
// controller synchronously, so no deadlock cycle exists.
func (s *Service) StopAndDrain() ([]float32, int) {
	type result struct {
		samples []float32
		rate    int
	}
	reply := make(chan result, 1)
	s.cmds <- func() {
		s.teardownStream(true)
		samples, rate := s.buf.Drain()
		reply <- result{samples, rate}
	}
	r := <-reply
	return r.samples, r.rate
}

// Stop stops capture and discards accumulated samples. Used on forced
// shutdown and system sleep.
func (s *Service) Stop() {
	reply := make(chan struct{}, 1)
	s.cmds <- func() {
		s.teardownStream(true)
		s.buf.Drain()
		reply <- struct{}{}
	}
	<-reply
}

// Suspend stops capture on a system-sleep notification so the stream does
// not fault on wake. Accumulated samples are discarded.
func (s *Service) Suspend() {
	s.log.Info("suspending capture for system sleep")
	s.Stop()
}

// Capturing reports whether a stream is live.
func (s *Service) Capturing() bool {
	reply := make(chan bool, 1)
	s.cmds <- func() { reply <- s.capturing }
	return <-reply
}

// Level reports the current input level, 0.0-1.0. Reads the buffer's own
// lock; no round trip through the serial loop.
func (s *Service) Level() float64 {
	return s.buf.Level()
}

// Devices enumerates capture devices.
func (s *Service) Devices() ([]Device, error) {
	return s.backend.Devices()
}

// Close tears down the serial loop and the backend. Idempotent.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.cmds)
		<-s.closed
		if err := s.backend.Close(); err != nil {
			s.log.Warn("backend close failed", slog.String("error", err.Error()))
		}
	})
}

func (s *Service) teardownStream(logErr bool) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Stop(); err != nil && logErr {
		s.log.Warn("capture stop failed", slog.String("error", err.Error()))
	}
	if err := s.stream.Close(); err != nil && logErr {
		s.log.Warn("capture close failed", slog.String("error", err.Error()))
	}
	s.stream = nil
	s.capturing = false
}
