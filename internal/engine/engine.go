// Package engine implements the dictation session coordinator: a
// single-goroutine state machine that arbitrates trigger events into capture
// sessions and sequences capture, signal processing, inference and result
// delivery. All state lives on the run loop; asynchronous work captures the
// session token active when it was scheduled and is discarded on mismatch.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/westkitty/dexdictate/internal/config"
	"github.com/westkitty/dexdictate/internal/dsp"
	"github.com/westkitty/dexdictate/internal/protocol"
	"github.com/westkitty/dexdictate/internal/transcribe"
)

// State is the coordinator lifecycle state. Exactly one is active at a time
// and every mutation happens on the run loop.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateError        State = "error"
)

// TriggerHandler receives trigger edges and host lifecycle events on any
// thread; implementations forward them onto the coordinator's run loop.
type TriggerHandler interface {
	TriggerPressed()
	TriggerReleased()
	TriggerToggled()
	Suspend()
}

// TriggerSource is the externally supplied global trigger mechanism. Install
// failure is the one condition that puts the coordinator into StateError.
type TriggerSource interface {
	Install(TriggerHandler) error
	Uninstall()
}

// PermissionProvider reports microphone authorization. The coordinator
// queries before every capture start and never assumes.
type PermissionProvider interface {
	MicrophoneAllowed() bool
	RequestMicrophoneAccess()
}

// Capture is the audio capture service surface the coordinator drives.
// Suspend and Stop both discard accumulated samples; Suspend is the
// system-sleep path and lets the implementation log it as such.
type Capture interface {
	Start(done func(error))
	StopAndDrain() ([]float32, int)
	Stop()
	Suspend()
	Level() float64
}

// Transcriber is the single-flight inference worker surface.
type Transcriber interface {
	Transcribe(samples []float32, sampleRate int, fn func(transcribe.Result, error))
	Cancel()
}

// Sink receives coordinator output. Calls arrive on the run loop and must
// not block.
type Sink interface {
	StateChanged(state State, message string)
	TranscriptReady(sessionID, text string)
	TimingReady(report protocol.TimingReport)
}

// NopSink discards all output.
type NopSink struct{}

func (NopSink) StateChanged(State, string)        {}
func (NopSink) TranscriptReady(string, string)    {}
func (NopSink) TimingReady(protocol.TimingReport) {}

// Engine is the session coordinator.
type Engine struct {
	dict    config.DictationConfig
	dspCfg  config.DSPConfig
	capture Capture
	worker  Transcriber
	source  TriggerSource
	perms   PermissionProvider
	sink    Sink
	log     *slog.Logger
	metrics *metrics
	now     func() time.Time

	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// Run-loop-owned state.
	state    State
	token    uuid.UUID
	debounce *time.Timer
	maxGuard *time.Timer
	timing   protocol.TimingReport
}

func New(
	dict config.DictationConfig,
	dspCfg config.DSPConfig,
	capture Capture,
	worker Transcriber,
	source TriggerSource,
	perms PermissionProvider,
	sink Sink,
	log *slog.Logger,
) *Engine {
	e := &Engine{
		dict:    dict,
		dspCfg:  dspCfg,
		capture: capture,
		worker:  worker,
		source:  source,
		perms:   perms,
		sink:    sink,
		log:     log.With(slog.String("component", "session-coordinator")),
		metrics: newMetrics(),
		now:     time.Now,
		cmds:    make(chan func(), 64),
		closed:  make(chan struct{}),
		state:   StateStopped,
	}
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer close(e.closed)
	for fn := range e.cmds {
		fn()
	}
}

// send queues fn onto the run loop. Direct sends from one goroutine are
// processed in order, which trigger edges rely on.
func (e *Engine) send(fn func()) {
	defer func() { recover() }() // run loop may be closed during shutdown
	e.cmds <- fn
}

// post queues fn onto the run loop without blocking the caller's goroutine.
// Asynchronous completions (capture start, inference results, timers) must
// use it so the audio service's serial loop is never blocked on the run
// loop while the run loop waits on the audio service.
func (e *Engine) post(fn func()) {
	go e.send(fn)
}

// call runs fn on the run loop and waits for it.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Start installs the trigger source and transitions to Ready. Idempotent:
// only acts from StateStopped. Install failure is terminal (StateError)
// because dictation cannot function without its trigger mechanism.
func (e *Engine) Start() error {
	var err error
	e.call(func() {
		if e.state != StateStopped {
			return
		}
		e.setState(StateInitializing, "starting")
		if installErr := e.source.Install(e); installErr != nil {
			err = installErr
			e.setState(StateError, "trigger source unavailable")
			return
		}
		e.setState(StateReady, "ready")
	})
	return err
}

// Stop tears down capture and the trigger source, returning to Stopped from
// any state. Idempotent.
func (e *Engine) Stop() {
	e.call(func() {
		if e.state == StateStopped {
			return
		}
		e.cancelDebounce()
		e.cancelMaxGuard()
		e.token = uuid.Nil
		e.worker.Cancel()
		e.capture.Stop()
		e.source.Uninstall()
		e.setState(StateStopped, "stopped")
	})
}

// Close shuts down the run loop. Call Stop first.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.cmds)
		<-e.closed
	})
}

// State returns the current state.
func (e *Engine) State() State {
	var st State
	e.call(func() { st = e.state })
	return st
}

// Level reports the live input level for UI feedback.
func (e *Engine) Level() float64 {
	return e.capture.Level()
}

// TriggerPressed handles a trigger-down edge. While Listening it cancels the
// pending debounced stop and refreshes the session token so an already-posted
// stop closure is invalidated; the capture session continues uninterrupted.
// While Transcribing it supersedes the in-flight inference and starts a new
// session immediately.
func (e *Engine) TriggerPressed() {
	e.send(func() {
		e.cancelDebounce()
		switch e.state {
		case StateListening:
			e.token = uuid.New()
			e.timing.SessionID = e.token.String()
			e.armMaxGuard(e.token)
		case StateTranscribing:
			e.worker.Cancel()
			e.token = uuid.New()
			e.setState(StateReady, "superseded")
			e.beginCapture()
		case StateReady:
			e.token = uuid.New()
			e.beginCapture()
		}
	})
}

// TriggerReleased schedules a debounced stop. The scheduled closure captures
// the current token and re-checks it on the run loop before firing, so a
// re-press inside the window silently invalidates it.
func (e *Engine) TriggerReleased() {
	e.send(func() {
		if e.state != StateListening {
			return
		}
		e.timing.TriggerReleased = e.now()
		tok := e.token
		e.cancelDebounce()
		delay := time.Duration(e.dict.DebounceMS) * time.Millisecond
		e.debounce = time.AfterFunc(delay, func() {
			e.post(func() {
				if e.token != tok || e.state != StateListening {
					return
				}
				e.finishCapture(tok)
			})
		})
	})
}

// TriggerToggled begins capture if idle, else stops immediately without
// debounce. Used for click-to-toggle interaction.
func (e *Engine) TriggerToggled() {
	e.send(func() {
		e.cancelDebounce()
		switch e.state {
		case StateListening:
			e.timing.TriggerReleased = e.now()
			e.finishCapture(e.token)
		case StateReady:
			e.token = uuid.New()
			e.beginCapture()
		}
	})
}

// Suspend forcibly stops capture outside the normal session flow (system
// sleep). Accumulated samples are discarded and the session token is
// invalidated so late completions are ignored.
func (e *Engine) Suspend() {
	e.send(func() {
		if e.state != StateListening {
			return
		}
		e.cancelDebounce()
		e.cancelMaxGuard()
		e.token = uuid.New()
		e.capture.Suspend()
		e.metrics.sessionDiscarded()
		e.setState(StateReady, "capture suspended")
	})
}

// beginCapture runs on the run loop. No-op unless Ready: a second press
// while Listening must not restart capture, and races against shutdown or
// error states are guarded the same way.
func (e *Engine) beginCapture() {
	if e.state != StateReady {
		return
	}
	if !e.perms.MicrophoneAllowed() {
		// Never call into the audio subsystem with permission revoked; a
		// blocking permission prompt mid-session is a deadlock hazard.
		e.log.Warn("microphone permission not granted")
		e.perms.RequestMicrophoneAccess()
		e.setState(StateReady, "microphone permission required")
		return
	}

	tok := e.token
	e.timing = protocol.TimingReport{SessionID: tok.String()}
	e.setState(StateListening, "listening")
	e.metrics.sessionStarted()
	e.armMaxGuard(tok)

	e.capture.Start(func(err error) {
		e.post(func() {
			if e.token != tok || err == nil {
				return // stale completion, or capture running normally
			}
			e.log.Warn("capture start failed", slog.String("error", err.Error()))
			if e.state == StateListening {
				e.cancelMaxGuard()
				e.metrics.sessionDiscarded()
				e.setState(StateReady, "microphone unavailable")
			}
		})
	})
}

// armMaxGuard bounds a runaway session (trigger never released).
func (e *Engine) armMaxGuard(tok uuid.UUID) {
	e.cancelMaxGuard()
	limit := time.Duration(e.dict.MaxUtteranceSeconds) * time.Second
	e.maxGuard = time.AfterFunc(limit, func() {
		e.post(func() {
			if e.token != tok || e.state != StateListening {
				return
			}
			e.log.Warn("utterance exceeded maximum duration, forcing stop")
			e.finishCapture(tok)
		})
	})
}

// finishCapture runs on the run loop with a verified-current token. It
// drains the buffer atomically, runs the signal-processing stages and
// submits the single-flight inference job.
func (e *Engine) finishCapture(tok uuid.UUID) {
	e.cancelDebounce()
	e.cancelMaxGuard()
	e.setState(StateTranscribing, "transcribing")

	samples, rate := e.capture.StopAndDrain()
	e.timing.CaptureStopped = e.now()
	e.timing.CapturedSamples = len(samples)
	e.timing.CaptureRate = rate

	if len(samples) == 0 || rate <= 0 {
		e.deliver(tok, transcribe.Result{}, nil)
		return
	}

	if e.dspCfg.TrimSilence {
		samples = dsp.TrimSilence(samples, rate, dsp.TrimOptions{
			Threshold: e.dspCfg.TrimThreshold,
			FrameMS:   e.dspCfg.TrimFrameMS,
			PaddingMS: e.dspCfg.TrimPaddingMS,
		})
	}
	if e.dspCfg.Resampler == "sinc" {
		samples = dsp.ResampleSinc(samples, rate, e.dspCfg.TargetRate)
	} else {
		samples = dsp.Resample(samples, rate, e.dspCfg.TargetRate)
	}
	e.timing.ResampleDone = e.now()
	e.timing.SubmittedSamples = len(samples)

	e.timing.InferenceSubmit = e.now()
	e.worker.Transcribe(samples, e.dspCfg.TargetRate, func(res transcribe.Result, err error) {
		e.post(func() {
			e.deliver(tok, res, err)
		})
	})
}

// deliver handles an inference outcome on the run loop. The deferred guard
// makes the Transcribing->Ready transition unconditional: no code path may
// leave the machine stuck.
func (e *Engine) deliver(tok uuid.UUID, res transcribe.Result, err error) {
	if e.token != tok {
		return // stale result for a superseded session
	}

	defer func() {
		if e.state == StateTranscribing {
			e.setState(StateReady, "ready")
		}
	}()

	e.timing.InferenceDone = e.now()
	e.sink.TimingReady(e.timing)
	e.metrics.observeSession(e.timing)

	if errors.Is(err, transcribe.ErrCancelled) {
		// Expected when a newer session superseded this one.
		e.metrics.sessionDiscarded()
		return
	}
	if err != nil {
		e.log.Warn("transcription failed", slog.String("error", err.Error()))
		e.metrics.sessionFailed()
		e.setState(StateReady, "transcription failed")
		return
	}

	e.metrics.sessionCompleted()
	e.sink.TranscriptReady(e.timing.SessionID, res.Text)
}

func (e *Engine) setState(state State, message string) {
	e.state = state
	e.sink.StateChanged(state, message)
}

func (e *Engine) cancelDebounce() {
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
}

func (e *Engine) cancelMaxGuard() {
	if e.maxGuard != nil {
		e.maxGuard.Stop()
		e.maxGuard = nil
	}
}
