package engine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/westkitty/dexdictate/internal/config"
	"github.com/westkitty/dexdictate/internal/protocol"
	"github.com/westkitty/dexdictate/internal/transcribe"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCapture struct {
	mu       sync.Mutex
	starts   int
	stops    int
	suspends int
	drains   int
	startErr error
	samples  []float32
	rate     int
	level    float64
}

func (c *fakeCapture) Start(done func(error)) {
	c.mu.Lock()
	c.starts++
	err := c.startErr
	c.mu.Unlock()
	done(err)
}

func (c *fakeCapture) StopAndDrain() ([]float32, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drains++
	s := c.samples
	c.samples = nil
	return s, c.rate
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeCapture) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspends++
}

func (c *fakeCapture) Level() float64 { return c.level }

func (c *fakeCapture) counts() (starts, stops, drains int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, c.drains
}

type fakeJob struct {
	samples []float32
	rate    int
	fn      func(transcribe.Result, error)
}

// fakeWorker records submissions. In auto mode it answers synchronously;
// otherwise the test releases jobs explicitly.
type fakeWorker struct {
	mu      sync.Mutex
	jobs    []fakeJob
	cancels int
	auto    bool
	text    string
	err     error
}

func (w *fakeWorker) Transcribe(samples []float32, rate int, fn func(transcribe.Result, error)) {
	w.mu.Lock()
	w.jobs = append(w.jobs, fakeJob{samples, rate, fn})
	auto, text, err := w.auto, w.text, w.err
	w.mu.Unlock()
	if auto {
		fn(transcribe.Result{Text: text}, err)
	}
}

func (w *fakeWorker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels++
}

func (w *fakeWorker) jobCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

func (w *fakeWorker) job(i int) fakeJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobs[i]
}

type fakeTrigger struct {
	mu         sync.Mutex
	installs   int
	uninstalls int
	err        error
}

func (f *fakeTrigger) Install(TriggerHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	return f.err
}

func (f *fakeTrigger) Uninstall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
}

type fakePerms struct {
	mu       sync.Mutex
	allowed  bool
	requests int
}

func (p *fakePerms) MicrophoneAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowed
}

func (p *fakePerms) RequestMicrophoneAccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
}

type transcriptRec struct {
	sessionID string
	text      string
}

type recordingSink struct {
	mu          sync.Mutex
	states      []State
	transcripts []transcriptRec
	timings     []protocol.TimingReport
}

func (s *recordingSink) StateChanged(state State, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) TranscriptReady(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, transcriptRec{id, text})
}

func (s *recordingSink) TimingReady(r protocol.TimingReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings = append(s.timings, r)
}

func (s *recordingSink) countState(st State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.states {
		if v == st {
			n++
		}
	}
	return n
}

func (s *recordingSink) transcriptList() []transcriptRec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcriptRec, len(s.transcripts))
	copy(out, s.transcripts)
	return out
}

func (s *recordingSink) timingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timings)
}

func testDictConfig() config.DictationConfig {
	return config.DictationConfig{DebounceMS: 40, MaxUtteranceSeconds: 120}
}

func testDSPConfig() config.DSPConfig {
	return config.DSPConfig{
		TrimSilence: false,
		TargetRate:  16000,
		Resampler:   "linear",
	}
}

func newTestEngine(t *testing.T, mic *fakeCapture, w *fakeWorker, src *fakeTrigger, perms *fakePerms, sink Sink) *Engine {
	t.Helper()
	if sink == nil {
		sink = NopSink{}
	}
	e := New(testDictConfig(), testDSPConfig(), mic, w, src, perms, sink, newLogger())
	t.Cleanup(func() {
		e.Stop()
		e.Close()
	})
	return e
}

func currentToken(e *Engine) uuid.UUID {
	var tok uuid.UUID
	e.call(func() { tok = e.token })
	return tok
}

func waitState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if e.State() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %q, current %q", want, e.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	src := &fakeTrigger{}
	e := newTestEngine(t, &fakeCapture{}, &fakeWorker{}, src, &fakePerms{allowed: true}, nil)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if got := e.State(); got != StateReady {
		t.Fatalf("state = %q, want ready", got)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.installs != 1 {
		t.Fatalf("trigger installed %d times, want 1", src.installs)
	}
}

func TestStartTriggerInstallFailure(t *testing.T) {
	src := &fakeTrigger{err: errors.New("accessibility permission denied")}
	e := newTestEngine(t, &fakeCapture{}, &fakeWorker{}, src, &fakePerms{allowed: true}, nil)

	if err := e.Start(); err == nil {
		t.Fatal("expected install error")
	}
	if got := e.State(); got != StateError {
		t.Fatalf("state = %q, want error", got)
	}
}

func TestPressReleaseProducesTranscript(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 4410), rate: 44100}
	w := &fakeWorker{auto: true, text: "hello world"}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	e.TriggerPressed()
	waitState(t, e, StateListening)

	e.TriggerReleased()
	waitFor(t, "transcript", func() bool { return len(sink.transcriptList()) > 0 })
	waitState(t, e, StateReady)

	got := sink.transcriptList()
	if got[0].text != "hello world" {
		t.Fatalf("transcript = %q", got[0].text)
	}
	if got[0].sessionID == "" {
		t.Fatal("transcript missing session id")
	}

	job := w.job(0)
	if job.rate != 16000 {
		t.Fatalf("inference rate = %d, want 16000", job.rate)
	}
	// 4410 samples at 44.1 kHz resample to 1600 at 16 kHz.
	if n := len(job.samples); n < 1599 || n > 1601 {
		t.Fatalf("submitted %d samples, want ~1600", n)
	}

	if sink.timingCount() != 1 {
		t.Fatalf("timing reports = %d, want 1", sink.timingCount())
	}
	starts, _, drains := mic.counts()
	if starts != 1 || drains != 1 {
		t.Fatalf("capture starts=%d drains=%d, want 1/1", starts, drains)
	}

	sink.mu.Lock()
	states := append([]State(nil), sink.states...)
	sink.mu.Unlock()
	want := []State{StateInitializing, StateReady, StateListening, StateTranscribing, StateReady}
	if len(states) != len(want) {
		t.Fatalf("state sequence %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state sequence %v, want %v", states, want)
		}
	}
}

func TestPressWithoutPermission(t *testing.T) {
	mic := &fakeCapture{}
	perms := &fakePerms{allowed: false}
	e := newTestEngine(t, mic, &fakeWorker{}, &fakeTrigger{}, perms, nil)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerPressed()

	waitFor(t, "permission request", func() bool {
		perms.mu.Lock()
		defer perms.mu.Unlock()
		return perms.requests == 1
	})
	if got := e.State(); got != StateReady {
		t.Fatalf("state = %q, want ready", got)
	}
	starts, _, _ := mic.counts()
	if starts != 0 {
		t.Fatalf("capture started %d times with permission denied", starts)
	}
}

// A re-press inside the debounce window must keep the same capture session
// running: no drain, no second capture start, and ultimately a single
// transcription covering everything accumulated.
func TestRepressWithinDebounceKeepsSessionAlive(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	w := &fakeWorker{}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	e.TriggerPressed()
	waitState(t, e, StateListening)
	e.TriggerReleased()
	e.TriggerPressed() // inside the 40ms window

	time.Sleep(120 * time.Millisecond)
	if got := e.State(); got != StateListening {
		t.Fatalf("state = %q after re-press, want listening", got)
	}
	starts, _, drains := mic.counts()
	if starts != 1 {
		t.Fatalf("capture starts = %d, want 1", starts)
	}
	if drains != 0 {
		t.Fatalf("buffer drained %d times during continued session", drains)
	}

	e.TriggerReleased()
	waitState(t, e, StateTranscribing)
	if w.jobCount() != 1 {
		t.Fatalf("jobs = %d, want 1", w.jobCount())
	}
	w.job(0).fn(transcribe.Result{Text: "one utterance"}, nil)
	waitState(t, e, StateReady)

	if n := sink.countState(StateTranscribing); n != 1 {
		t.Fatalf("transcribing transitions = %d, want 1", n)
	}
}

// A re-press refreshes the session token, and the identity carried by the
// eventual transcript and timing report must follow it: a session id naming
// an invalidated token is useless for correlation.
func TestRepressRefreshesSessionIdentity(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	w := &fakeWorker{auto: true, text: "kept talking"}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	e.TriggerPressed()
	waitState(t, e, StateListening)
	first := currentToken(e)

	e.TriggerPressed() // same capture session, fresh token
	second := currentToken(e)
	if second == first {
		t.Fatal("re-press did not refresh the session token")
	}

	e.TriggerReleased()
	waitFor(t, "transcript", func() bool { return len(sink.transcriptList()) > 0 })
	waitState(t, e, StateReady)

	if got := sink.transcriptList()[0].sessionID; got != second.String() {
		t.Fatalf("transcript session id = %q, want %q", got, second.String())
	}
	sink.mu.Lock()
	timingID := sink.timings[0].SessionID
	sink.mu.Unlock()
	if timingID != second.String() {
		t.Fatalf("timing session id = %q, want %q", timingID, second.String())
	}
}

// A result arriving for a superseded session is discarded: no transcript, no
// state disturbance of the session that replaced it.
func TestStaleResultDiscarded(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	w := &fakeWorker{}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	e.TriggerPressed()
	waitState(t, e, StateListening)
	e.TriggerReleased()
	waitState(t, e, StateTranscribing)

	// New press supersedes the in-flight inference and starts a new session.
	mic.mu.Lock()
	mic.samples = make([]float32, 1600)
	mic.mu.Unlock()
	e.TriggerPressed()
	waitState(t, e, StateListening)

	w.mu.Lock()
	cancels := w.cancels
	w.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("worker cancels = %d, want 1", cancels)
	}

	// Deliver the stale first result; it carries the old session token.
	w.job(0).fn(transcribe.Result{Text: "stale"}, nil)
	time.Sleep(50 * time.Millisecond)

	if got := e.State(); got != StateListening {
		t.Fatalf("state = %q after stale result, want listening", got)
	}
	if got := sink.transcriptList(); len(got) != 0 {
		t.Fatalf("stale transcript delivered: %v", got)
	}
}

func TestCaptureStartFailureRecovers(t *testing.T) {
	mic := &fakeCapture{startErr: errors.New("no capture device")}
	w := &fakeWorker{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, nil)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerPressed()
	waitFor(t, "capture attempt", func() bool {
		starts, _, _ := mic.counts()
		return starts == 1
	})
	waitState(t, e, StateReady)
	if w.jobCount() != 0 {
		t.Fatal("inference submitted despite capture failure")
	}
}

// A transcription error must still return the machine to Ready.
func TestTranscriptionErrorRecovers(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	w := &fakeWorker{auto: true, err: errors.New("model exploded")}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerPressed()
	waitState(t, e, StateListening)
	e.TriggerReleased()
	waitState(t, e, StateReady)

	if got := sink.transcriptList(); len(got) != 0 {
		t.Fatalf("transcript delivered despite error: %v", got)
	}
	if sink.timingCount() != 1 {
		t.Fatalf("timing reports = %d, want 1", sink.timingCount())
	}
}

// Releasing with nothing captured delivers an empty transcript, which is a
// valid outcome distinct from an error.
func TestEmptyCaptureDeliversEmptyTranscript(t *testing.T) {
	mic := &fakeCapture{samples: nil, rate: 16000}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, &fakeWorker{}, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerPressed()
	waitState(t, e, StateListening)
	e.TriggerReleased()
	waitFor(t, "empty transcript", func() bool { return len(sink.transcriptList()) == 1 })
	waitState(t, e, StateReady)

	if got := sink.transcriptList()[0].text; got != "" {
		t.Fatalf("transcript = %q, want empty", got)
	}
}

// Toggle stops immediately, skipping the debounce window.
func TestToggleStartsAndStops(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	w := &fakeWorker{}
	sink := &recordingSink{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, sink)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerToggled()
	waitState(t, e, StateListening)
	e.TriggerToggled()
	waitState(t, e, StateTranscribing)

	w.job(0).fn(transcribe.Result{Text: "toggled"}, nil)
	waitState(t, e, StateReady)
	if got := sink.transcriptList(); len(got) != 1 || got[0].text != "toggled" {
		t.Fatalf("transcripts = %v", got)
	}
}

func TestSuspendDiscardsCapture(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	w := &fakeWorker{}
	e := newTestEngine(t, mic, w, &fakeTrigger{}, &fakePerms{allowed: true}, nil)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerPressed()
	waitState(t, e, StateListening)
	e.Suspend()
	waitState(t, e, StateReady)

	mic.mu.Lock()
	suspends, drains := mic.suspends, mic.drains
	mic.mu.Unlock()
	if suspends != 1 {
		t.Fatalf("capture suspends = %d, want 1", suspends)
	}
	if drains != 0 {
		t.Fatalf("suspend drained the buffer %d times", drains)
	}
	if w.jobCount() != 0 {
		t.Fatal("suspend submitted an inference job")
	}
}

func TestStopFromListening(t *testing.T) {
	mic := &fakeCapture{samples: make([]float32, 1600), rate: 16000}
	src := &fakeTrigger{}
	e := newTestEngine(t, mic, &fakeWorker{}, src, &fakePerms{allowed: true}, nil)

	if err := e.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e.TriggerPressed()
	waitState(t, e, StateListening)
	e.Stop()

	if got := e.State(); got != StateStopped {
		t.Fatalf("state = %q, want stopped", got)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.uninstalls != 1 {
		t.Fatalf("trigger uninstalled %d times, want 1", src.uninstalls)
	}
}
