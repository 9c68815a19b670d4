package protocol

import "time"

// TriggerEvent is a hardware trigger edge forwarded by an external hotkey
// daemon. Kind is one of "pressed", "released", "toggle".
type TriggerEvent struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdate mirrors the coordinator state for reactive UI binding.
type StatusUpdate struct {
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LevelUpdate carries the normalized input level (0.0-1.0).
type LevelUpdate struct {
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the final text for one completed utterance. Text may be
// empty when inference produced nothing; that is a valid result, not an
// error.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TimingReport captures per-session latency checkpoints for an external
// metrics sink.
type TimingReport struct {
	SessionID        string    `json:"session_id"`
	TriggerReleased  time.Time `json:"trigger_released"`
	CaptureStopped   time.Time `json:"capture_stopped"`
	ResampleDone     time.Time `json:"resample_done"`
	InferenceSubmit  time.Time `json:"inference_submit"`
	InferenceDone    time.Time `json:"inference_done"`
	CapturedSamples  int       `json:"captured_samples"`
	CaptureRate      int       `json:"capture_rate"`
	SubmittedSamples int       `json:"submitted_samples"`
}

const (
	SubjectTriggerPressed  = "dictate.trigger.pressed"
	SubjectTriggerReleased = "dictate.trigger.released"
	SubjectTriggerToggle   = "dictate.trigger.toggle"
	SubjectSuspend         = "dictate.suspend"
	SubjectStatus          = "dictate.status"
	SubjectLevel           = "dictate.level"
	SubjectTranscriptFinal = "dictate.transcript.final"
	SubjectTiming          = "dictate.timing"
)
