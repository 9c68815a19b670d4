package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/westkitty/dexdictate/internal/bus"
	"github.com/westkitty/dexdictate/internal/config"
	"github.com/westkitty/dexdictate/internal/engine"
	"github.com/westkitty/dexdictate/internal/history"
	"github.com/westkitty/dexdictate/internal/protocol"
)

// Recorder is the history surface the bridge persists transcripts and
// timing checkpoints to.
type Recorder interface {
	Append(ctx context.Context, u history.Utterance) error
	AppendTiming(ctx context.Context, t history.Timing) error
	ScratchLast(ctx context.Context) (string, bool, error)
}

// Bridge connects the message bus to the session coordinator: trigger events
// in, status/level/transcript/timing out. It implements both
// engine.TriggerSource (bus subscriptions feed the coordinator) and
// engine.Sink (coordinator output flows onto the bus), and owns the
// "scratch that" revocation at the delivery layer.
type Bridge struct {
	bus     *bus.Client
	level   func() float64
	rec     Recorder
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	levelMS int

	mu        sync.Mutex
	subs      []*nats.Subscription
	listening bool
}

// NewBridge builds a bridge. level reports the live input amplitude; it is a
// closure because the coordinator that supplies it is constructed after the
// bridge.
func NewBridge(parent context.Context, cfg config.AudioConfig, busClient *bus.Client, level func() float64, rec Recorder, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		bus:     busClient,
		level:   level,
		rec:     rec,
		logger:  logger.With(slog.String("component", "bridge")),
		ctx:     ctx,
		cancel:  cancel,
		levelMS: cfg.LevelIntervalMS,
	}
}

// Install implements engine.TriggerSource: trigger edges published on the
// bus are forwarded to the coordinator. The suspend subject carries host
// sleep notifications so capture is torn down before the device disappears.
func (b *Bridge) Install(h engine.TriggerHandler) error {
	handlers := []struct {
		subject string
		fn      func()
	}{
		{protocol.SubjectTriggerPressed, h.TriggerPressed},
		{protocol.SubjectTriggerReleased, h.TriggerReleased},
		{protocol.SubjectTriggerToggle, h.TriggerToggled},
		{protocol.SubjectSuspend, h.Suspend},
	}
	var subs []*nats.Subscription
	for _, entry := range handlers {
		fn := entry.fn
		sub, err := b.bus.Conn().Subscribe(entry.subject, func(*nats.Msg) { fn() })
		if err != nil {
			for _, s := range subs {
				_ = s.Drain()
			}
			return err
		}
		subs = append(subs, sub)
	}
	b.mu.Lock()
	b.subs = subs
	b.mu.Unlock()
	return nil
}

// Uninstall implements engine.TriggerSource.
func (b *Bridge) Uninstall() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

// Start launches the level meter loop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.levelLoop()
}

func (b *Bridge) Close() {
	b.cancel()
	b.Uninstall()
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) == 4
}

// levelLoop publishes the input level while capture is active so UI clients
// can render a meter without polling the daemon.
func (b *Bridge) levelLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.levelMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			listening := b.listening
			b.mu.Unlock()
			if !listening {
				continue
			}
			b.publish(protocol.SubjectLevel, protocol.LevelUpdate{
				Level:     b.level(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// StateChanged implements engine.Sink. Runs on the coordinator run loop and
// must stay non-blocking.
func (b *Bridge) StateChanged(state engine.State, message string) {
	b.mu.Lock()
	b.listening = state == engine.StateListening
	b.mu.Unlock()

	b.publish(protocol.SubjectStatus, protocol.StatusUpdate{
		State:     string(state),
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// TranscriptReady implements engine.Sink. A recognized revocation phrase
// deletes the newest stored utterance instead of being delivered as text.
func (b *Bridge) TranscriptReady(sessionID, text string) {
	if isScratchCommand(text) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			removed, found, err := b.rec.ScratchLast(b.ctx)
			if err != nil {
				b.logger.Warn("scratch failed", slogError(err))
				return
			}
			if !found {
				b.logger.Info("scratch requested with empty history")
				return
			}
			b.logger.Info("scratched last utterance", slog.Int("chars", len(removed)))
			b.publish(protocol.SubjectStatus, protocol.StatusUpdate{
				State:     string(engine.StateReady),
				Message:   "scratched last utterance",
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
			})
		}()
		return
	}

	b.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})

	if text == "" {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.rec.Append(b.ctx, history.Utterance{SessionID: sessionID, Text: text}); err != nil {
			b.logger.Warn("history append failed", slogError(err))
		}
	}()
}

// TimingReady implements engine.Sink.
func (b *Bridge) TimingReady(report protocol.TimingReport) {
	b.publish(protocol.SubjectTiming, report)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.rec.AppendTiming(b.ctx, history.Timing{
			SessionID:        report.SessionID,
			TriggerReleased:  report.TriggerReleased,
			CaptureStopped:   report.CaptureStopped,
			ResampleDone:     report.ResampleDone,
			InferenceSubmit:  report.InferenceSubmit,
			InferenceDone:    report.InferenceDone,
			CapturedSamples:  report.CapturedSamples,
			CaptureRate:      report.CaptureRate,
			SubmittedSamples: report.SubmittedSamples,
		})
		if err != nil {
			b.logger.Warn("timing append failed", slogError(err))
		}
	}()
}

func (b *Bridge) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("bridge encode failed", slog.String("subject", subject), slogError(err))
		return
	}
	if err := b.bus.Conn().Publish(subject, data); err != nil {
		b.logger.Warn("bridge publish failed", slog.String("subject", subject), slogError(err))
	}
}

// isScratchCommand matches the spoken revocation phrase. Whether the speaker
// meant the utterance they just finished or the one before it is inherently
// ambiguous; the newest stored entry is always the one removed.
func isScratchCommand(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!,?")
	return t == "scratch that"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
