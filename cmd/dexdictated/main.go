package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/westkitty/dexdictate/internal/audio"
	"github.com/westkitty/dexdictate/internal/bus"
	"github.com/westkitty/dexdictate/internal/config"
	"github.com/westkitty/dexdictate/internal/engine"
	"github.com/westkitty/dexdictate/internal/history"
	"github.com/westkitty/dexdictate/internal/natsserver"
	"github.com/westkitty/dexdictate/internal/runtime"
	"github.com/westkitty/dexdictate/internal/transcribe"
)

var version = "0.1.0-dev"

// systemPermissions is the headless permission provider. Desktop builds
// would query the platform's microphone authorization here; on a server
// there is nothing to ask.
type systemPermissions struct{}

func (systemPermissions) MicrophoneAllowed() bool  { return true }
func (systemPermissions) RequestMicrophoneAccess() {}

type daemonStatus struct {
	State       string         `json:"state"`
	ModelLoaded bool           `json:"model_loaded"`
	BusHealthy  bool           `json:"bus_healthy"`
	Devices     []audio.Device `json:"devices,omitempty"`
}

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "dexdictate.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ns, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	defer ns.Shutdown()

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	backend, err := audio.NewMalgoBackend()
	if err != nil {
		return fmt.Errorf("init audio backend: %w", err)
	}
	capture := audio.NewService(cfg.Audio, backend, logger)
	defer capture.Close()

	rec, err := newRecognizer(cfg.Model)
	if err != nil {
		return fmt.Errorf("init recognizer: %w", err)
	}
	worker := transcribe.NewWorker(rec, cfg.Model.DiskMarginBytes, logger)
	defer worker.Close()
	if cfg.Model.Mode == "whisper" {
		if err := worker.LoadModel(cfg.Model.Path); err != nil {
			return fmt.Errorf("load model: %w", err)
		}
	}

	hist, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer hist.Close()

	// The bridge needs the coordinator's level and the coordinator needs the
	// bridge as trigger source and sink, so the level is a late-bound closure.
	var coordinator *engine.Engine
	bridge := runtime.NewBridge(ctx, cfg.Audio, busClient, func() float64 {
		if coordinator == nil {
			return 0
		}
		return coordinator.Level()
	}, hist, logger)
	defer bridge.Close()

	coordinator = engine.New(cfg.Dictation, cfg.DSP, capture, worker, bridge, systemPermissions{}, bridge, logger)
	defer coordinator.Close()

	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coordinator.Stop()
	bridge.Start()

	rt := runtime.New(cfg, logger, func() any {
		devices, devErr := capture.Devices()
		if devErr != nil {
			logger.Warn("device enumeration failed", slog.String("error", devErr.Error()))
		}
		return daemonStatus{
			State:       string(coordinator.State()),
			ModelLoaded: worker.Loaded(),
			BusHealthy:  busClient.Healthy(),
			Devices:     devices,
		}
	})
	rt.SetReady(true)

	return rt.Start(ctx)
}

func newRecognizer(cfg config.ModelConfig) (transcribe.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return transcribe.NewExecRecognizer(cfg)
	case "whisper":
		return transcribe.NewWhisperRecognizer(cfg)
	default:
		return transcribe.NewMockRecognizer(), nil
	}
}
