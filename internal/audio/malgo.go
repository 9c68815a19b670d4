package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// malgoBackend drives the microphone through miniaudio. One backend owns one
// malgo context; streams are opened and torn down by the capture service's
// serial loop.
type malgoBackend struct {
	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	devices []malgo.DeviceInfo
}

// NewMalgoBackend initializes the audio host context.
func NewMalgoBackend() (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &malgoBackend{ctx: ctx}, nil
}

func (b *malgoBackend) Devices() ([]Device, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}

	b.mu.Lock()
	b.devices = infos
	b.mu.Unlock()

	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, Device{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return out, nil
}

func (b *malgoBackend) Open(deviceID string, preferredRate int, onSamples func([]float32)) (Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1
	if preferredRate > 0 {
		cfg.SampleRate = uint32(preferredRate)
	}

	if deviceID != "" {
		id, err := b.lookupDeviceID(deviceID)
		if err != nil {
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	channels := int(cfg.Capture.Channels)
	onRecvFrames := func(_, pSample []byte, frameCount uint32) {
		if frameCount == 0 {
			return
		}
		n := int(frameCount) * channels
		samples := make([]float32, n)
		for i := 0; i < n; i++ {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pSample[i*4:]))
		}
		onSamples(samples)
	}

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	return &malgoStream{device: device}, nil
}

func (b *malgoBackend) lookupDeviceID(deviceID string) (*malgo.DeviceID, error) {
	if _, err := b.Devices(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.devices {
		if b.devices[i].ID.String() == deviceID {
			id := b.devices[i].ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("capture device %q not found", deviceID)
}

func (b *malgoBackend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	return err
}

type malgoStream struct {
	device *malgo.Device
}

func (s *malgoStream) Start() error {
	return s.device.Start()
}

func (s *malgoStream) Stop() error {
	return s.device.Stop()
}

func (s *malgoStream) SampleRate() int {
	return int(s.device.SampleRate())
}

func (s *malgoStream) Close() error {
	s.device.Uninit()
	return nil
}
