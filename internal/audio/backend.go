package audio

// Device identifies one capture device as reported by the backend.
type Device struct {
	ID      string
	Name    string
	Default bool
}

// Backend abstracts the audio host API so the capture service can be tested
// without hardware. Open installs a callback that receives mono float
// samples at the device's negotiated format; the callback runs on the
// backend's own thread and must only append into a Buffer.
type Backend interface {
	Devices() ([]Device, error)
	Open(deviceID string, preferredRate int, onSamples func([]float32)) (Stream, error)
	Close() error
}

// Stream is one open capture stream. All methods are invoked on the capture
// service's serial loop, never concurrently.
type Stream interface {
	Start() error
	Stop() error
	SampleRate() int
	Close() error
}
