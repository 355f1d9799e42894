package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// NullBackend plays audio to nowhere in real time. Used for headless
// deployments and tests: devices consume queued audio at wall-clock speed
// without touching any sound hardware.
type NullBackend struct{}

// NewNullBackend creates a silent backend.
func NewNullBackend() *NullBackend { return &NullBackend{} }

// Open creates a silent playback device.
func (b *NullBackend) Open(format Format) (Output, error) {
	return &nullOutput{format: format}, nil
}

// Close is a no-op.
func (b *NullBackend) Close() error { return nil }

type nullOutput struct {
	format Format

	mu        sync.Mutex
	written   time.Duration
	startedAt time.Time
	started   bool

	underruns atomic.Uint64
	drained   bool
}

func (o *nullOutput) Write(frame Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.written += frame.Duration()
	o.drained = false
	return nil
}

func (o *nullOutput) Buffered() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return o.written
	}
	left := o.written - time.Since(o.startedAt)
	if left <= 0 {
		if !o.drained {
			o.drained = true
			o.underruns.Add(1)
		}
		return 0
	}
	return left
}

func (o *nullOutput) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		o.started = true
		o.startedAt = time.Now()
	}
	return nil
}

func (o *nullOutput) SetVolume(float64) {}

func (o *nullOutput) Underruns() uint64 { return o.underruns.Load() }

func (o *nullOutput) Close() error { return nil }
