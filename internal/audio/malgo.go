/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// ringCapacity is how much queued audio a device holds. Must exceed the
// engine's steady-state buffering target.
const ringCapacity = 15 * time.Second

// MalgoBackend opens playback devices through the miniaudio library.
type MalgoBackend struct {
	ctx    *malgo.AllocatedContext
	logger zerolog.Logger
}

// NewMalgoBackend initializes the miniaudio context.
func NewMalgoBackend(logger zerolog.Logger) (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug().Str("component", "miniaudio").Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoBackend{ctx: ctx, logger: logger}, nil
}

// Open creates a playback device for the given format.
func (b *MalgoBackend) Open(format Format) (Output, error) {
	out := &malgoOutput{
		format: format,
		ring:   make([]byte, int(ringCapacity.Seconds())*format.SampleRate*format.Channels*2),
		logger: b.logger,
	}
	out.space = sync.NewCond(&out.mu)
	out.volume.Store(math.Float64bits(1))

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: out.fill,
	})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	out.device = device
	return out, nil
}

// Close releases the miniaudio context.
func (b *MalgoBackend) Close() error {
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// malgoOutput is one open playback device backed by a byte ring buffer.
// The miniaudio callback drains the ring; Write fills it and blocks while
// it is full.
type malgoOutput struct {
	format Format
	device *malgo.Device
	logger zerolog.Logger

	mu     sync.Mutex
	space  *sync.Cond
	ring   []byte
	head   int // next byte the callback reads
	size   int // bytes queued
	closed bool

	started   atomic.Bool
	volume    atomic.Uint64 // float64 bits
	underruns atomic.Uint64
}

// fill is the miniaudio data callback. Runs on the device thread. Volume
// is applied here rather than in Write so a fade-out affects audio that is
// already queued.
func (o *malgoOutput) fill(output, _ []byte, frameCount uint32) {
	vol := math.Float64frombits(o.volume.Load())

	o.mu.Lock()
	n := len(output)
	if n > o.size {
		if o.size == 0 && frameCount > 0 {
			o.underruns.Add(1)
		}
		n = o.size
	}
	n -= n % 2
	for i := 0; i < n; i += 2 {
		s := int16(o.ring[(o.head+i)%len(o.ring)]) | int16(o.ring[(o.head+i+1)%len(o.ring)])<<8
		scaled := int16(float64(s) * vol)
		output[i] = byte(scaled)
		output[i+1] = byte(uint16(scaled) >> 8)
	}
	o.head = (o.head + n) % len(o.ring)
	o.size -= n
	o.mu.Unlock()
	o.space.Broadcast()
	// Remaining bytes in output stay zero, which is silence for S16.
}

// Write queues a frame. Blocks while the ring is full.
func (o *malgoOutput) Write(frame Frame) error {
	buf := make([]byte, len(frame.Samples)*2)
	for i, s := range frame.Samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(uint16(s) >> 8)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for len(buf) > 0 {
		if o.closed {
			return fmt.Errorf("device closed")
		}
		free := len(o.ring) - o.size
		if free == 0 {
			o.space.Wait()
			continue
		}
		n := len(buf)
		if n > free {
			n = free
		}
		tail := (o.head + o.size) % len(o.ring)
		for i := 0; i < n; i++ {
			o.ring[(tail+i)%len(o.ring)] = buf[i]
		}
		o.size += n
		buf = buf[n:]
	}
	return nil
}

// Buffered returns the amount of queued audio not yet played.
func (o *malgoOutput) Buffered() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.size / (o.format.Channels * 2)
	return o.format.Duration(frames)
}

// Start begins playback.
func (o *malgoOutput) Start() error {
	if o.started.Swap(true) {
		return nil
	}
	if err := o.device.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	return nil
}

// SetVolume scales playback of queued and future audio. Clamped to [0,1].
func (o *malgoOutput) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.volume.Store(math.Float64bits(v))
}

// Underruns returns how often the device drained the ring dry.
func (o *malgoOutput) Underruns() uint64 { return o.underruns.Load() }

// Close stops the device and frees it.
func (o *malgoOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.space.Broadcast()

	o.device.Uninit()
	return nil
}
