/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine runs one playback worker per stream: it pops tracks from
// the selector, decodes them, and streams PCM to an output device with
// gapless timing, underrun recovery, silence compression, and a volume
// fade at every track boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/audio"
	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/models"
	"github.com/friendsincode/skald_jukebox/internal/selector"
)

const (
	// silenceFloor is the peak level below which a frame counts as silent.
	silenceFloor = 0.001
	// silenceWindow is how much accumulated silence triggers compression.
	silenceWindow = time.Second
	// maxConsecutiveErrors forces device disposal once exceeded.
	maxConsecutiveErrors = 10
)

// DecoderOpener opens decoders for track files. Satisfied by
// audio.Provider.
type DecoderOpener interface {
	OpenDecoder(ctx context.Context, path string) (audio.Decoder, error)
}

// Metrics receives engine counters. Tests pass the zero value.
type Metrics struct {
	TracksStarted  func()
	Underruns      func()
	SilenceSkipped func(time.Duration)
	TrackErrors    func()
}

// Worker is the playback loop of one stream. Run blocks until Stop.
type Worker struct {
	streamID  int64
	store     *catalog.Store
	selector  *selector.Selector
	provider  DecoderOpener
	backends  []audio.Backend
	publisher *Publisher
	logger    zerolog.Logger
	metrics   Metrics

	// Tunable for tests; set to production values by NewWorker.
	preStartBuffer time.Duration
	steadyBuffer   time.Duration
	idleSleep      time.Duration
	errorSleep     time.Duration
	silenceSkip    bool

	skip atomic.Bool
	exit atomic.Bool
	done chan struct{}

	// deviceMu guards out against a concurrent async fade disposing the
	// device while a new track attaches.
	deviceMu  sync.Mutex
	out       audio.Output
	outFormat audio.Format

	nextStart time.Time
	fades     sync.WaitGroup
}

// NewWorker creates a playback worker for a stream. Backends are probed in
// order until one opens a device.
func NewWorker(streamID int64, store *catalog.Store, sel *selector.Selector, provider DecoderOpener, backends []audio.Backend, publisher *Publisher, silenceSkip bool, logger zerolog.Logger) *Worker {
	return &Worker{
		streamID:       streamID,
		store:          store,
		selector:       sel,
		provider:       provider,
		backends:       backends,
		publisher:      publisher,
		logger:         logger.With().Str("component", "engine").Int64("stream", streamID).Logger(),
		preStartBuffer: time.Second,
		steadyBuffer:   10 * time.Second,
		idleSleep:      time.Second,
		errorSleep:     time.Second,
		silenceSkip:    silenceSkip,
		done:           make(chan struct{}),
	}
}

// SetMetrics wires the telemetry counters.
func (w *Worker) SetMetrics(m Metrics) { w.metrics = m }

// RequestSkip asks the worker to end the current track. Observed at the
// next loop checkpoint.
func (w *Worker) RequestSkip() { w.skip.Store(true) }

// Stop signals the worker to exit and blocks until it has, including any
// in-flight fade which then runs synchronously.
func (w *Worker) Stop() {
	w.exit.Store(true)
	<-w.done
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run is the worker loop. Real-time buffer timing must not share its
// thread with unrelated goroutines, so the loop pins itself.
func (w *Worker) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer close(w.done)

	consecutive := 0
	for !w.exit.Load() {
		err := w.playNext(ctx)
		switch {
		case err == nil:
			consecutive = 0
		case errors.Is(err, catalog.ErrEmptyPlaylist):
			consecutive = 0
			w.sleep(w.idleSleep)
		default:
			consecutive++
			w.logger.Error().Err(err).Int("consecutive", consecutive).Msg("playback error")
			if w.metrics.TrackErrors != nil {
				w.metrics.TrackErrors()
			}
			if consecutive > maxConsecutiveErrors {
				w.logger.Warn().Msg("too many consecutive errors, disposing output device")
				w.releaseDevice()
				consecutive = 0
			}
			w.sleep(w.errorSleep)
		}
	}

	w.fades.Wait()
	w.releaseDevice()
}

// playNext plays one track end to end.
func (w *Worker) playNext(ctx context.Context) error {
	w.skip.Store(false)

	sel, err := w.selector.SelectNext(ctx)
	if err != nil {
		return err
	}

	settings, err := w.store.StreamSettings(ctx, w.streamID)
	if err != nil {
		return err
	}

	dec, err := w.provider.OpenDecoder(ctx, sel.File.Path)
	if err != nil {
		return fmt.Errorf("open decoder for track %d: %w", sel.Track.ID, err)
	}
	defer dec.Close()

	frame, err := dec.Next()
	if err != nil {
		return fmt.Errorf("decode first frame of track %d: %w", sel.Track.ID, err)
	}

	out, err := w.acquireDevice(dec.Format())
	if err != nil {
		// No device could be opened. The entry is already consumed;
		// reselection happens on the next track attempt.
		return err
	}

	np := w.nowPlayingDraft(ctx, sel)
	origVolume := settings.Volume
	out.SetVolume(origVolume)

	var (
		started         bool
		skipped         bool
		forced          bool
		lastUnderruns   uint64
		inSilence       time.Duration
		skippingSilence bool
		lastVolumeSync  time.Time
	)

	w.logger.Info().Int64("track", sel.Track.ID).Str("title", sel.Track.Title).Msg("track selected")

	for {
		if w.exit.Load() {
			forced = true
			break
		}
		if w.skip.Swap(false) {
			skipped = true
			break
		}

		if !started && out.Buffered() >= w.preStartBuffer {
			if time.Now().Before(w.nextStart) {
				// Gapless gate: the previous track's audio is still
				// draining.
				w.sleep(10 * time.Millisecond)
				continue
			}
			np.StartedAt = time.Now().UTC()
			if err := out.Start(); err != nil {
				w.releaseDevice()
				return err
			}
			w.publisher.Publish(np)
			started = true
			lastUnderruns = out.Underruns()
			if w.metrics.TracksStarted != nil {
				w.metrics.TracksStarted()
			}
		}

		if frame.Format != w.outFormat {
			w.logger.Warn().Int64("track", sel.Track.ID).
				Msg("format changed mid-stream, aborting frankenstein track")
			break
		}

		write := true
		if w.silenceSkip {
			if frame.Peak < silenceFloor {
				inSilence += frame.Duration()
				if inSilence > silenceWindow {
					// Contiguous silence beyond the window is dropped.
					write = false
					skippingSilence = true
					if w.metrics.SilenceSkipped != nil {
						w.metrics.SilenceSkipped(frame.Duration())
					}
				}
			} else {
				if skippingSilence && started {
					np.StartedAt = recomputeStart(time.Now().UTC(), dec.Position(), out.Buffered())
					w.publisher.Publish(np)
					w.logger.Debug().Dur("skipped", inSilence-silenceWindow).Msg("silence compressed")
				}
				skippingSilence = false
				inSilence = 0
			}
		}
		if write {
			if err := out.Write(frame); err != nil {
				break
			}
		}

		if started {
			if u := out.Underruns(); u > lastUnderruns {
				lastUnderruns = u
				np.StartedAt = recomputeStart(time.Now().UTC(), dec.Position(), out.Buffered())
				w.publisher.Publish(np)
				w.logger.Warn().Int64("track", sel.Track.ID).Msg("buffer underrun, position recomputed")
				if w.metrics.Underruns != nil {
					w.metrics.Underruns()
				}
			}

			if time.Since(lastVolumeSync) > time.Second {
				lastVolumeSync = time.Now()
				if fresh, err := w.store.StreamSettings(ctx, w.streamID); err == nil && fresh.Volume != origVolume {
					origVolume = fresh.Volume
					out.SetVolume(origVolume)
				}
			}

			if headroom := out.Buffered() - w.steadyBuffer; headroom > 0 {
				nap := headroom
				if nap > time.Second {
					nap = time.Second
				}
				w.sleep(nap)
			}
		}

		frame, err = dec.Next()
		if errors.Is(err, audio.ErrEndOfStream) {
			break
		}
		if err != nil {
			w.logger.Warn().Err(err).Int64("track", sel.Track.ID).Msg("decode failed, aborting track")
			break
		}
	}

	if !started && !skipped && !forced && out.Buffered() > 0 {
		// A track shorter than the pre-start buffer reaches end of
		// stream before the gate opens. Start it now so it drains
		// through the fade instead of being thrown away.
		for time.Now().Before(w.nextStart) && !w.exit.Load() {
			w.sleep(10 * time.Millisecond)
		}
		np.StartedAt = time.Now().UTC()
		if err := out.Start(); err == nil {
			w.publisher.Publish(np)
			started = true
			if w.metrics.TracksStarted != nil {
				w.metrics.TracksStarted()
			}
		}
	}

	if !started {
		// Nothing audible was produced; release without a fade so the
		// next track starts clean.
		w.releaseDevice()
		w.nextStart = time.Time{}
		return nil
	}

	now := time.Now()
	w.nextStart = computeNextStart(now, out.Buffered(), skipped)

	endTime := w.nextStart.Add(time.Second)
	if forced {
		endTime = now.Add(time.Second)
	}

	w.detachDevice()
	if forced || w.exit.Load() {
		w.fadeOut(out, endTime, origVolume)
	} else {
		w.fades.Add(1)
		go func() {
			defer w.fades.Done()
			w.fadeOut(out, endTime, origVolume)
		}()
	}
	return nil
}

// fadeOut waits until one second of audio is left, ramps the volume
// linearly to zero, then disposes the device. An underrun during the
// drain shortens the ramp to the audio actually buffered.
func (w *Worker) fadeOut(out audio.Output, deadline time.Time, origVolume float64) {
	remaining := func() float64 {
		r := time.Until(deadline).Seconds()
		if b := out.Buffered().Seconds(); b < r {
			r = b
		}
		if r < 0 {
			return 0
		}
		return r
	}
	for remaining() > 1 {
		time.Sleep(time.Millisecond)
	}
	for {
		vol := remaining() * origVolume
		if vol <= 0 {
			break
		}
		if vol > origVolume {
			vol = origVolume
		}
		out.SetVolume(vol)
		time.Sleep(time.Millisecond)
	}
	out.SetVolume(0)

	w.deviceMu.Lock()
	out.Close()
	w.deviceMu.Unlock()
}

// acquireDevice reuses the held device when the format matches, otherwise
// probes the configured backends in order.
func (w *Worker) acquireDevice(format audio.Format) (audio.Output, error) {
	w.deviceMu.Lock()
	defer w.deviceMu.Unlock()

	if w.out != nil {
		if w.outFormat == format {
			return w.out, nil
		}
		w.out.Close()
		w.out = nil
	}

	var lastErr error
	for _, backend := range w.backends {
		out, err := backend.Open(format)
		if err != nil {
			lastErr = err
			continue
		}
		w.out = out
		w.outFormat = format
		return out, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no audio backends configured")
	}
	return nil, fmt.Errorf("open output device: %w", lastErr)
}

// detachDevice hands the held device over to a fade without closing it.
func (w *Worker) detachDevice() {
	w.deviceMu.Lock()
	w.out = nil
	w.deviceMu.Unlock()
}

// releaseDevice closes and forgets the held device.
func (w *Worker) releaseDevice() {
	w.deviceMu.Lock()
	if w.out != nil {
		w.out.Close()
		w.out = nil
	}
	w.deviceMu.Unlock()
}

func (w *Worker) nowPlayingDraft(ctx context.Context, sel selector.Selection) models.NowPlaying {
	return models.NowPlaying{
		StreamID:        w.streamID,
		OwnerID:         sel.Item.OwnerID,
		SubsetID:        sel.Item.SubsetID,
		TrackID:         sel.Track.ID,
		Duration:        sel.Track.Duration,
		Title:           sel.Track.Title,
		ArtistName:      w.store.Artist(ctx, sel.Track.ArtistID).Name,
		AlbumArtistName: w.store.Artist(ctx, sel.Track.AlbumArtistID).Name,
		AlbumName:       w.store.Album(ctx, sel.Track.AlbumID).Name,
		Genres:          sel.Track.Genres,
		Tags:            sel.Track.Tags,
	}
}

// sleep naps in small steps so exit stays responsive.
func (w *Worker) sleep(d time.Duration) {
	const step = 50 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) && !w.exit.Load() {
		nap := time.Until(deadline)
		if nap > step {
			nap = step
		}
		time.Sleep(nap)
	}
}

// recomputeStart shifts the start time so the displayed position stays
// continuous after an audio gap: position = consumed minus what is still
// buffered.
func recomputeStart(now time.Time, position, buffered time.Duration) time.Time {
	return now.Add(-position).Add(buffered)
}

// computeNextStart schedules the earliest start of the following track.
// After a skip one second suffices; otherwise the buffered audio must
// mostly drain first.
func computeNextStart(now time.Time, buffered time.Duration, skipped bool) time.Time {
	if skipped {
		return now.Add(time.Second)
	}
	gap := buffered - time.Second
	if gap < 0 {
		gap = 0
	}
	return now.Add(gap)
}
