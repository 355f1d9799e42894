/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio provides decoding and playback primitives for the jukebox
// engine. Decoders turn media files into PCM frames, backends turn PCM
// frames into sound.
package audio

import (
	"errors"
	"time"
)

// ErrEndOfStream is returned by a decoder once the file is exhausted.
var ErrEndOfStream = errors.New("end of audio stream")

// Format describes the PCM layout of a frame. Two tracks can only play
// back to back on the same device when their formats match.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration converts a sample-frame count into wall time.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Frame is one decoded chunk of interleaved 16-bit PCM.
type Frame struct {
	Format  Format
	Samples []int16
	// Peak is the largest absolute sample value, normalized to [0,1].
	Peak float64
}

// Frames returns the number of sample frames in the chunk.
func (fr Frame) Frames() int {
	if fr.Format.Channels == 0 {
		return 0
	}
	return len(fr.Samples) / fr.Format.Channels
}

// Duration returns the playback time of the chunk.
func (fr Frame) Duration() time.Duration {
	return fr.Format.Duration(fr.Frames())
}

// Decoder yields PCM frames from one media file.
type Decoder interface {
	// Format returns the PCM layout of decoded frames.
	Format() Format
	// Next decodes the next chunk. Returns ErrEndOfStream at the end.
	Next() (Frame, error)
	// Position returns how much audio has been decoded so far.
	Position() time.Duration
	Close() error
}

// Output is an open playback device for one PCM format.
type Output interface {
	// Write queues a frame for playback. Blocks while the device buffer
	// is full.
	Write(Frame) error
	// Buffered returns the amount of queued audio not yet played.
	Buffered() time.Duration
	// Start begins playback of queued audio.
	Start() error
	// SetVolume scales playback in [0,1].
	SetVolume(v float64)
	// Underruns returns how often the device ran out of queued audio.
	Underruns() uint64
	Close() error
}

// Backend opens playback devices. The engine holds exactly one backend.
type Backend interface {
	// Open creates a playback device for the given format.
	Open(format Format) (Output, error)
	Close() error
}
