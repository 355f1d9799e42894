package audio

import (
	"errors"
	"fmt"
	"io"
	"time"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// chunkFrames is how many sample frames one decoded chunk carries. Roughly
// 100ms at 44.1kHz, small enough for responsive silence detection.
const chunkFrames = 4096

// MP3Decoder decodes an MP3 stream into 16-bit stereo PCM frames.
type MP3Decoder struct {
	src     io.ReadCloser
	dec     *gomp3.Decoder
	format  Format
	decoded time.Duration
	buf     []byte
}

// NewMP3Decoder wraps a media file reader. The reader is closed by Close.
func NewMP3Decoder(src io.ReadCloser) (*MP3Decoder, error) {
	dec, err := gomp3.NewDecoder(src)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("open mp3 stream: %w", err)
	}
	return &MP3Decoder{
		src: src,
		dec: dec,
		// go-mp3 always emits interleaved 16-bit stereo.
		format: Format{SampleRate: dec.SampleRate(), Channels: 2},
		buf:    make([]byte, chunkFrames*4),
	}, nil
}

// Format returns the PCM layout of decoded frames.
func (d *MP3Decoder) Format() Format { return d.format }

// Position returns how much audio has been decoded so far.
func (d *MP3Decoder) Position() time.Duration { return d.decoded }

// Next decodes up to one chunk of PCM and computes its peak level.
func (d *MP3Decoder) Next() (Frame, error) {
	n, err := io.ReadFull(d.dec, d.buf)
	if n == 0 {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrEndOfStream
		}
		return Frame{}, fmt.Errorf("decode mp3: %w", err)
	}

	// Truncate to whole sample frames. 2 channels, 2 bytes per sample.
	n -= n % 4

	samples := make([]int16, n/2)
	peak := 0.0
	for i := 0; i < n; i += 2 {
		s := int16(d.buf[i]) | int16(d.buf[i+1])<<8
		samples[i/2] = s
		abs := float64(s)
		if abs < 0 {
			abs = -abs
		}
		if level := abs / 32768; level > peak {
			peak = level
		}
	}

	frame := Frame{Format: d.format, Samples: samples, Peak: peak}
	d.decoded += frame.Duration()
	return frame, nil
}

// Close releases the underlying reader.
func (d *MP3Decoder) Close() error { return d.src.Close() }
