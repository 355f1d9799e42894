package audio

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/media"
)

// ErrUnsupported is returned for files no decoder can handle.
var ErrUnsupported = fmt.Errorf("unsupported audio format")

// Provider opens decoders for media files, honoring the configured
// filename blacklist.
type Provider struct {
	storage   media.Storage
	blacklist []string
	logger    zerolog.Logger
}

// NewProvider creates a decoder provider. Blacklist entries are wildcard
// patterns matched against the file path.
func NewProvider(storage media.Storage, blacklist []string, logger zerolog.Logger) *Provider {
	patterns := make([]string, 0, len(blacklist))
	for _, entry := range blacklist {
		patterns = append(patterns, catalog.NormalizePattern(entry))
	}
	return &Provider{
		storage:   storage,
		blacklist: patterns,
		logger:    logger.With().Str("component", "audio").Logger(),
	}
}

// OpenDecoder opens a media file and wraps it in the matching decoder.
func (p *Provider) OpenDecoder(ctx context.Context, path string) (Decoder, error) {
	for _, pattern := range p.blacklist {
		if catalog.MatchPattern(pattern, path) {
			return nil, fmt.Errorf("%w: %s is blacklisted", ErrUnsupported, path)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		src, err := p.storage.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return NewMP3Decoder(src)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}
