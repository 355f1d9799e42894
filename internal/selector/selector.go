package selector

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

// FileChecker answers whether the backing file of a track still exists.
// Satisfied by the media storage implementations.
type FileChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Selection is one track popped from the playlist, resolved to its file.
type Selection struct {
	Item  models.PlaylistItem
	Track models.Track
	File  models.TrackFile
}

// Selector refills the shared playlist with weighted random picks from the
// configured subset and pops the next entry for playback. One selector
// serves one stream.
type Selector struct {
	store   *catalog.Store
	files   FileChecker
	rng     *rand.Rand
	logger  zerolog.Logger
	metrics Metrics

	streamID int64

	// Cached eligible pool, valid while the fingerprint matches.
	pool        []int64
	fingerprint uint64
	poolValid   bool
}

// Metrics receives selector counters. The telemetry package provides the
// production implementation; tests pass the zero value.
type Metrics struct {
	Refills     func()
	PurgedFiles func()
}

// New creates a selector for a stream. The rng may be seeded for tests.
func New(store *catalog.Store, files FileChecker, streamID int64, rng *rand.Rand, logger zerolog.Logger) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{
		store:    store,
		files:    files,
		rng:      rng,
		logger:   logger.With().Str("component", "selector").Int64("stream", streamID).Logger(),
		streamID: streamID,
	}
}

// SetMetrics wires the telemetry counters.
func (s *Selector) SetMetrics(m Metrics) { s.metrics = m }

// SelectNext refills the playlist up to the configured minimum depth and
// pops the next entry. Returns catalog.ErrEmptyPlaylist when no eligible
// track exists at all.
func (s *Selector) SelectNext(ctx context.Context) (Selection, error) {
	var sel Selection

	settings, err := s.store.StreamSettings(ctx, s.streamID)
	if err != nil {
		return sel, err
	}

	if settings.StreamType == models.StreamJukebox {
		if err := s.refill(ctx, settings); err != nil {
			return sel, err
		}
	}

	for {
		item, err := s.store.PopNext(ctx, s.streamID)
		if err != nil {
			return sel, err
		}

		track, err := s.store.Track(ctx, item.TrackID)
		if err != nil {
			s.logger.Warn().Int64("track", item.TrackID).Msg("popped entry references missing track")
			continue
		}
		file, err := s.store.TrackFile(ctx, track.FileID)
		if err != nil {
			s.logger.Warn().Int64("track", track.ID).Msg("popped track has no file record")
			continue
		}

		ok, err := s.files.Exists(ctx, file.Path)
		if err != nil {
			return sel, fmt.Errorf("check track file: %w", err)
		}
		if !ok {
			// Backing file vanished since the crawl. Drop the track from
			// the catalog and move on to the next entry.
			s.logger.Warn().Int64("track", track.ID).Str("path", file.Path).Msg("purging track with missing file")
			if err := s.store.PurgeTrack(ctx, track); err != nil {
				return sel, err
			}
			if s.metrics.PurgedFiles != nil {
				s.metrics.PurgedFiles()
			}
			s.invalidate()
			continue
		}

		sel.Item = item
		sel.Track = track
		sel.File = file
		return sel, nil
	}
}

// Refill tops the playlist up to the minimum depth without popping.
func (s *Selector) Refill(ctx context.Context) error {
	settings, err := s.store.StreamSettings(ctx, s.streamID)
	if err != nil {
		return err
	}
	if settings.StreamType != models.StreamJukebox {
		return nil
	}
	return s.refill(ctx, settings)
}

func (s *Selector) refill(ctx context.Context, settings models.StreamSettings) error {
	queued, err := s.store.CountQueued(ctx, s.streamID)
	if err != nil {
		return err
	}
	if queued >= settings.MinimumTitleCount {
		return nil
	}

	pool, err := s.eligiblePool(ctx, settings)
	if err != nil {
		return err
	}
	if len(pool) == 0 {
		s.logger.Warn().Int64("subset", settings.SubsetID).Msg("no eligible tracks for refill")
		return nil
	}

	queuedSet, err := s.store.QueuedTrackIDs(ctx, s.streamID)
	if err != nil {
		return err
	}
	if np := s.store.NowPlaying(ctx, s.streamID); np.TrackID != 0 {
		queuedSet[np.TrackID] = struct{}{}
	}

	// Bounded attempts: a small pool that is mostly queued already must not
	// spin forever.
	need := settings.MinimumTitleCount - queued
	added := 0
	for attempts := 0; added < need && attempts < 4*settings.MinimumTitleCount; attempts++ {
		// Two draws multiplied bias the pick toward the low end of the
		// pool, favouring tracks added longer ago.
		idx := (int64(s.rng.Int31()) * int64(s.rng.Int31())) % int64(len(pool))
		trackID := pool[idx]
		if _, dup := queuedSet[trackID]; dup {
			continue
		}
		ok, err := s.ensurePlayable(ctx, trackID)
		if err != nil {
			return err
		}
		if !ok {
			// Purged. Keep the stale pool for this pass but never
			// draw the track again.
			queuedSet[trackID] = struct{}{}
			continue
		}
		if err := s.store.EnqueueAuto(ctx, s.streamID, settings.SubsetID, trackID, s.rng); err != nil {
			return err
		}
		queuedSet[trackID] = struct{}{}
		added++
	}

	if added > 0 {
		s.logger.Debug().Int("added", added).Int("pool", len(pool)).Msg("playlist refilled")
		if s.metrics.Refills != nil {
			s.metrics.Refills()
		}
	}
	return nil
}

// ensurePlayable verifies the track's backing file still exists before it
// is queued, purging the track when it does not. Returns false when the
// track must not be queued.
func (s *Selector) ensurePlayable(ctx context.Context, trackID int64) (bool, error) {
	track, err := s.store.Track(ctx, trackID)
	if err != nil {
		return false, nil
	}
	file, err := s.store.TrackFile(ctx, track.FileID)
	if err != nil {
		return false, nil
	}
	ok, err := s.files.Exists(ctx, file.Path)
	if err != nil {
		return false, fmt.Errorf("check track file: %w", err)
	}
	if ok {
		return true, nil
	}
	s.logger.Warn().Int64("track", track.ID).Str("path", file.Path).Msg("purging track with missing file")
	if err := s.store.PurgeTrack(ctx, track); err != nil {
		return false, err
	}
	if s.metrics.PurgedFiles != nil {
		s.metrics.PurgedFiles()
	}
	s.invalidate()
	return false, nil
}

// eligiblePool returns the cached track pool, recomputing it when any of
// the catalog tables changed since the last computation.
func (s *Selector) eligiblePool(ctx context.Context, settings models.StreamSettings) ([]int64, error) {
	fp := s.store.TracksVersion() ^ s.store.SubsetsVersion() ^ s.store.FiltersVersion()
	if s.poolValid && fp == s.fingerprint {
		return s.pool, nil
	}

	var (
		pool []int64
		err  error
	)
	if settings.SubsetID > 0 {
		pool, err = s.store.SubsetTrackIDs(ctx, settings.SubsetID, settings.MinimumLength, settings.MaximumLength)
	} else {
		pool, err = s.store.AllTrackIDs(ctx)
	}
	if err != nil {
		return nil, err
	}
	subsetCount := len(pool)
	if len(pool) == 0 && settings.SubsetID > 0 {
		// An over-restricted subset must not starve the stream.
		s.logger.Warn().Int64("subset", settings.SubsetID).Msg("subset pool empty, falling back to full catalog")
		pool, err = s.store.AllTrackIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	if settings.SubsetID > 0 {
		subset, err := s.store.Subset(ctx, settings.SubsetID)
		if err == nil && subset.ID > 0 && subset.TitleCount != subsetCount {
			subset.TitleCount = subsetCount
			if err := s.store.UpdateSubsetTitleCount(ctx, subset); err != nil {
				s.logger.Warn().Err(err).Msg("updating subset title count failed")
			}
			// The update bumped the subset version; refresh the
			// fingerprint so the cache stays valid.
			fp = s.store.TracksVersion() ^ s.store.SubsetsVersion() ^ s.store.FiltersVersion()
		}
	}

	s.pool = pool
	s.fingerprint = fp
	s.poolValid = true
	return pool, nil
}

func (s *Selector) invalidate() { s.poolValid = false }
