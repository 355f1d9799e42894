package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

// Store wraps the catalog and playlist tables. Every read-modify-write
// sequence on the playlist runs under an explicit store-level lock so stream
// workers and web requests cannot race on the same PlaylistItem.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger

	playlistMu sync.Mutex

	// Per-table version counters. Monotonically increasing, bumped on every
	// mutation; the selector XORs them into its pool fingerprint and the API
	// folds the playlist counter into the state hash.
	tracksVersion   atomic.Uint64
	subsetsVersion  atomic.Uint64
	filtersVersion  atomic.Uint64
	playlistVersion atomic.Uint64
}

// New creates a catalog store around an open gorm handle.
func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "catalog").Logger()}
}

// DB exposes the underlying handle for read-only joins in the API layer.
func (s *Store) DB() *gorm.DB { return s.db }

// TracksVersion returns the track table version counter.
func (s *Store) TracksVersion() uint64 { return s.tracksVersion.Load() }

// SubsetsVersion returns the subset table version counter.
func (s *Store) SubsetsVersion() uint64 { return s.subsetsVersion.Load() }

// FiltersVersion returns the subset filter table version counter.
func (s *Store) FiltersVersion() uint64 { return s.filtersVersion.Load() }

// PlaylistVersion returns the playlist table version counter.
func (s *Store) PlaylistVersion() uint64 { return s.playlistVersion.Load() }

// BumpTracks marks the track table as changed. Exposed for the crawler.
func (s *Store) BumpTracks() { s.tracksVersion.Add(1) }

// BumpSubsets marks the subset tables as changed.
func (s *Store) BumpSubsets() { s.subsetsVersion.Add(1); s.filtersVersion.Add(1) }

// StreamSettings loads the settings row for a stream, creating defaults on
// first use: volume 1 and the minimum queue depth for the stream type.
func (s *Store) StreamSettings(ctx context.Context, streamID int64) (models.StreamSettings, error) {
	var settings models.StreamSettings
	err := s.db.WithContext(ctx).First(&settings, "stream_id = ?", streamID).Error
	update := false
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = models.StreamSettings{StreamID: streamID, StreamType: models.StreamJukebox, Volume: 1}
		update = true
	} else if err != nil {
		return settings, fmt.Errorf("load stream settings: %w", err)
	}

	switch settings.StreamType {
	case models.StreamSilence:
	case models.StreamJukebox:
		if settings.MinimumTitleCount < 1 {
			settings.MinimumTitleCount = 5
			update = true
		}
	default:
		return settings, fmt.Errorf("unknown stream type %d", settings.StreamType)
	}

	if update {
		if err := s.db.WithContext(ctx).Save(&settings).Error; err != nil {
			return settings, fmt.Errorf("save stream settings: %w", err)
		}
	}
	return settings, nil
}

// Subset loads a subset row. A missing or zero id yields the "Undefined"
// pseudo subset instead of an error.
func (s *Store) Subset(ctx context.Context, subsetID int64) (models.Subset, error) {
	var subset models.Subset
	err := s.db.WithContext(ctx).First(&subset, "id = ?", subsetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || subset.ID == 0 {
		return models.Subset{Name: "Undefined"}, nil
	}
	if err != nil {
		return subset, fmt.Errorf("load subset: %w", err)
	}
	return subset, nil
}

// UpdateSubsetTitleCount persists the observed pool size of a subset.
func (s *Store) UpdateSubsetTitleCount(ctx context.Context, subset models.Subset) error {
	if subset.ID <= 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.Subset{}).
		Where("id = ?", subset.ID).
		Update("title_count", subset.TitleCount).Error; err != nil {
		return fmt.Errorf("update subset title count: %w", err)
	}
	s.subsetsVersion.Add(1)
	return nil
}

// SubsetTrackIDs computes the eligible track pool for a subset.
// Whitelist filters OR together, blacklist filters AND-NOT together, then
// duration bounds apply when configured.
func (s *Store) SubsetTrackIDs(ctx context.Context, subsetID int64, minDur, maxDur time.Duration) ([]int64, error) {
	var filters []models.SubsetFilter
	if err := s.db.WithContext(ctx).Where("subset_id = ?", subsetID).Find(&filters).Error; err != nil {
		return nil, fmt.Errorf("load subset filters: %w", err)
	}

	var whitelist, blacklist []models.SubsetFilter
	for _, filter := range filters {
		switch filter.Mode {
		case models.FilterWhitelist:
			whitelist = append(whitelist, filter)
		case models.FilterBlacklist:
			blacklist = append(blacklist, filter)
		}
	}

	query := s.db.WithContext(ctx).Model(&models.Track{})
	if minDur > 0 {
		query = query.Where("duration >= ?", minDur)
	}
	if maxDur > minDur {
		query = query.Where("duration <= ?", maxDur)
	}

	var tracks []models.Track
	if err := query.Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("load tracks: %w", err)
	}

	// Album and artist filters match against names, so resolve the matching
	// id sets up front instead of per track.
	albumIDs, artistIDs, err := s.resolveNameFilters(ctx, whitelist)
	if err != nil {
		return nil, err
	}
	blAlbumIDs, blArtistIDs, err := s.resolveNameFilters(ctx, blacklist)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(tracks))
	for _, track := range tracks {
		if len(whitelist) > 0 && !matchesAnyFilter(track, whitelist, albumIDs, artistIDs) {
			continue
		}
		if matchesAnyFilter(track, blacklist, blAlbumIDs, blArtistIDs) {
			continue
		}
		ids = append(ids, track.ID)
	}
	return ids, nil
}

func (s *Store) resolveNameFilters(ctx context.Context, filters []models.SubsetFilter) (map[int64]struct{}, map[int64]struct{}, error) {
	albumIDs := make(map[int64]struct{})
	artistIDs := make(map[int64]struct{})

	for _, filter := range filters {
		pattern := NormalizePattern(filter.Text)
		switch filter.Type {
		case models.FilterAlbum:
			var albums []models.Album
			if err := s.db.WithContext(ctx).Find(&albums).Error; err != nil {
				return nil, nil, fmt.Errorf("load albums: %w", err)
			}
			for _, album := range albums {
				if MatchPattern(pattern, album.Name) {
					albumIDs[album.ID] = struct{}{}
				}
			}
		case models.FilterArtist:
			var artists []models.Artist
			if err := s.db.WithContext(ctx).Find(&artists).Error; err != nil {
				return nil, nil, fmt.Errorf("load artists: %w", err)
			}
			for _, artist := range artists {
				if MatchPattern(pattern, artist.Name) {
					artistIDs[artist.ID] = struct{}{}
				}
			}
		}
	}
	return albumIDs, artistIDs, nil
}

func matchesAnyFilter(track models.Track, filters []models.SubsetFilter, albumIDs, artistIDs map[int64]struct{}) bool {
	for _, filter := range filters {
		pattern := NormalizePattern(filter.Text)
		switch filter.Type {
		case models.FilterAlbum:
			if _, ok := albumIDs[track.AlbumID]; ok {
				return true
			}
		case models.FilterArtist:
			if _, ok := artistIDs[track.ArtistID]; ok {
				return true
			}
		case models.FilterGenre, models.FilterCategory:
			if MatchPattern(pattern, track.Genres) {
				return true
			}
		case models.FilterTag:
			if MatchPattern(pattern, track.Tags) {
				return true
			}
		case models.FilterTitle:
			if MatchPattern(pattern, track.Title) {
				return true
			}
		}
	}
	return false
}

// AllTrackIDs returns every track id in the catalog.
func (s *Store) AllTrackIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&models.Track{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load track ids: %w", err)
	}
	return ids, nil
}

// Track loads a single track.
func (s *Store) Track(ctx context.Context, trackID int64) (models.Track, error) {
	var track models.Track
	if err := s.db.WithContext(ctx).First(&track, "id = ?", trackID).Error; err != nil {
		return track, err
	}
	return track, nil
}

// TracksByIDs bulk-loads tracks for the state endpoint.
func (s *Store) TracksByIDs(ctx context.Context, ids []int64) ([]models.Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tracks []models.Track
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("load tracks: %w", err)
	}
	return tracks, nil
}

// AlbumsByIDs bulk-loads albums.
func (s *Store) AlbumsByIDs(ctx context.Context, ids []int64) ([]models.Album, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var albums []models.Album
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&albums).Error; err != nil {
		return nil, fmt.Errorf("load albums: %w", err)
	}
	return albums, nil
}

// ArtistsByIDs bulk-loads artists.
func (s *Store) ArtistsByIDs(ctx context.Context, ids []int64) ([]models.Artist, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var artists []models.Artist
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&artists).Error; err != nil {
		return nil, fmt.Errorf("load artists: %w", err)
	}
	return artists, nil
}

// SubsetsByIDs bulk-loads subsets.
func (s *Store) SubsetsByIDs(ctx context.Context, ids []int64) ([]models.Subset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var subsets []models.Subset
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&subsets).Error; err != nil {
		return nil, fmt.Errorf("load subsets: %w", err)
	}
	return subsets, nil
}

// TrackFile loads the backing file row of a track.
func (s *Store) TrackFile(ctx context.Context, fileID int64) (models.TrackFile, error) {
	var file models.TrackFile
	if err := s.db.WithContext(ctx).First(&file, "id = ?", fileID).Error; err != nil {
		return file, err
	}
	return file, nil
}

// Artist loads a single artist; missing rows yield an empty name.
func (s *Store) Artist(ctx context.Context, artistID int64) models.Artist {
	var artist models.Artist
	s.db.WithContext(ctx).First(&artist, "id = ?", artistID)
	return artist
}

// Album loads a single album; missing rows yield an empty name.
func (s *Store) Album(ctx context.Context, albumID int64) models.Album {
	var album models.Album
	s.db.WithContext(ctx).First(&album, "id = ?", albumID)
	return album
}

// PurgeTrack removes a track and its file record after the backing file
// vanished from storage. Self healing: the catalog reflects what exists.
func (s *Store) PurgeTrack(ctx context.Context, track models.Track) error {
	if err := s.db.WithContext(ctx).Delete(&models.Track{}, "id = ?", track.ID).Error; err != nil {
		return fmt.Errorf("delete track: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(&models.TrackFile{}, "id = ?", track.FileID).Error; err != nil {
		return fmt.Errorf("delete track file: %w", err)
	}
	s.tracksVersion.Add(1)
	return nil
}

// ReplaceNowPlaying overwrites the now-playing slot of a stream.
func (s *Store) ReplaceNowPlaying(ctx context.Context, np models.NowPlaying) error {
	np.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(&np).Error; err != nil {
		return fmt.Errorf("replace now playing: %w", err)
	}
	return nil
}

// NowPlaying reads the now-playing slot of a stream. A missing row returns
// the zero value, never an error.
func (s *Store) NowPlaying(ctx context.Context, streamID int64) models.NowPlaying {
	var np models.NowPlaying
	s.db.WithContext(ctx).First(&np, "stream_id = ?", streamID)
	return np
}

// StateHash combines the now-playing content with the playlist version so
// long-polling clients observe both track changes and queue edits.
func (s *Store) StateHash(ctx context.Context, streamID int64) uint64 {
	return s.NowPlaying(ctx, streamID).ContentHash() ^ s.playlistVersion.Load()
}
