package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

var (
	// ErrAlreadyPresent is returned when the track is queued or playing.
	ErrAlreadyPresent = errors.New("track already in playlist")
	// ErrQuotaExceeded is returned when a queue depth limit would be crossed.
	ErrQuotaExceeded = errors.New("playlist quota exceeded")
	// ErrForbidden is returned when a caller may not remove an entry.
	ErrForbidden = errors.New("not allowed to remove this entry")
	// ErrEmptyPlaylist is returned by PopNext on an empty queue.
	ErrEmptyPlaylist = errors.New("playlist is empty")
)

// CountQueued returns the number of queued items for a stream.
func (s *Store) CountQueued(ctx context.Context, streamID int64) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.PlaylistItem{}).
		Where("stream_id = ?", streamID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count playlist: %w", err)
	}
	return int(count), nil
}

// EnqueueAuto appends a selector-chosen track. Auto-filled entries carry
// owner id zero and a sub-microsecond jitter on the timestamp so entries
// inserted within the same clock tick still order deterministically.
func (s *Store) EnqueueAuto(ctx context.Context, streamID int64, subsetID, trackID int64, rng *rand.Rand) error {
	s.playlistMu.Lock()
	defer s.playlistMu.Unlock()

	item := models.PlaylistItem{
		StreamID: streamID,
		Added:    time.Now().UTC().Add(time.Duration(int64(int8(rng.Intn(256)))) * 100 * time.Nanosecond),
		OwnerID:  0,
		SubsetID: subsetID,
		TrackID:  trackID,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("enqueue track: %w", err)
	}
	s.playlistVersion.Add(1)
	return nil
}

// EnqueueUser queues a track on behalf of a user or anonymous session.
// The whole check-then-insert sequence holds the playlist lock so two
// concurrent requests for the same track cannot both pass the duplicate
// check.
func (s *Store) EnqueueUser(ctx context.Context, streamID, ownerID, trackID int64, maxQueued, perUser int) (models.PlaylistItem, error) {
	s.playlistMu.Lock()
	defer s.playlistMu.Unlock()

	var item models.PlaylistItem

	if np := s.NowPlaying(ctx, streamID); np.TrackID == trackID {
		return item, ErrAlreadyPresent
	}
	var dup int64
	if err := s.db.WithContext(ctx).Model(&models.PlaylistItem{}).
		Where("stream_id = ? AND track_id = ?", streamID, trackID).
		Count(&dup).Error; err != nil {
		return item, fmt.Errorf("check duplicate: %w", err)
	}
	if dup > 0 {
		return item, ErrAlreadyPresent
	}

	if maxQueued > 0 {
		total, err := s.CountQueued(ctx, streamID)
		if err != nil {
			return item, err
		}
		if total >= maxQueued {
			return item, ErrQuotaExceeded
		}
	}
	if perUser > 0 {
		var mine int64
		if err := s.db.WithContext(ctx).Model(&models.PlaylistItem{}).
			Where("stream_id = ? AND owner_id = ?", streamID, ownerID).
			Count(&mine).Error; err != nil {
			return item, fmt.Errorf("count user entries: %w", err)
		}
		if int(mine) >= perUser {
			return item, ErrQuotaExceeded
		}
	}

	item = models.PlaylistItem{
		StreamID: streamID,
		Added:    time.Now().UTC(),
		OwnerID:  ownerID,
		TrackID:  trackID,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return item, fmt.Errorf("enqueue track: %w", err)
	}
	s.playlistVersion.Add(1)
	s.logger.Info().Int64("stream", streamID).Int64("owner", ownerID).
		Int64("track", trackID).Msg("track queued")
	return item, nil
}

// PopNext removes and returns the next playlist entry. Entries queued by
// users and anonymous sessions take priority over auto-filled ones; within
// a class the oldest wins. The delete happens under the playlist lock so a
// popped entry is handed to exactly one caller.
func (s *Store) PopNext(ctx context.Context, streamID int64) (models.PlaylistItem, error) {
	s.playlistMu.Lock()
	defer s.playlistMu.Unlock()

	var item models.PlaylistItem
	err := s.db.WithContext(ctx).
		Where("stream_id = ? AND owner_id <> 0", streamID).
		Order("added").First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).
			Where("stream_id = ? AND owner_id = 0", streamID).
			Order("added").First(&item).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return item, ErrEmptyPlaylist
	}
	if err != nil {
		return item, fmt.Errorf("pop playlist: %w", err)
	}

	if err := s.db.WithContext(ctx).Delete(&models.PlaylistItem{}, "id = ?", item.ID).Error; err != nil {
		return item, fmt.Errorf("delete popped entry: %w", err)
	}
	s.playlistVersion.Add(1)
	return item, nil
}

// RemoveItem deletes a single queued entry. Auto-filled entries may be
// removed by anyone; user entries only by their owner or an admin.
func (s *Store) RemoveItem(ctx context.Context, streamID, itemID, callerID int64, admin bool) error {
	s.playlistMu.Lock()
	defer s.playlistMu.Unlock()

	var item models.PlaylistItem
	err := s.db.WithContext(ctx).First(&item, "id = ? AND stream_id = ?", itemID, streamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gorm.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("load playlist entry: %w", err)
	}

	if item.OwnerID != 0 && item.OwnerID != callerID && !admin {
		return ErrForbidden
	}

	if err := s.db.WithContext(ctx).Delete(&models.PlaylistItem{}, "id = ?", item.ID).Error; err != nil {
		return fmt.Errorf("delete playlist entry: %w", err)
	}
	s.playlistVersion.Add(1)
	s.logger.Info().Int64("stream", streamID).Int64("item", itemID).
		Int64("caller", callerID).Msg("playlist entry removed")
	return nil
}

// QueuedItems lists the queue of a stream in playback order, user entries
// first to mirror PopNext.
func (s *Store) QueuedItems(ctx context.Context, streamID int64) ([]models.PlaylistItem, error) {
	var items []models.PlaylistItem
	if err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("CASE WHEN owner_id <> 0 THEN 0 ELSE 1 END, added").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list playlist: %w", err)
	}
	return items, nil
}

// QueuedTrackIDs returns the set of track ids currently queued.
func (s *Store) QueuedTrackIDs(ctx context.Context, streamID int64) (map[int64]struct{}, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&models.PlaylistItem{}).
		Where("stream_id = ?", streamID).Pluck("track_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list queued tracks: %w", err)
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
