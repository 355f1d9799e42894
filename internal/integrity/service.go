/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/media"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

type FindingType string

const (
	FindingTrackMissingFileRow  FindingType = "track_missing_file_row"
	FindingTrackFileUnreachable FindingType = "track_file_unreachable"
	FindingOrphanTrackFile      FindingType = "orphan_track_file"
	FindingOrphanPlaylistItem   FindingType = "orphan_playlist_item"
	FindingOrphanSubsetFilter   FindingType = "orphan_subset_filter"
)

type Finding struct {
	ID         string
	Type       FindingType
	Severity   string
	Summary    string
	ResourceID int64
	Repairable bool
	Details    map[string]any
}

type Report struct {
	GeneratedAt time.Time
	Total       int
	ByType      map[FindingType]int
	Findings    []Finding
}

type RepairInput struct {
	Type       FindingType
	ResourceID int64
}

type RepairResult struct {
	Changed bool
	Message string
	Details map[string]any
}

// Service scans the catalog for referential and storage inconsistencies.
type Service struct {
	store   *catalog.Store
	storage media.Storage
	logger  zerolog.Logger
}

func NewService(store *catalog.Store, storage media.Storage, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		storage: storage,
		logger:  logger.With().Str("component", "integrity").Logger(),
	}
}

func (s *Service) Scan(ctx context.Context) (*Report, error) {
	findings := make([]Finding, 0, 32)

	added, err := s.scanTracksMissingFileRow(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanUnreachableTrackFiles(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanOrphanTrackFiles(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanOrphanPlaylistItems(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	added, err = s.scanOrphanSubsetFilters(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	byType := make(map[FindingType]int)
	for _, f := range findings {
		byType[f.Type]++
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Total:       len(findings),
		ByType:      byType,
		Findings:    findings,
	}

	if report.Total > 0 {
		s.logger.Warn().Int("total_findings", report.Total).Interface("by_type", byType).Msg("integrity scan completed with findings")
	} else {
		s.logger.Info().Msg("integrity scan completed with no findings")
	}

	return report, nil
}

func (s *Service) Repair(ctx context.Context, input RepairInput) (RepairResult, error) {
	switch input.Type {
	case FindingTrackMissingFileRow, FindingTrackFileUnreachable:
		return s.repairBrokenTrack(ctx, input)
	case FindingOrphanTrackFile:
		return s.repairOrphanTrackFile(ctx, input)
	case FindingOrphanPlaylistItem:
		return s.repairOrphanPlaylistItem(ctx, input)
	case FindingOrphanSubsetFilter:
		return s.repairOrphanSubsetFilter(ctx, input)
	default:
		return RepairResult{}, fmt.Errorf("unsupported finding type: %s", input.Type)
	}
}

func (s *Service) scanTracksMissingFileRow(ctx context.Context) ([]Finding, error) {
	type row struct {
		ID     int64
		Title  string
		FileID int64
	}
	var rows []row
	if err := s.store.DB().WithContext(ctx).
		Table("tracks").
		Select("tracks.id, tracks.title, tracks.file_id").
		Joins("LEFT JOIN track_files ON track_files.id = tracks.file_id").
		Where("track_files.id IS NULL").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		findings = append(findings, Finding{
			ID:         findingID(FindingTrackMissingFileRow, r.ID),
			Type:       FindingTrackMissingFileRow,
			Severity:   "high",
			Summary:    "Track references a missing file row",
			ResourceID: r.ID,
			Repairable: true,
			Details: map[string]any{
				"title":   r.Title,
				"file_id": r.FileID,
			},
		})
	}
	return findings, nil
}

func (s *Service) scanUnreachableTrackFiles(ctx context.Context) ([]Finding, error) {
	type row struct {
		TrackID int64
		Title   string
		Path    string
	}
	var rows []row
	if err := s.store.DB().WithContext(ctx).
		Table("tracks").
		Select("tracks.id AS track_id, tracks.title, track_files.path").
		Joins("JOIN track_files ON track_files.id = tracks.file_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	var findings []Finding
	for _, r := range rows {
		exists, err := s.storage.Exists(ctx, r.Path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", r.Path).Msg("storage check failed, skipping")
			continue
		}
		if exists {
			continue
		}
		findings = append(findings, Finding{
			ID:         findingID(FindingTrackFileUnreachable, r.TrackID),
			Type:       FindingTrackFileUnreachable,
			Severity:   "high",
			Summary:    "Track file is not reachable on media storage",
			ResourceID: r.TrackID,
			Repairable: true,
			Details: map[string]any{
				"title": r.Title,
				"path":  r.Path,
			},
		})
	}
	return findings, nil
}

func (s *Service) scanOrphanTrackFiles(ctx context.Context) ([]Finding, error) {
	type row struct {
		ID   int64
		Path string
	}
	var rows []row
	if err := s.store.DB().WithContext(ctx).
		Table("track_files").
		Select("track_files.id, track_files.path").
		Joins("LEFT JOIN tracks ON tracks.file_id = track_files.id").
		Where("tracks.id IS NULL").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		findings = append(findings, Finding{
			ID:         findingID(FindingOrphanTrackFile, r.ID),
			Type:       FindingOrphanTrackFile,
			Severity:   "low",
			Summary:    "File row is not referenced by any track",
			ResourceID: r.ID,
			Repairable: true,
			Details: map[string]any{
				"path": r.Path,
			},
		})
	}
	return findings, nil
}

func (s *Service) scanOrphanPlaylistItems(ctx context.Context) ([]Finding, error) {
	type row struct {
		ID       int64
		StreamID int64
		TrackID  int64
	}
	var rows []row
	if err := s.store.DB().WithContext(ctx).
		Table("playlist_items").
		Select("playlist_items.id, playlist_items.stream_id, playlist_items.track_id").
		Joins("LEFT JOIN tracks ON tracks.id = playlist_items.track_id").
		Where("tracks.id IS NULL").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		findings = append(findings, Finding{
			ID:         findingID(FindingOrphanPlaylistItem, r.ID),
			Type:       FindingOrphanPlaylistItem,
			Severity:   "medium",
			Summary:    "Playlist item references a deleted track",
			ResourceID: r.ID,
			Repairable: true,
			Details: map[string]any{
				"stream_id": r.StreamID,
				"track_id":  r.TrackID,
			},
		})
	}
	return findings, nil
}

func (s *Service) scanOrphanSubsetFilters(ctx context.Context) ([]Finding, error) {
	type row struct {
		ID       int64
		SubsetID int64
		Text     string
	}
	var rows []row
	if err := s.store.DB().WithContext(ctx).
		Table("subset_filters").
		Select("subset_filters.id, subset_filters.subset_id, subset_filters.text").
		Joins("LEFT JOIN subsets ON subsets.id = subset_filters.subset_id").
		Where("subsets.id IS NULL").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		findings = append(findings, Finding{
			ID:         findingID(FindingOrphanSubsetFilter, r.ID),
			Type:       FindingOrphanSubsetFilter,
			Severity:   "low",
			Summary:    "Subset filter references a deleted subset",
			ResourceID: r.ID,
			Repairable: true,
			Details: map[string]any{
				"subset_id": r.SubsetID,
				"text":      r.Text,
			},
		})
	}
	return findings, nil
}

// repairBrokenTrack purges a track whose backing file row or storage
// object is gone. Re-checks before acting so a stale finding is a no-op.
func (s *Service) repairBrokenTrack(ctx context.Context, input RepairInput) (RepairResult, error) {
	track, err := s.store.Track(ctx, input.ResourceID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return RepairResult{Changed: false, Message: "track already removed"}, nil
		}
		return RepairResult{}, err
	}

	file, err := s.store.TrackFile(ctx, track.FileID)
	if err == nil {
		exists, serr := s.storage.Exists(ctx, file.Path)
		if serr != nil {
			return RepairResult{}, serr
		}
		if exists {
			return RepairResult{Changed: false, Message: "track file is reachable; finding already resolved"}, nil
		}
	} else if err != gorm.ErrRecordNotFound {
		return RepairResult{}, err
	}

	if err := s.store.PurgeTrack(ctx, track); err != nil {
		return RepairResult{}, err
	}
	return RepairResult{
		Changed: true,
		Message: "purged track with missing file",
		Details: map[string]any{"title": track.Title},
	}, nil
}

func (s *Service) repairOrphanTrackFile(ctx context.Context, input RepairInput) (RepairResult, error) {
	var count int64
	if err := s.store.DB().WithContext(ctx).Model(&models.Track{}).
		Where("file_id = ?", input.ResourceID).Count(&count).Error; err != nil {
		return RepairResult{}, err
	}
	if count > 0 {
		return RepairResult{Changed: false, Message: "file row is referenced again"}, nil
	}

	result := s.store.DB().WithContext(ctx).Delete(&models.TrackFile{}, input.ResourceID)
	if result.Error != nil {
		return RepairResult{}, result.Error
	}
	if result.RowsAffected == 0 {
		return RepairResult{Changed: false, Message: "file row already removed"}, nil
	}
	return RepairResult{Changed: true, Message: "deleted orphan file row"}, nil
}

func (s *Service) repairOrphanPlaylistItem(ctx context.Context, input RepairInput) (RepairResult, error) {
	var item models.PlaylistItem
	if err := s.store.DB().WithContext(ctx).First(&item, input.ResourceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return RepairResult{Changed: false, Message: "playlist item already removed"}, nil
		}
		return RepairResult{}, err
	}

	var count int64
	if err := s.store.DB().WithContext(ctx).Model(&models.Track{}).
		Where("id = ?", item.TrackID).Count(&count).Error; err != nil {
		return RepairResult{}, err
	}
	if count > 0 {
		return RepairResult{Changed: false, Message: "track exists; finding already resolved"}, nil
	}

	if err := s.store.RemoveItem(ctx, item.StreamID, item.ID, 0, true); err != nil {
		return RepairResult{}, err
	}
	return RepairResult{Changed: true, Message: "deleted orphan playlist item"}, nil
}

func (s *Service) repairOrphanSubsetFilter(ctx context.Context, input RepairInput) (RepairResult, error) {
	var filter models.SubsetFilter
	if err := s.store.DB().WithContext(ctx).First(&filter, input.ResourceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return RepairResult{Changed: false, Message: "subset filter already removed"}, nil
		}
		return RepairResult{}, err
	}

	var count int64
	if err := s.store.DB().WithContext(ctx).Model(&models.Subset{}).
		Where("id = ?", filter.SubsetID).Count(&count).Error; err != nil {
		return RepairResult{}, err
	}
	if count > 0 {
		return RepairResult{Changed: false, Message: "parent subset exists; finding already resolved"}, nil
	}

	if err := s.store.DB().WithContext(ctx).Delete(&filter).Error; err != nil {
		return RepairResult{}, err
	}
	s.store.BumpSubsets()
	return RepairResult{Changed: true, Message: "deleted orphan subset filter"}, nil
}

func findingID(t FindingType, resourceID int64) string {
	return fmt.Sprintf("%s|%d", t, resourceID)
}
