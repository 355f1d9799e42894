/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

// Service stores audit entries for user and admin actions.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Log records an audit entry.
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Int64("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// Record builds an entry from the request identity and stores it. Failures
// are logged and swallowed so auditing never blocks the action itself.
func (s *Service) Record(r *http.Request, action models.AuditAction, streamID, resourceID int64, details map[string]any) {
	entry := &models.AuditLog{
		Action:     action,
		StreamID:   streamID,
		ResourceID: resourceID,
		IPAddress:  r.RemoteAddr,
		Details:    details,
	}

	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		entry.OwnerID = id.OwnerID
		entry.OwnerName = id.Name
	}

	if err := s.Log(r.Context(), entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	OwnerID   *int64
	StreamID  *int64
	Action    *models.AuditAction
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit logs with filters, newest first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.OwnerID != nil {
		query = query.Where("owner_id = ?", *filters.OwnerID)
	}
	if filters.StreamID != nil {
		query = query.Where("stream_id = ?", *filters.StreamID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
