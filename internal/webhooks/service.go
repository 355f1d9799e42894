/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/eventbus"
	"github.com/friendsincode/skald_jukebox/internal/events"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

// Payload is the body sent to webhook endpoints.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	StreamID  int64          `json:"stream_id"`
	Data      events.Payload `json:"data,omitempty"`
}

// Service delivers stream events to registered webhook targets.
type Service struct {
	db     *gorm.DB
	bus    eventbus.EventBus
	logger zerolog.Logger
	client *http.Client
}

// NewService creates a webhook delivery service.
func NewService(db *gorm.DB, bus eventbus.EventBus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "webhooks").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Start begins listening for events to trigger webhooks. Blocks until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("webhook service starting")

	nowPlaying := s.bus.Subscribe(events.EventNowPlaying)
	queued := s.bus.Subscribe(events.EventTrackQueued)
	skipped := s.bus.Subscribe(events.EventStreamSkipped)
	stopped := s.bus.Subscribe(events.EventStreamStopped)

	defer func() {
		s.bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
		s.bus.Unsubscribe(events.EventTrackQueued, queued)
		s.bus.Unsubscribe(events.EventStreamSkipped, skipped)
		s.bus.Unsubscribe(events.EventStreamStopped, stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("webhook service stopping")
			return

		case payload := <-nowPlaying:
			s.handle(ctx, string(events.EventNowPlaying), payload)

		case payload := <-queued:
			s.handle(ctx, string(events.EventTrackQueued), payload)

		case payload := <-skipped:
			s.handle(ctx, string(events.EventStreamSkipped), payload)

		case payload := <-stopped:
			s.handle(ctx, string(events.EventStreamStopped), payload)
		}
	}
}

// handle fans one bus event out to the matching targets.
func (s *Service) handle(ctx context.Context, eventType string, data events.Payload) {
	streamID := streamIDOf(data)

	var targets []models.WebhookTarget
	query := s.db.Where("active = ?", true)
	if streamID != 0 {
		query = query.Where("stream_id = ? OR stream_id = 0", streamID)
	}
	if err := query.Find(&targets).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch webhook targets")
		return
	}

	for _, target := range targets {
		if !s.targetHandlesEvent(target, eventType) {
			continue
		}
		go s.send(ctx, target, eventType, streamID, data)
	}
}

func streamIDOf(data events.Payload) int64 {
	switch v := data["stream_id"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// targetHandlesEvent checks the target's comma separated event list. An
// empty list subscribes to everything.
func (s *Service) targetHandlesEvent(target models.WebhookTarget, eventType string) bool {
	if target.Events == "" {
		return true
	}
	for _, e := range strings.Split(target.Events, ",") {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}

// send delivers a single webhook request.
func (s *Service) send(ctx context.Context, target models.WebhookTarget, eventType string, streamID int64, data events.Payload) {
	payload := Payload{
		Event:     eventType,
		Timestamp: time.Now().UTC(),
		StreamID:  streamID,
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Int64("target", target.ID).Msg("failed to marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Int64("target", target.ID).Msg("failed to create webhook request")
		s.logDelivery(target, eventType, http.StatusInternalServerError, err.Error())
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Skald-Jukebox-Webhook/1.0")
	req.Header.Set("X-Skald-Event", eventType)
	req.Header.Set("X-Skald-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if target.Secret != "" {
		req.Header.Set("X-Skald-Signature", s.signPayload(body, target.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Int64("target", target.ID).Str("url", target.URL).Msg("webhook delivery failed")
		s.logDelivery(target, eventType, 0, err.Error())
		return
	}
	defer resp.Body.Close()

	s.logDelivery(target, eventType, resp.StatusCode, "")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug().Int64("target", target.ID).Str("event", eventType).Int("status", resp.StatusCode).Msg("webhook delivered")
	} else {
		s.logger.Warn().Int64("target", target.ID).Str("event", eventType).Int("status", resp.StatusCode).Msg("webhook returned error status")
	}
}

// signPayload creates an HMAC-SHA256 signature.
func (s *Service) signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// logDelivery records a delivery attempt.
func (s *Service) logDelivery(target models.WebhookTarget, eventType string, statusCode int, errorMsg string) {
	entry := &models.WebhookLog{
		TargetID:   target.ID,
		Event:      eventType,
		StatusCode: statusCode,
		Error:      errorMsg,
	}

	if err := s.db.Create(entry).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to log webhook delivery")
	}
}

// Targets lists registered webhook targets, optionally limited to a stream.
func (s *Service) Targets(ctx context.Context, streamID int64) ([]models.WebhookTarget, error) {
	query := s.db.WithContext(ctx)
	if streamID != 0 {
		query = query.Where("stream_id = ?", streamID)
	}
	var targets []models.WebhookTarget
	if err := query.Order("id").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("list webhook targets: %w", err)
	}
	return targets, nil
}

// CreateTarget registers a webhook target.
func (s *Service) CreateTarget(ctx context.Context, target *models.WebhookTarget) error {
	if err := s.db.WithContext(ctx).Create(target).Error; err != nil {
		return fmt.Errorf("create webhook target: %w", err)
	}
	return nil
}

// DeleteTarget removes a target and keeps its delivery log.
func (s *Service) DeleteTarget(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&models.WebhookTarget{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete webhook target: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Target loads a single target by id.
func (s *Service) Target(ctx context.Context, id int64) (models.WebhookTarget, error) {
	var target models.WebhookTarget
	if err := s.db.WithContext(ctx).First(&target, id).Error; err != nil {
		return target, err
	}
	return target, nil
}

// TestTarget sends a test payload to a target and reports the outcome.
func (s *Service) TestTarget(ctx context.Context, target *models.WebhookTarget) error {
	payload := Payload{
		Event:     "test",
		Timestamp: time.Now().UTC(),
		StreamID:  target.StreamID,
		Data: events.Payload{
			"title":  "Test Track",
			"artist": "Test Artist",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Skald-Jukebox-Webhook/1.0")
	req.Header.Set("X-Skald-Event", "test")
	req.Header.Set("X-Skald-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if target.Secret != "" {
		req.Header.Set("X-Skald-Signature", s.signPayload(body, target.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
