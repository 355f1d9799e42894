/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.User{},
		&models.Artist{},
		&models.Album{},
		&models.TrackFile{},
		&models.Track{},
		&models.Subset{},
		&models.SubsetFilter{},
		&models.StreamSettings{},
		&models.PlaylistItem{},
		&models.NowPlaying{},
		&models.WebhookTarget{},
		&models.WebhookLog{},
		&models.AuditLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
