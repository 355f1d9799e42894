package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Each pooled connection would otherwise see its own memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Artist{}, &models.Album{}, &models.TrackFile{}, &models.Track{},
		&models.Subset{}, &models.SubsetFilter{}, &models.StreamSettings{},
		&models.PlaylistItem{}, &models.NowPlaying{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(db, zerolog.Nop())
}

func seedTrack(t *testing.T, store *Store, title string, artistID, albumID int64, genres string, duration time.Duration) models.Track {
	t.Helper()
	file := models.TrackFile{Path: title + ".mp3", Size: 1}
	if err := store.DB().Create(&file).Error; err != nil {
		t.Fatalf("create file: %v", err)
	}
	track := models.Track{
		FileID:   file.ID,
		Title:    title,
		ArtistID: artistID,
		AlbumID:  albumID,
		Genres:   genres,
		Duration: duration,
	}
	if err := store.DB().Create(&track).Error; err != nil {
		t.Fatalf("create track: %v", err)
	}
	return track
}

func TestStreamSettingsDefaults(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	settings, err := store.StreamSettings(ctx, 1)
	if err != nil {
		t.Fatalf("stream settings: %v", err)
	}
	if settings.StreamType != models.StreamJukebox {
		t.Errorf("default stream type = %d, want jukebox", settings.StreamType)
	}
	if settings.MinimumTitleCount != 5 {
		t.Errorf("default minimum title count = %d, want 5", settings.MinimumTitleCount)
	}
	if settings.Volume != 1 {
		t.Errorf("default volume = %v, want 1", settings.Volume)
	}

	// The defaults must be persisted, not recomputed per call.
	var count int64
	if err := store.DB().Model(&models.StreamSettings{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("settings rows = %d, want 1", count)
	}
}

func TestStreamSettingsRepairsTitleCount(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.DB().Create(&models.StreamSettings{
		StreamID: 2, StreamType: models.StreamJukebox, MinimumTitleCount: 0, Volume: 0.5,
	}).Error; err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	settings, err := store.StreamSettings(ctx, 2)
	if err != nil {
		t.Fatalf("stream settings: %v", err)
	}
	if settings.MinimumTitleCount != 5 {
		t.Errorf("repaired minimum title count = %d, want 5", settings.MinimumTitleCount)
	}
	if settings.Volume != 0.5 {
		t.Errorf("volume changed to %v, want 0.5 preserved", settings.Volume)
	}
}

func TestSubsetMissingYieldsUndefined(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	subset, err := store.Subset(context.Background(), 99)
	if err != nil {
		t.Fatalf("subset: %v", err)
	}
	if subset.ID != 0 || subset.Name != "Undefined" {
		t.Errorf("got %+v, want the Undefined pseudo subset", subset)
	}
}

func TestSubsetTrackIDsFilters(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	queen := models.Artist{Name: "Queen"}
	abba := models.Artist{Name: "ABBA"}
	if err := store.DB().Create(&queen).Error; err != nil {
		t.Fatal(err)
	}
	if err := store.DB().Create(&abba).Error; err != nil {
		t.Fatal(err)
	}

	rock := seedTrack(t, store, "Innuendo", queen.ID, 0, "Rock", 6*time.Minute)
	pop := seedTrack(t, store, "Waterloo", abba.ID, 0, "Pop", 3*time.Minute)
	live := seedTrack(t, store, "Live Killers", queen.ID, 0, "Rock;Live", 8*time.Minute)

	subset := models.Subset{Name: "Rock Night"}
	if err := store.DB().Create(&subset).Error; err != nil {
		t.Fatal(err)
	}
	filters := []models.SubsetFilter{
		{SubsetID: subset.ID, Mode: models.FilterWhitelist, Type: models.FilterGenre, Text: "rock"},
		{SubsetID: subset.ID, Mode: models.FilterBlacklist, Type: models.FilterTag, Text: "live"},
	}
	for i := range filters {
		if err := store.DB().Create(&filters[i]).Error; err != nil {
			t.Fatal(err)
		}
	}
	live.Tags = "live"
	if err := store.DB().Save(&live).Error; err != nil {
		t.Fatal(err)
	}

	ids, err := store.SubsetTrackIDs(ctx, subset.ID, 0, 0)
	if err != nil {
		t.Fatalf("subset track ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != rock.ID {
		t.Errorf("ids = %v, want only %d (rock, not live, not pop %d)", ids, rock.ID, pop.ID)
	}
}

func TestSubsetTrackIDsDurationBounds(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	short := seedTrack(t, store, "Jingle", 0, 0, "", 30*time.Second)
	mid := seedTrack(t, store, "Song", 0, 0, "", 4*time.Minute)
	long := seedTrack(t, store, "Epic", 0, 0, "", 20*time.Minute)

	subset := models.Subset{Name: "Regular"}
	if err := store.DB().Create(&subset).Error; err != nil {
		t.Fatal(err)
	}

	ids, err := store.SubsetTrackIDs(ctx, subset.ID, time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatalf("subset track ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != mid.ID {
		t.Errorf("ids = %v, want only %d (not %d, %d)", ids, mid.ID, short.ID, long.ID)
	}
}

func TestPurgeTrackBumpsVersion(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	track := seedTrack(t, store, "Gone", 0, 0, "", time.Minute)
	before := store.TracksVersion()

	if err := store.PurgeTrack(ctx, track); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if store.TracksVersion() == before {
		t.Error("tracks version not bumped")
	}

	if _, err := store.Track(ctx, track.ID); err == nil {
		t.Error("track still present after purge")
	}
	if _, err := store.TrackFile(ctx, track.FileID); err == nil {
		t.Error("track file still present after purge")
	}
}

func TestStateHashObservesChanges(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	initial := store.StateHash(ctx, 1)

	if err := store.ReplaceNowPlaying(ctx, models.NowPlaying{
		StreamID: 1, TrackID: 7, StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("replace now playing: %v", err)
	}
	afterTrack := store.StateHash(ctx, 1)
	if afterTrack == initial {
		t.Error("state hash unchanged after now-playing update")
	}

	track := seedTrack(t, store, "Queued", 0, 0, "", time.Minute)
	if _, err := store.EnqueueUser(ctx, 1, 42, track.ID, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if store.StateHash(ctx, 1) == afterTrack {
		t.Error("state hash unchanged after playlist edit")
	}
}
