package integrity

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

type fakeStorage struct {
	missing map[string]bool
}

func (f *fakeStorage) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStorage) Exists(_ context.Context, path string) (bool, error) {
	return !f.missing[path], nil
}

func (f *fakeStorage) Delete(context.Context, string) error { return nil }

func (f *fakeStorage) CheckAccess(context.Context) error { return nil }

func openIntegrityTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Artist{}, &models.Album{}, &models.TrackFile{}, &models.Track{},
		&models.Subset{}, &models.SubsetFilter{}, &models.StreamSettings{},
		&models.PlaylistItem{}, &models.NowPlaying{},
	); err != nil {
		t.Fatal(err)
	}
	return catalog.New(db, zerolog.Nop())
}

func TestScanFindsInconsistencies(t *testing.T) {
	t.Parallel()
	store := openIntegrityTestStore(t)
	ctx := context.Background()

	// A healthy track.
	good := models.TrackFile{Path: "music/good.mp3"}
	if err := store.DB().Create(&good).Error; err != nil {
		t.Fatal(err)
	}
	if err := store.DB().Create(&models.Track{FileID: good.ID, Title: "good"}).Error; err != nil {
		t.Fatal(err)
	}

	// A track whose file row is gone.
	broken := models.Track{FileID: 9999, Title: "dangling"}
	if err := store.DB().Create(&broken).Error; err != nil {
		t.Fatal(err)
	}

	// A track whose storage object vanished.
	gone := models.TrackFile{Path: "music/vanished.mp3"}
	if err := store.DB().Create(&gone).Error; err != nil {
		t.Fatal(err)
	}
	unreachable := models.Track{FileID: gone.ID, Title: "unreachable"}
	if err := store.DB().Create(&unreachable).Error; err != nil {
		t.Fatal(err)
	}

	// A file row no track references.
	orphanFile := models.TrackFile{Path: "music/orphan.mp3"}
	if err := store.DB().Create(&orphanFile).Error; err != nil {
		t.Fatal(err)
	}

	// A playlist entry for a deleted track.
	if err := store.DB().Create(&models.PlaylistItem{StreamID: 1, TrackID: 8888}).Error; err != nil {
		t.Fatal(err)
	}

	// A filter whose subset is gone.
	if err := store.DB().Create(&models.SubsetFilter{SubsetID: 7777, Text: "rock"}).Error; err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, &fakeStorage{missing: map[string]bool{"music/vanished.mp3": true}}, zerolog.Nop())
	report, err := svc.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	want := map[FindingType]int{
		FindingTrackMissingFileRow:  1,
		FindingTrackFileUnreachable: 1,
		FindingOrphanTrackFile:      1,
		FindingOrphanPlaylistItem:   1,
		FindingOrphanSubsetFilter:   1,
	}
	if report.Total != 5 {
		t.Errorf("total = %d, want 5: %+v", report.Total, report.ByType)
	}
	for typ, count := range want {
		if report.ByType[typ] != count {
			t.Errorf("%s = %d, want %d", typ, report.ByType[typ], count)
		}
	}
	for _, f := range report.Findings {
		if !f.Repairable {
			t.Errorf("finding %s not marked repairable", f.ID)
		}
	}
}

func TestScanCleanCatalog(t *testing.T) {
	t.Parallel()
	store := openIntegrityTestStore(t)

	file := models.TrackFile{Path: "music/fine.mp3"}
	if err := store.DB().Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	if err := store.DB().Create(&models.Track{FileID: file.ID, Title: "fine"}).Error; err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, &fakeStorage{}, zerolog.Nop())
	report, err := svc.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Total != 0 {
		t.Errorf("total = %d, want 0: %+v", report.Total, report.Findings)
	}
}

func TestRepairBrokenTrack(t *testing.T) {
	t.Parallel()
	store := openIntegrityTestStore(t)
	ctx := context.Background()

	file := models.TrackFile{Path: "music/vanished.mp3"}
	if err := store.DB().Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	track := models.Track{FileID: file.ID, Title: "vanished"}
	if err := store.DB().Create(&track).Error; err != nil {
		t.Fatal(err)
	}

	storage := &fakeStorage{missing: map[string]bool{"music/vanished.mp3": true}}
	svc := NewService(store, storage, zerolog.Nop())

	res, err := svc.Repair(ctx, RepairInput{Type: FindingTrackFileUnreachable, ResourceID: track.ID})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !res.Changed {
		t.Fatalf("repair did not change anything: %s", res.Message)
	}
	if _, err := store.Track(ctx, track.ID); err == nil {
		t.Error("track still present after repair")
	}

	// A second repair of the same finding is a no-op, not an error.
	res, err = svc.Repair(ctx, RepairInput{Type: FindingTrackFileUnreachable, ResourceID: track.ID})
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if res.Changed {
		t.Error("second repair reported a change")
	}
}

func TestRepairSkipsResolvedFinding(t *testing.T) {
	t.Parallel()
	store := openIntegrityTestStore(t)
	ctx := context.Background()

	file := models.TrackFile{Path: "music/back.mp3"}
	if err := store.DB().Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	track := models.Track{FileID: file.ID, Title: "back"}
	if err := store.DB().Create(&track).Error; err != nil {
		t.Fatal(err)
	}

	// The file is reachable again by repair time.
	svc := NewService(store, &fakeStorage{}, zerolog.Nop())
	res, err := svc.Repair(ctx, RepairInput{Type: FindingTrackFileUnreachable, ResourceID: track.ID})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if res.Changed {
		t.Error("repair removed a healthy track")
	}
	if _, err := store.Track(ctx, track.ID); err != nil {
		t.Errorf("healthy track gone: %v", err)
	}
}

func TestRepairOrphans(t *testing.T) {
	t.Parallel()
	store := openIntegrityTestStore(t)
	ctx := context.Background()
	svc := NewService(store, &fakeStorage{}, zerolog.Nop())

	orphanFile := models.TrackFile{Path: "music/orphan.mp3"}
	if err := store.DB().Create(&orphanFile).Error; err != nil {
		t.Fatal(err)
	}
	item := models.PlaylistItem{StreamID: 1, TrackID: 8888}
	if err := store.DB().Create(&item).Error; err != nil {
		t.Fatal(err)
	}
	filter := models.SubsetFilter{SubsetID: 7777, Text: "rock"}
	if err := store.DB().Create(&filter).Error; err != nil {
		t.Fatal(err)
	}

	repairs := []RepairInput{
		{Type: FindingOrphanTrackFile, ResourceID: orphanFile.ID},
		{Type: FindingOrphanPlaylistItem, ResourceID: item.ID},
		{Type: FindingOrphanSubsetFilter, ResourceID: filter.ID},
	}
	for _, input := range repairs {
		res, err := svc.Repair(ctx, input)
		if err != nil {
			t.Fatalf("repair %s: %v", input.Type, err)
		}
		if !res.Changed {
			t.Errorf("repair %s was a no-op: %s", input.Type, res.Message)
		}
	}

	report, err := svc.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 0 {
		t.Errorf("findings after repair = %d: %+v", report.Total, report.Findings)
	}

	if _, err := svc.Repair(ctx, RepairInput{Type: "bogus"}); err == nil {
		t.Error("unknown finding type accepted")
	}
}
