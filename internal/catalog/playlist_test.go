package catalog

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

func TestEnqueueUserDuplicate(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	track := seedTrack(t, store, "Dup", 0, 0, "", time.Minute)

	if _, err := store.EnqueueUser(ctx, 1, 10, track.ID, 0, 0); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := store.EnqueueUser(ctx, 1, 11, track.ID, 0, 0); !errors.Is(err, ErrAlreadyPresent) {
		t.Errorf("second enqueue err = %v, want ErrAlreadyPresent", err)
	}
}

func TestEnqueueUserRejectsNowPlayingTrack(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	track := seedTrack(t, store, "Playing", 0, 0, "", time.Minute)

	if err := store.ReplaceNowPlaying(ctx, models.NowPlaying{StreamID: 1, TrackID: track.ID, StartedAt: time.Now()}); err != nil {
		t.Fatalf("replace now playing: %v", err)
	}
	if _, err := store.EnqueueUser(ctx, 1, 10, track.ID, 0, 0); !errors.Is(err, ErrAlreadyPresent) {
		t.Errorf("err = %v, want ErrAlreadyPresent", err)
	}
}

func TestEnqueueUserQuotas(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	a := seedTrack(t, store, "A", 0, 0, "", time.Minute)
	b := seedTrack(t, store, "B", 0, 0, "", time.Minute)
	c := seedTrack(t, store, "C", 0, 0, "", time.Minute)

	if _, err := store.EnqueueUser(ctx, 1, 10, a.ID, 2, 1); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}

	// Per-user limit hit before global limit.
	if _, err := store.EnqueueUser(ctx, 1, 10, b.ID, 2, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("per-user err = %v, want ErrQuotaExceeded", err)
	}

	// A different owner still fits.
	if _, err := store.EnqueueUser(ctx, 1, 11, b.ID, 2, 1); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	// Global depth exhausted.
	if _, err := store.EnqueueUser(ctx, 1, 12, c.ID, 2, 1); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("global err = %v, want ErrQuotaExceeded", err)
	}
}

func TestConcurrentEnqueueSameTrack(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	track := seedTrack(t, store, "Race", 0, 0, "", time.Minute)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner int64) {
			defer wg.Done()
			_, err := store.EnqueueUser(ctx, 1, owner, track.ID, 0, 0)
			results <- err
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyPresent):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != workers-1 {
		t.Errorf("ok=%d dup=%d, want exactly one success", ok, dup)
	}
}

func TestPopNextPriorityAndOrder(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	auto1 := seedTrack(t, store, "Auto1", 0, 0, "", time.Minute)
	auto2 := seedTrack(t, store, "Auto2", 0, 0, "", time.Minute)
	userOld := seedTrack(t, store, "UserOld", 0, 0, "", time.Minute)
	userNew := seedTrack(t, store, "UserNew", 0, 0, "", time.Minute)

	if err := store.EnqueueAuto(ctx, 1, 0, auto1.ID, rng); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueAuto(ctx, 1, 0, auto2.ID, rng); err != nil {
		t.Fatal(err)
	}

	// User entries added after the auto entries still pop first; the
	// anonymous one carries a negative owner and counts as a user entry.
	seed := func(owner, trackID int64, added time.Time) {
		item := models.PlaylistItem{StreamID: 1, OwnerID: owner, TrackID: trackID, Added: added}
		if err := store.DB().Create(&item).Error; err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now().UTC()
	seed(42, userOld.ID, now.Add(time.Second))
	seed(-7, userNew.ID, now.Add(2*time.Second))

	wantOrder := []int64{userOld.ID, userNew.ID, auto1.ID, auto2.ID}
	for i, want := range wantOrder {
		item, err := store.PopNext(ctx, 1)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if item.TrackID != want {
			t.Fatalf("pop %d track = %d, want %d", i, item.TrackID, want)
		}
	}

	if _, err := store.PopNext(ctx, 1); !errors.Is(err, ErrEmptyPlaylist) {
		t.Errorf("pop on empty err = %v, want ErrEmptyPlaylist", err)
	}
}

func TestPopNextPopsAtMostOnce(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	track := seedTrack(t, store, "Once", 0, 0, "", time.Minute)

	if _, err := store.EnqueueUser(ctx, 1, 5, track.ID, 0, 0); err != nil {
		t.Fatal(err)
	}

	const workers = 4
	var wg sync.WaitGroup
	popped := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if item, err := store.PopNext(ctx, 1); err == nil {
				popped <- item.TrackID
			}
		}()
	}
	wg.Wait()
	close(popped)

	var got []int64
	for id := range popped {
		got = append(got, id)
	}
	if len(got) != 1 {
		t.Errorf("entry popped %d times, want exactly once", len(got))
	}
}

func TestRemoveItemPermissions(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	owned := seedTrack(t, store, "Owned", 0, 0, "", time.Minute)
	auto := seedTrack(t, store, "Auto", 0, 0, "", time.Minute)

	item, err := store.EnqueueUser(ctx, 1, 42, owned.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueAuto(ctx, 1, 0, auto.ID, rng); err != nil {
		t.Fatal(err)
	}
	items, err := store.QueuedItems(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	var autoItem models.PlaylistItem
	for _, it := range items {
		if it.OwnerID == 0 {
			autoItem = it
		}
	}

	// Stranger cannot remove a user entry.
	if err := store.RemoveItem(ctx, 1, item.ID, 99, false); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger remove err = %v, want ErrForbidden", err)
	}
	// Anyone may remove auto-filled entries.
	if err := store.RemoveItem(ctx, 1, autoItem.ID, 99, false); err != nil {
		t.Errorf("auto remove err = %v", err)
	}
	// The owner removes their own entry.
	if err := store.RemoveItem(ctx, 1, item.ID, 42, false); err != nil {
		t.Errorf("owner remove err = %v", err)
	}
	// Gone now.
	if err := store.RemoveItem(ctx, 1, item.ID, 42, false); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("repeat remove err = %v, want ErrRecordNotFound", err)
	}
}

func TestRemoveItemAdminOverride(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	track := seedTrack(t, store, "AdminCase", 0, 0, "", time.Minute)

	item, err := store.EnqueueUser(ctx, 1, 42, track.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveItem(ctx, 1, item.ID, 99, true); err != nil {
		t.Errorf("admin remove err = %v", err)
	}
}

func TestQueuedItemsOrderMirrorsPop(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	auto := seedTrack(t, store, "Auto", 0, 0, "", time.Minute)
	user := seedTrack(t, store, "User", 0, 0, "", time.Minute)

	if err := store.EnqueueAuto(ctx, 1, 0, auto.ID, rng); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := store.EnqueueUser(ctx, 1, 7, user.ID, 0, 0); err != nil {
		t.Fatal(err)
	}

	items, err := store.QueuedItems(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].TrackID != user.ID || items[1].TrackID != auto.ID {
		t.Errorf("order = [%d %d], want user entry first", items[0].TrackID, items[1].TrackID)
	}
}
