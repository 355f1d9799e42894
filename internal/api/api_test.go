package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/audit"
	"github.com/friendsincode/skald_jukebox/internal/auth"
	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/engine"
	"github.com/friendsincode/skald_jukebox/internal/events"
	"github.com/friendsincode/skald_jukebox/internal/integrity"
	"github.com/friendsincode/skald_jukebox/internal/logbuffer"
	"github.com/friendsincode/skald_jukebox/internal/media"
	"github.com/friendsincode/skald_jukebox/internal/models"
	"github.com/friendsincode/skald_jukebox/internal/webhooks"
)

var testJWTSecret = []byte("api-test-signing-key")

type alwaysThere struct{}

func (alwaysThere) Exists(context.Context, string) (bool, error) { return true, nil }

type testEnv struct {
	store  *catalog.Store
	db     *gorm.DB
	router chi.Router
}

func newTestEnv(t *testing.T, limits Limits) *testEnv {
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
		&models.PlaylistItem{}, &models.NowPlaying{}, &models.User{},
		&models.AuditLog{}, &models.WebhookTarget{}, &models.WebhookLog{},
	); err != nil {
		t.Fatal(err)
	}

	logger := zerolog.Nop()
	store := catalog.New(db, logger)
	bus := events.NewBus()
	manager := engine.NewManager(store, alwaysThere{}, nil, nil, false, logger)
	users := auth.NewUsers(db)
	hooks := webhooks.NewService(db, bus, logger)
	checker := integrity.NewService(store, media.NewFilesystemStorage(t.TempDir(), logger), logger)
	auditor := audit.NewService(db, logger)

	a := New(store, manager, bus, users, hooks, checker, logbuffer.New(100), auditor,
		testJWTSecret, limits, time.Second, logger)

	router := chi.NewRouter()
	a.Routes(router)
	return &testEnv{store: store, db: db, router: router}
}

func (e *testEnv) seedTrack(t *testing.T, title string) models.Track {
	t.Helper()
	file := models.TrackFile{Path: "music/" + title + ".mp3"}
	if err := e.db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	track := models.Track{FileID: file.ID, Title: title, Duration: 3 * time.Minute}
	if err := e.db.Create(&track).Error; err != nil {
		t.Fatal(err)
	}
	return track
}

func token(t *testing.T, userID int64, name string, admin bool) string {
	t.Helper()
	tok, err := auth.Issue(testJWTSecret, auth.Claims{UserID: userID, Name: name, Admin: admin}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func TestLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	if _, err := auth.NewUsers(env.db).Create(context.Background(), "sigrun", "valhalla", true); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"name": "sigrun", "password": "valhalla",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Token string `json:"token"`
		Admin bool   `json:"admin"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" || !resp.Admin {
		t.Errorf("response = %+v", resp)
	}

	w = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"name": "sigrun", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password status = %d", w.Code)
	}
}

func TestAddToPlaylist(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{MaxQueueDepth: 10, TitlesPerUser: 2})
	track := env.seedTrack(t, "ride")
	other := env.seedTrack(t, "storm")
	third := env.seedTrack(t, "calm")
	userToken := token(t, 1, "bjorn", false)

	w := env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", userToken,
		map[string]int64{"track_id": track.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var item models.PlaylistItem
	if err := json.Unmarshal(w.Body.Bytes(), &item); err != nil {
		t.Fatal(err)
	}
	if item.OwnerID != 1 || item.TrackID != track.ID {
		t.Errorf("item = %+v", item)
	}

	// The same track again conflicts, for any requester.
	w = env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", userToken,
		map[string]int64{"track_id": track.ID})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d", w.Code)
	}

	// Unknown tracks are rejected before touching the queue.
	w = env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", userToken,
		map[string]int64{"track_id": 99999})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown track status = %d", w.Code)
	}

	// The per-user quota kicks in on the third request.
	w = env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", userToken,
		map[string]int64{"track_id": other.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("second add status = %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", userToken,
		map[string]int64{"track_id": third.ID})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("quota status = %d", w.Code)
	}
}

func TestAnonymousCanQueue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	track := env.seedTrack(t, "freebird")

	// No Authorization header at all.
	w := env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", "",
		map[string]int64{"track_id": track.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var item models.PlaylistItem
	if err := json.Unmarshal(w.Body.Bytes(), &item); err != nil {
		t.Fatal(err)
	}
	if item.OwnerID >= 0 {
		t.Errorf("anonymous owner = %d, want negative", item.OwnerID)
	}
}

func TestRemoveFromPlaylist(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	track := env.seedTrack(t, "mine")
	ownerToken := token(t, 1, "owner", false)
	strangerToken := token(t, 2, "stranger", false)
	adminToken := token(t, 3, "admin", true)

	queue := func() models.PlaylistItem {
		w := env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", ownerToken,
			map[string]int64{"track_id": track.ID})
		if w.Code != http.StatusCreated {
			t.Fatalf("queue status = %d", w.Code)
		}
		var item models.PlaylistItem
		if err := json.Unmarshal(w.Body.Bytes(), &item); err != nil {
			t.Fatal(err)
		}
		return item
	}

	item := queue()
	path := fmt.Sprintf("/api/v1/streams/1/playlist/%d", item.ID)

	if w := env.do(t, http.MethodDelete, path, strangerToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("stranger status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, path, ownerToken, nil); w.Code != http.StatusNoContent {
		t.Errorf("owner status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, path, ownerToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("repeat status = %d", w.Code)
	}

	// Admins may remove anyone's entry.
	item = queue()
	path = fmt.Sprintf("/api/v1/streams/1/playlist/%d", item.ID)
	if w := env.do(t, http.MethodDelete, path, adminToken, nil); w.Code != http.StatusNoContent {
		t.Errorf("admin status = %d", w.Code)
	}
}

func TestSkipAndStop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	userToken := token(t, 1, "user", false)
	adminToken := token(t, 2, "admin", true)

	// No worker is running in the test env, so valid requests get 404.
	if w := env.do(t, http.MethodPost, "/api/v1/streams/1/skip", userToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("skip status = %d", w.Code)
	}

	// Stop is admin only.
	if w := env.do(t, http.MethodPost, "/api/v1/streams/1/stop", userToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("user stop status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/streams/1/stop", adminToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("admin stop status = %d", w.Code)
	}
}

func TestGetStateReturnsImmediatelyOnStaleHash(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	env.seedTrack(t, "alpha")

	w := env.do(t, http.MethodGet, "/api/v1/streams/1/state", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var state StateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.Hash == "" {
		t.Fatal("state has no hash")
	}

	// A mismatched hash skips the park entirely.
	start := time.Now()
	w = env.do(t, http.MethodGet, "/api/v1/streams/1/state?hash=ffff", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stale hash parked for %v", elapsed)
	}
}

func TestGetStateLongPollWakesOnChange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	track := env.seedTrack(t, "beta")

	w := env.do(t, http.MethodGet, "/api/v1/streams/1/state", "", nil)
	var state StateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}

	type result struct {
		state StateResponse
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		w := env.do(t, http.MethodGet, "/api/v1/streams/1/state?hash="+state.Hash, "", nil)
		var got StateResponse
		err := json.Unmarshal(w.Body.Bytes(), &got)
		resCh <- result{state: got, err: err}
	}()

	// Let the poll park, then mutate the playlist.
	time.Sleep(300 * time.Millisecond)
	if _, err := env.store.EnqueueUser(context.Background(), 1, 5, track.ID, 0, 0); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.state.Hash == state.Hash {
			t.Error("hash did not change after a playlist edit")
		}
		if len(res.state.PlaylistItems) != 1 {
			t.Errorf("playlist items = %d, want 1", len(res.state.PlaylistItems))
		}
		if len(res.state.Tracks) != 1 || res.state.Tracks[0].ID != track.ID {
			t.Errorf("tracks = %+v", res.state.Tracks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long poll never woke up")
	}
}

func TestSearchTracks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	env.seedTrack(t, "Immigrant Song")
	env.seedTrack(t, "Song Remains the Same")
	env.seedTrack(t, "Kashmir")
	userToken := token(t, 1, "user", false)

	w := env.do(t, http.MethodGet, "/api/v1/tracks?q=song", userToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Tracks []models.Track `json:"tracks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tracks) != 2 {
		t.Errorf("matches = %d, want 2", len(resp.Tracks))
	}

	if w := env.do(t, http.MethodGet, "/api/v1/tracks", userToken, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d", w.Code)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	userToken := token(t, 1, "user", false)
	adminToken := token(t, 2, "admin", true)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/admin/webhooks/"},
		{http.MethodGet, "/api/v1/admin/integrity"},
		{http.MethodGet, "/api/v1/admin/logs"},
		{http.MethodGet, "/api/v1/admin/audit"},
	}
	for _, p := range paths {
		if w := env.do(t, p.method, p.path, userToken, nil); w.Code != http.StatusForbidden {
			t.Errorf("%s as user: status = %d", p.path, w.Code)
		}
		if w := env.do(t, p.method, p.path, adminToken, nil); w.Code != http.StatusOK {
			t.Errorf("%s as admin: status = %d: %s", p.path, w.Code, w.Body)
		}
	}
}

func TestWebhookAdminCRUD(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	adminToken := token(t, 1, "admin", true)

	w := env.do(t, http.MethodPost, "/api/v1/admin/webhooks/", adminToken, map[string]any{
		"stream_id": 1,
		"url":       "http://example.invalid/hook",
		"events":    "now_playing",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var target models.WebhookTarget
	if err := json.Unmarshal(w.Body.Bytes(), &target); err != nil {
		t.Fatal(err)
	}
	if !target.Active {
		t.Error("created target not active")
	}

	path := fmt.Sprintf("/api/v1/admin/webhooks/%d", target.ID)
	if w := env.do(t, http.MethodDelete, path, adminToken, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, path, adminToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d", w.Code)
	}
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Limits{})
	track := env.seedTrack(t, "logged")
	userToken := token(t, 1, "user", false)
	adminToken := token(t, 2, "admin", true)

	w := env.do(t, http.MethodPost, "/api/v1/streams/1/playlist/", userToken,
		map[string]int64{"track_id": track.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("queue status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/admin/audit?action=playlist.add", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Entries []models.AuditLog `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(resp.Entries))
	}
	entry := resp.Entries[0]
	if entry.OwnerID != 1 || entry.StreamID != 1 {
		t.Errorf("entry = %+v", entry)
	}
}
