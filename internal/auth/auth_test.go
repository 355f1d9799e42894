package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

func TestIssueParseRoundtrip(t *testing.T) {
	t.Parallel()
	secret := []byte("test-signing-key")

	token, err := Issue(secret, Claims{UserID: 7, Name: "freya", Admin: true}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 7 || claims.Name != "freya" || !claims.Admin {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Subject != "7" {
		t.Errorf("subject = %q, want %q", claims.Subject, "7")
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	t.Parallel()
	token, err := Issue([]byte("key-one"), Claims{UserID: 1}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse([]byte("key-two"), token); err == nil {
		t.Fatal("token signed with a different key parsed")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	t.Parallel()
	secret := []byte("test-signing-key")
	token, err := Issue(secret, Claims{UserID: 1}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(secret, token); err == nil {
		t.Fatal("expired token parsed")
	}
}

func TestAnonymousOwnerID(t *testing.T) {
	t.Parallel()
	a := anonymousOwnerID("session-a")
	b := anonymousOwnerID("session-b")

	if a >= 0 || b >= 0 {
		t.Errorf("anonymous ids must be negative, got %d and %d", a, b)
	}
	if a == b {
		t.Error("distinct sessions mapped to the same owner")
	}
	if again := anonymousOwnerID("session-a"); again != a {
		t.Errorf("same session mapped to %d then %d", a, again)
	}
	if anonymousOwnerID("") == 0 {
		t.Error("owner id of zero collides with auto-fill entries")
	}
}

func TestIdentifyBearerToken(t *testing.T) {
	t.Parallel()
	secret := []byte("test-signing-key")
	token, err := Issue(secret, Claims{UserID: 3, Name: "odin", Admin: true}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var got Identity
	handler := Identify(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/streams/1/state", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if got.OwnerID != 3 || got.Name != "odin" || !got.Admin || got.Anonymous {
		t.Errorf("identity = %+v", got)
	}
}

func TestIdentifyFallsBackToAnonymousSession(t *testing.T) {
	t.Parallel()
	var got Identity
	handler := Identify([]byte("key"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))

	// No credentials at all: a session cookie is minted.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !got.Anonymous || got.OwnerID >= 0 {
		t.Fatalf("identity = %+v, want negative anonymous owner", got)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "skald_session" {
		t.Fatalf("cookies = %v, want one skald_session cookie", cookies)
	}
	first := got

	// The same cookie maps onto the same owner id.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	handler.ServeHTTP(httptest.NewRecorder(), r)
	if got.OwnerID != first.OwnerID {
		t.Errorf("owner changed across requests: %d then %d", first.OwnerID, got.OwnerID)
	}

	// A garbage token degrades to anonymous instead of rejecting.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer not.a.token")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !got.Anonymous {
		t.Error("garbage token did not degrade to anonymous")
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name string
		id   *Identity
		want int
	}{
		{"admin", &Identity{OwnerID: 1, Admin: true}, http.StatusNoContent},
		{"regular user", &Identity{OwnerID: 2}, http.StatusForbidden},
		{"anonymous", &Identity{OwnerID: -5, Anonymous: true}, http.StatusForbidden},
		{"no identity", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/v1/streams/1/stop", nil)
			if tt.id != nil {
				r = r.WithContext(WithIdentity(r.Context(), *tt.id))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestUsersAuthenticate(t *testing.T) {
	t.Parallel()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.User{}); err != nil {
		t.Fatal(err)
	}

	users := NewUsers(db)
	ctx := context.Background()

	created, err := users.Create(ctx, "loki", "mischief", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Password == "mischief" {
		t.Fatal("password stored in the clear")
	}

	got, err := users.Authenticate(ctx, "loki", "mischief")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("authenticated id = %d, want %d", got.ID, created.ID)
	}

	if _, err := users.Authenticate(ctx, "loki", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("wrong password err = %v, want ErrBadCredentials", err)
	}
	if _, err := users.Authenticate(ctx, "nobody", "mischief"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("unknown user err = %v, want ErrBadCredentials", err)
	}
}
