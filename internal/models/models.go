package models

import (
	"time"
)

// StreamType selects the playback behaviour of a stream.
type StreamType int64

const (
	// StreamSilence is a configured but muted stream.
	StreamSilence StreamType = 0
	// StreamJukebox is the shared jukebox channel.
	StreamJukebox StreamType = 1
)

// FilterMode decides how a subset filter combines with the others.
type FilterMode int

const (
	FilterWhitelist FilterMode = 0
	FilterBlacklist FilterMode = 1
)

// FilterType names the track attribute a subset filter matches against.
type FilterType int

const (
	FilterNone     FilterType = 0
	FilterCategory FilterType = 1
	FilterGenre    FilterType = 2
	FilterArtist   FilterType = 3
	FilterAlbum    FilterType = 4
	FilterTitle    FilterType = 5
	FilterTag      FilterType = 6
)

// User represents an authenticated account.
type User struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex"`
	Password  string
	Admin     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Artist is a catalog artist entry.
type Artist struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"index"`
}

// Album is a catalog album entry.
type Album struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Name     string `gorm:"index"`
	ArtistID int64  `gorm:"index"`
}

// Track is a catalog audio entry. The playback core never mutates tracks
// except to purge entries whose backing file disappeared.
type Track struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	FileID        int64  `gorm:"index"`
	Title         string `gorm:"index"`
	AlbumID       int64  `gorm:"index"`
	ArtistID      int64  `gorm:"index"`
	AlbumArtistID int64
	Genres        string
	Tags          string
	Duration      time.Duration
	TrackNumber   int
	DiscNumber    int
	RecordedAt    time.Time
	MetaErrors    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TrackFile is the on-storage backing of a track.
type TrackFile struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	Path       string
	Size       int64
	ModifiedAt time.Time
}

// PlaylistItem is a queued request to play a track on a stream.
//
// Owner sign convention: positive = authenticated user id, zero =
// subset auto-fill, negative = anonymous session id.
type PlaylistItem struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	StreamID int64     `gorm:"index"`
	Added    time.Time `gorm:"index"`
	OwnerID  int64
	SubsetID int64
	TrackID  int64 `gorm:"index"`
}

// StreamSettings is the per-stream configuration read by selector and engine.
type StreamSettings struct {
	StreamID          int64 `gorm:"primaryKey"`
	StreamType        StreamType
	MinimumTitleCount int
	MaximumTitleCount int
	MinimumLength     time.Duration
	MaximumLength     time.Duration
	SubsetID          int64
	TitlesPerUser     int
	Volume            float64
}

// Subset is a named restriction of the catalog used for automatic selection.
type Subset struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"index"`
	TitleCount int
}

// SubsetFilter is one predicate of a subset. Whitelist filters OR together,
// blacklist filters AND-NOT together, and the two groups are conjoined.
type SubsetFilter struct {
	ID       int64 `gorm:"primaryKey;autoIncrement"`
	SubsetID int64 `gorm:"index"`
	Mode     FilterMode
	Type     FilterType
	Text     string `gorm:"size:40"`
}

// AuditAction names a recorded action.
type AuditAction string

const (
	AuditActionLogin           AuditAction = "auth.login"
	AuditActionPlaylistAdd     AuditAction = "playlist.add"
	AuditActionPlaylistRemove  AuditAction = "playlist.remove"
	AuditActionStreamSkip      AuditAction = "stream.skip"
	AuditActionStreamStop      AuditAction = "stream.stop"
	AuditActionWebhookCreate   AuditAction = "webhook.create"
	AuditActionWebhookDelete   AuditAction = "webhook.delete"
	AuditActionIntegrityRepair AuditAction = "integrity.repair"
)

// AuditLog records one user or admin action.
type AuditLog struct {
	ID         int64       `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time   `gorm:"index"`
	Action     AuditAction `gorm:"index"`
	OwnerID    int64       `gorm:"index"`
	OwnerName  string
	StreamID   int64 `gorm:"index"`
	ResourceID int64
	IPAddress  string
	Details    map[string]any `gorm:"serializer:json"`
	CreatedAt  time.Time
}

// WebhookTarget is an external endpoint notified about stream events.
type WebhookTarget struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	StreamID  int64  `gorm:"index"`
	URL       string
	Secret    string
	Events    string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookLog records one delivery attempt to a target.
type WebhookLog struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	TargetID   int64 `gorm:"index"`
	Event      string
	StatusCode int
	Error      string
	CreatedAt  time.Time
}

// NowPlaying is the live record of the track currently streaming. One row
// per stream, replaced in place by the engine's publisher.
type NowPlaying struct {
	StreamID        int64 `gorm:"primaryKey"`
	OwnerID         int64
	SubsetID        int64
	TrackID         int64
	StartedAt       time.Time
	UpdatedAt       time.Time
	Duration        time.Duration
	Title           string
	ArtistName      string
	AlbumArtistName string
	AlbumName       string
	Genres          string
	Tags            string
}

// Position reports how far into the track playback currently is.
func (np NowPlaying) Position() time.Duration {
	return time.Since(np.StartedAt)
}

// ContentHash folds the fields clients care about into a change-detection
// value. It is combined with the playlist version counter by the store.
func (np NowPlaying) ContentHash() uint64 {
	h := uint64(np.StartedAt.UnixNano())
	h ^= uint64(np.StreamID) * 0x9e3779b97f4a7c15
	h ^= uint64(np.TrackID) * 0xc2b2ae3d27d4eb4f
	return h
}
