/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/skald_jukebox/internal/events"
	"github.com/friendsincode/skald_jukebox/internal/models"
	"github.com/friendsincode/skald_jukebox/internal/telemetry"
)

// pollInterval is how often a parked long poll rechecks the state hash.
const pollInterval = 200 * time.Millisecond

// StateResponse is the full stream state returned by the state endpoint.
type StateResponse struct {
	PlaylistItems []models.PlaylistItem `json:"playlist_items"`
	Tracks        []models.Track        `json:"tracks"`
	Albums        []models.Album        `json:"albums"`
	Artists       []models.Artist       `json:"artists"`
	Subsets       []models.Subset       `json:"subsets"`
	NowPlaying    models.NowPlaying     `json:"now_playing"`
	Position      float64               `json:"position_seconds"`
	Hash          string                `json:"hash"`
}

// handleGetState long-polls: while the client's known hash still matches
// the live state the request parks, rechecking every 200ms for a
// randomized window, then returns the current state either way.
func (a *API) handleGetState(w http.ResponseWriter, r *http.Request) {
	streamID, ok := streamIDParam(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	known, hasKnown := parseHash(r.URL.Query().Get("hash"))

	if hasKnown && known == a.store.StateHash(ctx, streamID) {
		telemetry.LongPollWaiters.Inc()
		// Randomized so reconnecting clients do not stampede in sync.
		deadline := time.Now().Add(a.longPollWindow + time.Duration(rand.Int63n(int64(a.longPollWindow))))
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				telemetry.LongPollWaiters.Dec()
				return
			case <-time.After(pollInterval):
			}
			if a.store.StateHash(ctx, streamID) != known {
				break
			}
		}
		telemetry.LongPollWaiters.Dec()
	}

	state, err := a.buildState(ctx, streamID)
	if err != nil {
		a.logger.Error().Err(err).Int64("stream", streamID).Msg("building state failed")
		writeError(w, http.StatusInternalServerError, "state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleStateSocket pushes a state snapshot over a websocket whenever the
// now-playing record or playlist changes.
func (a *API) handleStateSocket(w http.ResponseWriter, r *http.Request) {
	streamID, ok := streamIDParam(w, r)
	if !ok {
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx := r.Context()
	npSub := a.bus.Subscribe(events.EventNowPlaying)
	defer a.bus.Unsubscribe(events.EventNowPlaying, npSub)
	plSub := a.bus.Subscribe(events.EventPlaylistChanged)
	defer a.bus.Unsubscribe(events.EventPlaylistChanged, plSub)

	if err := a.pushState(ctx, conn, streamID); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return
		case _, open := <-npSub:
			if !open {
				return
			}
		case _, open := <-plSub:
			if !open {
				return
			}
		}
		if err := a.pushState(ctx, conn, streamID); err != nil {
			a.logger.Debug().Err(err).Msg("websocket push failed, client disconnected")
			return
		}
	}
}

func (a *API) pushState(ctx context.Context, conn *ws.Conn, streamID int64) error {
	state, err := a.buildState(ctx, streamID)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsWriteJSON(writeCtx, conn, state)
}

// buildState assembles the queue plus every referenced catalog row so
// clients need no follow-up lookups.
func (a *API) buildState(ctx context.Context, streamID int64) (StateResponse, error) {
	var state StateResponse

	items, err := a.store.QueuedItems(ctx, streamID)
	if err != nil {
		return state, err
	}
	state.PlaylistItems = items
	state.NowPlaying = a.store.NowPlaying(ctx, streamID)
	state.Position = state.NowPlaying.Position().Seconds()
	state.Hash = formatHash(a.store.StateHash(ctx, streamID))

	trackIDs := make([]int64, 0, len(items)+1)
	subsetIDs := make(map[int64]struct{})
	for _, item := range items {
		trackIDs = append(trackIDs, item.TrackID)
		if item.SubsetID > 0 {
			subsetIDs[item.SubsetID] = struct{}{}
		}
	}
	if state.NowPlaying.TrackID != 0 {
		trackIDs = append(trackIDs, state.NowPlaying.TrackID)
	}
	if state.NowPlaying.SubsetID > 0 {
		subsetIDs[state.NowPlaying.SubsetID] = struct{}{}
	}

	state.Tracks, err = a.store.TracksByIDs(ctx, trackIDs)
	if err != nil {
		return state, err
	}

	albumIDs := make(map[int64]struct{})
	artistIDs := make(map[int64]struct{})
	for _, track := range state.Tracks {
		albumIDs[track.AlbumID] = struct{}{}
		artistIDs[track.ArtistID] = struct{}{}
		if track.AlbumArtistID != 0 {
			artistIDs[track.AlbumArtistID] = struct{}{}
		}
	}

	state.Albums, err = a.store.AlbumsByIDs(ctx, keys(albumIDs))
	if err != nil {
		return state, err
	}
	state.Artists, err = a.store.ArtistsByIDs(ctx, keys(artistIDs))
	if err != nil {
		return state, err
	}
	state.Subsets, err = a.store.SubsetsByIDs(ctx, keys(subsetIDs))
	if err != nil {
		return state, err
	}
	return state, nil
}

func wsWriteJSON(ctx context.Context, conn *ws.Conn, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, payload)
}

func streamIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "streamID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid stream id")
		return 0, false
	}
	return id, true
}

func parseHash(raw string) (uint64, bool) {
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func formatHash(h uint64) string {
	return strconv.FormatUint(h, 16)
}

func keys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
