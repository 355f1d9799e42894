package api

import (
	"net/http"

	"github.com/friendsincode/skald_jukebox/internal/catalog"
	"github.com/friendsincode/skald_jukebox/internal/models"
)

const maxSearchResults = 200

// handleSearchTracks matches a wildcard pattern against track titles so
// clients can find something to queue.
func (a *API) handleSearchTracks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}

	pattern := catalog.NormalizePattern(query)

	var tracks []models.Track
	if err := a.store.DB().WithContext(r.Context()).Find(&tracks).Error; err != nil {
		a.logger.Error().Err(err).Msg("track search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	matches := make([]models.Track, 0, 32)
	for _, track := range tracks {
		if catalog.MatchPattern(pattern, track.Title) {
			matches = append(matches, track)
			if len(matches) >= maxSearchResults {
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tracks": matches})
}
