/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

// adminAuth wraps a handler with bearer-token authentication. The host
// platform is expected to sit in front of this on real deployments; the
// token keeps curious players out on a bare LAN.
func adminAuth(cfg *Config, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorData{
				Code:    errNotAdmin,
				Message: "missing or invalid admin token",
			})
			return
		}

		next(w, r, p)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGameError(w http.ResponseWriter, gerr *gameError) {
	status := http.StatusConflict
	switch gerr.code {
	case errNotAdmin:
		status = http.StatusForbidden
	case errInvalidPayload, errSettingsInvalid:
		status = http.StatusBadRequest
	case errPlaybackFailed:
		status = http.StatusBadGateway
	}

	writeJSON(w, status, ErrorData{Code: gerr.code, Message: gerr.message})
}

func serveMediaPlayers(cfg *Config, adapter PlaybackAdapter) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		targets, err := adapter.ListTargets(r.Context())
		if err != nil {
			writeJSON(w, http.StatusBadGateway, ErrorData{
				Code:    errPlaybackFailed,
				Message: err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, targets)

		logf(cfg, "SERVE: Media players (%d) to %s in %s",
			len(targets),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveValidatePlaylist(cfg *Config, adapter PlaybackAdapter) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			PlaylistID string `json:"playlist_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlaylistID == "" {
			writeJSON(w, http.StatusBadRequest, ErrorData{
				Code:    errInvalidPayload,
				Message: "validate_playlist needs a playlist_id",
			})
			return
		}

		songs, skipped, err := loadPlaylist(r.Context(), adapter, body.PlaylistID)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, ErrorData{
				Code:    errPlaylistEmpty,
				Message: err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{
			"tracks":  len(songs),
			"skipped": skipped,
		})

		logf(cfg, "SERVE: Playlist %q validated (%d tracks, %d skipped) for %s",
			body.PlaylistID,
			len(songs),
			skipped,
			realIP(r),
		)
	}
}

func serveStartGame(cfg *Config, game *Game) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var overrides SettingsOverride
		if r.Body != nil {
			// An empty body means "use the saved settings".
			if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, ErrorData{
					Code:    errInvalidPayload,
					Message: "start_game overrides must be a JSON object",
				})
				return
			}
		}

		reply, gerr := game.startGame(r.Context(), true, overrides)
		if gerr != nil {
			writeGameError(w, gerr)
			return
		}

		writeJSON(w, http.StatusOK, reply)
	}
}

func serveNextSong(game *Game) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		reply, gerr := game.nextSong(r.Context(), true)
		if gerr != nil {
			writeGameError(w, gerr)
			return
		}

		writeJSON(w, http.StatusOK, reply)
	}
}

func serveResetGame(game *Game) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if gerr := game.stopGame(r.Context(), true); gerr != nil {
			writeGameError(w, gerr)
			return
		}

		writeJSON(w, http.StatusOK, struct{}{})
	}
}
