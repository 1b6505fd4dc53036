/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Song is one playable, year-bearing track from the configured playlist.
type Song struct {
	ID             string
	Title          string
	Artist         string
	Year           int
	CoverReference string
}

// PlaybackTarget is an output device enumerated by the playback service.
type PlaybackTarget struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	State        string `json:"state"`
}

// Track is the raw playlist entry before year filtering.
type Track struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	ReleaseDate    string `json:"release_date"`
	CoverReference string `json:"cover_reference"`
}

// TrackPage is one page of playlist entries; an empty Next cursor ends
// the listing.
type TrackPage struct {
	Tracks []Track `json:"tracks"`
	Next   string  `json:"next"`
}

// TrackMetadata enriches the currently playing track after playback has
// started, supplying fields the playlist record may omit.
type TrackMetadata struct {
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	Album          string `json:"album"`
	CoverReference string `json:"cover_reference"`
}

// PlaybackAdapter is the contract between the game and whatever actually
// makes noise. Implementations bind to the host's music service; tests use
// an in-memory fake. Every call must honor its context deadline.
type PlaybackAdapter interface {
	ListTargets(ctx context.Context) ([]PlaybackTarget, error)
	ListPlaylist(ctx context.Context, playlistID, cursor string) (TrackPage, error)
	Play(ctx context.Context, targetID, songID string) error
	CurrentMetadata(ctx context.Context, targetID string) (TrackMetadata, error)
	SnapshotState(ctx context.Context, targetID string) ([]byte, error)
	RestoreState(ctx context.Context, targetID string, state []byte) error
}

// playbackError marks transient failures from the playback side; the
// coordinator retries these with a different song before giving up.
type playbackError struct {
	op  string
	err error
}

func (e *playbackError) Error() string {
	return "playback " + e.op + ": " + e.err.Error()
}

func (e *playbackError) Unwrap() error {
	return e.err
}

const playbackTimeout = 2 * time.Second

// loadPlaylist fetches the full playlist page by page and keeps only
// tracks whose release date yields a four-digit year. The dropped count is
// reported to the admin, not treated as an error.
func loadPlaylist(ctx context.Context, adapter PlaybackAdapter, playlistID string) ([]Song, int, error) {
	var (
		songs   []Song
		skipped int
		cursor  string
	)

	for {
		page, err := adapter.ListPlaylist(ctx, playlistID, cursor)
		if err != nil {
			return nil, 0, &playbackError{op: "list_playlist", err: err}
		}

		for _, track := range page.Tracks {
			year, ok := yearFromReleaseDate(track.ReleaseDate)
			if !ok {
				skipped++
				continue
			}
			songs = append(songs, Song{
				ID:             track.ID,
				Title:          track.Title,
				Artist:         track.Artist,
				Year:           year,
				CoverReference: track.CoverReference,
			})
		}

		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	return songs, skipped, nil
}

// yearFromReleaseDate reads the leading four digits of a release date
// ("1986-05-12", "1986"). Anything else disqualifies the track.
func yearFromReleaseDate(date string) (int, bool) {
	if len(date) < 4 {
		return 0, false
	}

	year := 0
	for _, c := range date[:4] {
		if c < '0' || c > '9' {
			return 0, false
		}
		year = year*10 + int(c-'0')
	}

	if year == 0 {
		return 0, false
	}

	return year, true
}

// httpAdapter binds PlaybackAdapter to the host platform's music service
// over its JSON REST surface.
type httpAdapter struct {
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPAdapter(baseURL, token string) *httpAdapter {
	return &httpAdapter{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: playbackTimeout,
		},
	}
}

func (a *httpAdapter) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, playbackTimeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *httpAdapter) ListTargets(ctx context.Context) ([]PlaybackTarget, error) {
	var targets []PlaybackTarget
	if err := a.do(ctx, http.MethodGet, "/api/players", nil, &targets); err != nil {
		return nil, &playbackError{op: "list_targets", err: err}
	}
	return targets, nil
}

func (a *httpAdapter) ListPlaylist(ctx context.Context, playlistID, cursor string) (TrackPage, error) {
	path := "/api/playlists/" + url.PathEscape(playlistID) + "/tracks"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}

	var page TrackPage
	if err := a.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return TrackPage{}, err
	}
	return page, nil
}

func (a *httpAdapter) Play(ctx context.Context, targetID, songID string) error {
	body := map[string]string{"song_id": songID}
	path := "/api/players/" + url.PathEscape(targetID) + "/play"

	if err := a.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return &playbackError{op: "play", err: err}
	}
	return nil
}

func (a *httpAdapter) CurrentMetadata(ctx context.Context, targetID string) (TrackMetadata, error) {
	var meta TrackMetadata
	path := "/api/players/" + url.PathEscape(targetID) + "/current"

	if err := a.do(ctx, http.MethodGet, path, nil, &meta); err != nil {
		return TrackMetadata{}, &playbackError{op: "current_metadata", err: err}
	}
	return meta, nil
}

func (a *httpAdapter) SnapshotState(ctx context.Context, targetID string) ([]byte, error) {
	var state json.RawMessage
	path := "/api/players/" + url.PathEscape(targetID) + "/state"

	if err := a.do(ctx, http.MethodGet, path, nil, &state); err != nil {
		return nil, &playbackError{op: "snapshot_state", err: err}
	}
	return state, nil
}

func (a *httpAdapter) RestoreState(ctx context.Context, targetID string, state []byte) error {
	path := "/api/players/" + url.PathEscape(targetID) + "/state"

	if err := a.do(ctx, http.MethodPost, path, json.RawMessage(state), nil); err != nil {
		return &playbackError{op: "restore_state", err: err}
	}
	return nil
}
