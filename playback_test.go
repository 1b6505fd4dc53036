package main

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is the in-memory PlaybackAdapter used throughout the tests.
type fakeAdapter struct {
	mu sync.Mutex

	targets []PlaybackTarget
	pages   map[string][]TrackPage

	playFailures int // fail this many Play calls before succeeding
	played       []string

	snapshot []byte
	restored [][]byte

	metadata TrackMetadata
}

func newFakeAdapter(songs ...Track) *fakeAdapter {
	return &fakeAdapter{
		targets: []PlaybackTarget{
			{ID: "speaker", FriendlyName: "Living Room", State: "idle"},
		},
		pages: map[string][]TrackPage{
			"party": {{Tracks: songs}},
		},
		snapshot: []byte(`{"queue":"before"}`),
	}
}

func (a *fakeAdapter) ListTargets(_ context.Context) ([]PlaybackTarget, error) {
	return a.targets, nil
}

func (a *fakeAdapter) ListPlaylist(_ context.Context, playlistID, cursor string) (TrackPage, error) {
	pages, ok := a.pages[playlistID]
	if !ok {
		return TrackPage{}, errors.New("no such playlist")
	}

	index := 0
	if cursor != "" {
		index, _ = strconv.Atoi(cursor)
	}
	if index >= len(pages) {
		return TrackPage{}, nil
	}

	page := pages[index]
	if index+1 < len(pages) {
		page.Next = strconv.Itoa(index + 1)
	}
	return page, nil
}

func (a *fakeAdapter) Play(_ context.Context, _, songID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.playFailures > 0 {
		a.playFailures--
		return &playbackError{op: "play", err: errors.New("device busy")}
	}

	a.played = append(a.played, songID)
	return nil
}

func (a *fakeAdapter) CurrentMetadata(_ context.Context, _ string) (TrackMetadata, error) {
	return a.metadata, nil
}

func (a *fakeAdapter) SnapshotState(_ context.Context, _ string) ([]byte, error) {
	return a.snapshot, nil
}

func (a *fakeAdapter) RestoreState(_ context.Context, _ string, state []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.restored = append(a.restored, state)
	return nil
}

func TestYearFromReleaseDate(t *testing.T) {
	cases := []struct {
		date string
		year int
		ok   bool
	}{
		{"1986-05-12", 1986, true},
		{"1986", 1986, true},
		{"2003-01", 2003, true},
		{"", 0, false},
		{"86", 0, false},
		{"19a6", 0, false},
		{"unknown", 0, false},
		{"0000-01-01", 0, false},
	}

	for _, tc := range cases {
		year, ok := yearFromReleaseDate(tc.date)
		assert.Equal(t, tc.ok, ok, "date %q", tc.date)
		assert.Equal(t, tc.year, year, "date %q", tc.date)
	}
}

func TestLoadPlaylistFiltersAndCounts(t *testing.T) {
	adapter := newFakeAdapter(
		Track{ID: "1", Title: "First", ReleaseDate: "1970-01-01"},
		Track{ID: "2", Title: "No Year", ReleaseDate: ""},
		Track{ID: "3", Title: "Third", ReleaseDate: "1999"},
		Track{ID: "4", Title: "Bad Date", ReleaseDate: "n/a"},
	)

	songs, skipped, err := loadPlaylist(context.Background(), adapter, "party")

	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, songs, 2)
	assert.Equal(t, 1970, songs[0].Year)
	assert.Equal(t, 1999, songs[1].Year)
}

func TestLoadPlaylistPaginates(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.pages["party"] = []TrackPage{
		{Tracks: []Track{{ID: "1", ReleaseDate: "1970"}, {ID: "2", ReleaseDate: "1971"}}},
		{Tracks: []Track{{ID: "3", ReleaseDate: "1972"}}},
		{Tracks: []Track{{ID: "4", ReleaseDate: "bogus"}}},
	}

	songs, skipped, err := loadPlaylist(context.Background(), adapter, "party")

	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Len(t, songs, 3)
}

func TestLoadPlaylistUnknownPlaylist(t *testing.T) {
	adapter := newFakeAdapter()

	_, _, err := loadPlaylist(context.Background(), adapter, "nope")

	require.Error(t, err)
	var perr *playbackError
	assert.ErrorAs(t, err, &perr)
}
