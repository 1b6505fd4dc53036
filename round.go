/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"math/big"
	"sort"
)

// scoreGuess maps the distance between guess and truth onto the configured
// proximity tiers, then applies the bet multiplier. A bet on a miss earns
// zero; the base score never goes below zero.
func scoreGuess(settings GameSettings, guessYear, songYear int, betPlaced bool) int {
	delta := guessYear - songYear
	if delta < 0 {
		delta = -delta
	}

	var base int
	switch {
	case delta == 0:
		base = settings.ExactPoints
	case delta <= 2:
		base = settings.ClosePoints
	case delta <= 5:
		base = settings.NearPoints
	default:
		base = 0
	}

	if betPlaced && base > 0 {
		return base * settings.BetMultiplier
	}

	return base
}

// pickSong draws uniformly from the remaining pool. Removal from the
// available set and insertion into the played set happen together here.
func pickSong(available map[string]Song, played map[string]bool) (Song, bool) {
	if len(available) == 0 {
		return Song{}, false
	}

	ids := make([]string, 0, len(available))
	for id := range available {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(ids))))
	if err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	id := ids[n.Int64()]
	song := available[id]

	delete(available, id)
	played[id] = true

	return song, true
}

// roundResults scores every accepted guess and returns the per-player
// results sorted by points descending, names ascending on ties. Totals are
// applied to the players as part of the same pass.
func roundResults(settings GameSettings, round *Round, players []*Player) []RoundResult {
	byName := make(map[string]*Player, len(players))
	for _, p := range players {
		byName[p.Name] = p
	}

	results := make([]RoundResult, 0, len(round.Guesses))
	for _, guess := range round.Guesses {
		earned := scoreGuess(settings, guess.Year, round.Song.Year, guess.BetPlaced)

		if p, ok := byName[guess.PlayerName]; ok {
			p.TotalPoints += earned
		}

		results = append(results, RoundResult{
			Name:         guess.PlayerName,
			Guess:        guess.Year,
			PointsEarned: earned,
			BetPlaced:    guess.BetPlaced,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].PointsEarned != results[j].PointsEarned {
			return results[i].PointsEarned > results[j].PointsEarned
		}
		return results[i].Name < results[j].Name
	})

	return results
}

// leaderboard ranks players by total points descending. Equal totals share
// a rank and sort alphabetically within it; the next distinct total takes
// the rank its position implies (1, 1, 3).
func leaderboard(players []*Player) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(players))
	for _, p := range players {
		entries = append(entries, LeaderboardEntry{
			Name:        p.Name,
			TotalPoints: p.TotalPoints,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		return entries[i].Name < entries[j].Name
	})

	for i := range entries {
		if i > 0 && entries[i].TotalPoints == entries[i-1].TotalPoints {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}

	return entries
}

// leaderboardTop slices the ranking down to the first k entries. When the
// named player sits below the cut, their entry is appended so every client
// can always show the viewer's own position.
func leaderboardTop(entries []LeaderboardEntry, k int, name string) []LeaderboardEntry {
	if k <= 0 || k >= len(entries) {
		return entries
	}

	top := make([]LeaderboardEntry, k, k+1)
	copy(top, entries[:k])

	for _, e := range entries[k:] {
		if e.Name == name {
			top = append(top, e)
			break
		}
	}

	return top
}
