package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// GameSettings are the host-tunable knobs. Validated on every write and
// never mutated while a round is active.
type GameSettings struct {
	TimerDuration time.Duration `json:"timer_duration"`
	YearRangeMin  int           `json:"year_range_min"`
	YearRangeMax  int           `json:"year_range_max"`
	ExactPoints   int           `json:"exact_points"`
	ClosePoints   int           `json:"close_points"`
	NearPoints    int           `json:"near_points"`
	BetMultiplier int           `json:"bet_multiplier"`
	TargetID      string        `json:"target_id"`
	PlaylistID    string        `json:"playlist_id"`
}

func defaultSettings() GameSettings {
	return GameSettings{
		TimerDuration: 30 * time.Second,
		YearRangeMin:  1950,
		YearRangeMax:  time.Now().Year(),
		ExactPoints:   10,
		ClosePoints:   5,
		NearPoints:    2,
		BetMultiplier: 2,
	}
}

func (s *GameSettings) validate() error {
	if s.TimerDuration < minTimerDuration || s.TimerDuration > maxTimerDuration {
		return fmt.Errorf("timer duration must be between %s and %s: %s", minTimerDuration, maxTimerDuration, s.TimerDuration)
	}
	if s.YearRangeMin >= s.YearRangeMax {
		return fmt.Errorf("year range minimum must be below maximum: %d-%d", s.YearRangeMin, s.YearRangeMax)
	}
	if s.ExactPoints < 0 || s.ClosePoints < 0 || s.NearPoints < 0 {
		return fmt.Errorf("point values cannot be negative")
	}
	if s.BetMultiplier < 1 {
		return fmt.Errorf("bet multiplier must be at least 1: %d", s.BetMultiplier)
	}
	return nil
}

type gameStatus string

const (
	statusSetup  gameStatus = "setup"
	statusLobby  gameStatus = "lobby"
	statusActive gameStatus = "active"
	statusEnded  gameStatus = "ended"
)

// Player is one participant. TotalPoints is signed on purpose even though
// nothing in the current scoring path subtracts.
//
// ConnID names the socket that currently owns the player; a departure
// reported by any other socket is stale and ignored. CookieID is the
// browser identity cookie, used as a reconnect fallback when the client
// lost its session id.
type Player struct {
	Name        string
	SessionID   string
	ConnID      string
	CookieID    string
	TotalPoints int
	IsAdmin     bool
	Connected   bool
}

// Guess is one player's answer for one round; at most one per player.
type Guess struct {
	PlayerName  string
	Year        int
	BetPlaced   bool
	SubmittedAt time.Time
}

type roundStatus string

const (
	roundActive roundStatus = "active"
	roundEnded  roundStatus = "ended"
)

// Round is one song cycle. Once Status flips to ended the round is
// immutable; the timer pointer only exists so the transition can cancel it.
type Round struct {
	Number    int
	Song      Song
	StartedAt time.Time
	Deadline  time.Time
	Status    roundStatus

	Guesses     map[string]Guess
	pendingBets map[string]bool
	eligible    map[string]bool

	timer *time.Timer
}

func newRound(number int, song Song, duration time.Duration) *Round {
	now := time.Now()
	return &Round{
		Number:      number,
		Song:        song,
		StartedAt:   now,
		Deadline:    now.Add(duration),
		Status:      roundActive,
		Guesses:     make(map[string]Guess),
		pendingBets: make(map[string]bool),
		eligible:    make(map[string]bool),
	}
}

// allSubmitted reports whether every eligible player who is still connected
// has a guess in. Players who guessed and then dropped still count as done.
func (r *Round) allSubmitted(players []*Player) bool {
	waiting, done := 0, 0
	for _, p := range players {
		if !r.eligible[p.Name] {
			continue
		}
		if _, guessed := r.Guesses[p.Name]; guessed {
			waiting++
			done++
			continue
		}
		if p.Connected {
			waiting++
		}
	}

	return waiting > 0 && done >= waiting
}

func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// resolveName appends " (k)" with the smallest k ≥ 2 that makes the name
// unused, so two Sarahs become "Sarah" and "Sarah (2)".
func resolveName(name string, players []*Player) string {
	taken := make(map[string]bool, len(players))
	for _, p := range players {
		taken[p.Name] = true
	}

	if !taken[name] {
		return name
	}

	for k := 2; ; k++ {
		candidate := name + " (" + strconv.Itoa(k) + ")"
		if !taken[candidate] {
			return candidate
		}
	}
}
