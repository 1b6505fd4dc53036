package main

import (
	"encoding/json"
	"time"
)

// Inbound messages are a closed set of command types; anything else gets
// an unknown_command error without dropping the socket.
const (
	cmdJoinGame    = "join_game"
	cmdReconnect   = "reconnect"
	cmdPlaceBet    = "place_bet"
	cmdSubmitGuess = "submit_guess"
	cmdStartGame   = "start_game"
	cmdNextSong    = "next_song"
	cmdStopGame    = "stop_game"
)

// ClientMessage is the envelope for everything a player sends.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type JoinGameData struct {
	Name        string `json:"name"`
	AdminSecret string `json:"admin_secret,omitempty"`
}

type ReconnectData struct {
	SessionID string `json:"session_id"`
}

type PlaceBetData struct {
	Bet bool `json:"bet"`
}

type SubmitGuessData struct {
	Year int  `json:"year"`
	Bet  bool `json:"bet"`
}

// Event is the envelope for everything the server broadcasts.
type Event struct {
	Type      string    `json:"type"` // always eventEnvelopeType
	EventType string    `json:"event_type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

const eventEnvelopeType = "beatsy/event"

// Reply is sent to exactly one client as the synchronous answer to a
// command, carrying derived values such as the resolved player name.
type Reply struct {
	Type    string `json:"type"` // always replyEnvelopeType
	Command string `json:"command"`
	Ok      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
}

const replyEnvelopeType = "beatsy/reply"

// Event types in the server → client catalog.
const (
	eventPlayerJoined      = "player_joined"
	eventPlayerReconnected = "player_reconnected"
	eventBetPlaced         = "bet_placed"
	eventGuessSubmitted    = "guess_submitted"
	eventRoundStarted      = "round_started"
	eventRoundEnded        = "round_ended"
	eventGameReset         = "game_reset"
	eventError             = "error"
)

type PlayerJoinedData struct {
	PlayerName   string `json:"player_name"`
	TotalPlayers int    `json:"total_players"`
}

type PlayerReconnectedData struct {
	PlayerName    string        `json:"player_name"`
	StateSnapshot StateSnapshot `json:"state_snapshot"`
}

type BetPlacedData struct {
	PlayerName string `json:"player_name"`
}

// GuessSubmittedData deliberately omits the guessed year.
type GuessSubmittedData struct {
	PlayerName string `json:"player_name"`
}

type SongInfo struct {
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	CoverReference string `json:"cover_reference,omitempty"`
}

// RoundStartedData omits the release year; that is the whole game.
type RoundStartedData struct {
	RoundNumber   int       `json:"round_number"`
	Song          SongInfo  `json:"song"`
	TimerDuration float64   `json:"timer_duration"` // seconds
	StartedAt     time.Time `json:"started_at"`
}

type RoundResult struct {
	Name         string `json:"name"`
	Guess        int    `json:"guess"`
	PointsEarned int    `json:"points_earned"`
	BetPlaced    bool   `json:"bet_placed"`
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	Name        string `json:"name"`
	TotalPoints int    `json:"total_points"`
}

type RoundEndedData struct {
	CorrectYear int                `json:"correct_year"`
	Results     []RoundResult      `json:"results"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateSnapshot is handed to reconnecting clients in place of the events
// they missed while offline.
type StateSnapshot struct {
	GameStatus  string             `json:"game_status"`
	PlayerName  string             `json:"player_name"`
	TotalPoints int                `json:"total_points"`
	IsAdmin     bool               `json:"is_admin"`
	Round       *RoundStartedData  `json:"round,omitempty"`
	HasGuessed  bool               `json:"has_guessed"`
	PendingBet  bool               `json:"pending_bet"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// Error codes shared between the coordinator and the wire.
const (
	errInvalidName     = "invalid_name"
	errSessionUnknown  = "session_unknown"
	errGameEnded       = "game_ended"
	errNoActiveRound   = "no_active_round"
	errRoundActive     = "round_active"
	errAlreadySub      = "already_submitted"
	errLateSubmission  = "late_submission"
	errYearOutOfRange  = "year_out_of_range"
	errNotAdmin        = "not_admin"
	errPlaylistEmpty   = "playlist_empty"
	errPoolExhausted   = "pool_exhausted"
	errPlaybackFailed  = "playback_failed"
	errUnknownCommand  = "unknown_command"
	errRateLimited     = "rate_limited"
	errInvalidPayload  = "invalid_payload"
	errDuplicateGuess  = "duplicate"
	errSettingsInvalid = "settings_invalid"
)

// gameError is the failure half of a command result. It never escapes the
// coordinator as a panic; the connection layer renders it to the client.
type gameError struct {
	code    string
	message string
}

func (e *gameError) Error() string {
	return e.code + ": " + e.message
}

func gameErrorf(code, message string) *gameError {
	return &gameError{code: code, message: message}
}

const (
	minNameLength = 1
	maxNameLength = 20
)

// validName reports whether a player name is 1-20 characters of letters,
// digits, and interior spaces.
func validName(name string) bool {
	if len(name) < minNameLength || len(name) > maxNameLength {
		return false
	}
	if name[0] == ' ' || name[len(name)-1] == ' ' {
		return false
	}

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ' ':
		default:
			return false
		}
	}

	return true
}

func newEvent(eventType string, data any) Event {
	return Event{
		Type:      eventEnvelopeType,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func newReply(command string, data any) Reply {
	return Reply{
		Type:    replyEnvelopeType,
		Command: command,
		Ok:      true,
		Data:    data,
	}
}
