// Beatsy game coordinator
//
// All game state lives on the Game struct and is touched only by the
// run loop, which consumes typed commands from a single channel. Every
// handler mutates state, then broadcasts the events that describe the
// mutation, before the next command is taken; clients therefore never
// observe an event contradicted by a later one.
//
// The deadline timer never fires into shared state directly: expiry is
// delivered as one more command on the same channel, so the "deadline
// reached" and "all players submitted" paths race only inside the loop,
// where exactly one of them flips the round to ended.

package main

import (
	"context"
	"strconv"
	"time"
)

type cmdResult struct {
	data any
	err  *gameError
}

type joinGameCmd struct {
	client      *Client
	name        string
	adminSecret string
	reply       chan cmdResult
}

type reconnectCmd struct {
	client    *Client
	sessionID string
	reply     chan cmdResult
}

type placeBetCmd struct {
	playerName string
	bet        bool
	reply      chan cmdResult
}

type submitGuessCmd struct {
	playerName string
	year       int
	bet        bool
	reply      chan cmdResult
}

type startGameCmd struct {
	admin     bool
	overrides SettingsOverride
	reply     chan cmdResult
}

type nextSongCmd struct {
	admin bool
	reply chan cmdResult
}

type stopGameCmd struct {
	admin bool
	reply chan cmdResult
}

type playerLeftCmd struct {
	playerName string
	connID     string
}

type deadlineExpiredCmd struct {
	roundNumber int
}

type command interface{}

// SettingsOverride carries the optional per-game tunables of a start_game
// request; nil fields keep their current value.
type SettingsOverride struct {
	TimerSeconds  *int    `json:"timer_duration,omitempty"`
	YearRangeMin  *int    `json:"year_range_min,omitempty"`
	YearRangeMax  *int    `json:"year_range_max,omitempty"`
	ExactPoints   *int    `json:"exact_points,omitempty"`
	ClosePoints   *int    `json:"close_points,omitempty"`
	NearPoints    *int    `json:"near_points,omitempty"`
	BetMultiplier *int    `json:"bet_multiplier,omitempty"`
	TargetID      *string `json:"target_id,omitempty"`
	PlaylistID    *string `json:"playlist_id,omitempty"`
}

func (o SettingsOverride) apply(s *GameSettings) {
	if o.TimerSeconds != nil {
		s.TimerDuration = time.Duration(*o.TimerSeconds) * time.Second
	}
	if o.YearRangeMin != nil {
		s.YearRangeMin = *o.YearRangeMin
	}
	if o.YearRangeMax != nil {
		s.YearRangeMax = *o.YearRangeMax
	}
	if o.ExactPoints != nil {
		s.ExactPoints = *o.ExactPoints
	}
	if o.ClosePoints != nil {
		s.ClosePoints = *o.ClosePoints
	}
	if o.NearPoints != nil {
		s.NearPoints = *o.NearPoints
	}
	if o.BetMultiplier != nil {
		s.BetMultiplier = *o.BetMultiplier
	}
	if o.TargetID != nil {
		s.TargetID = *o.TargetID
	}
	if o.PlaylistID != nil {
		s.PlaylistID = *o.PlaylistID
	}
}

type JoinReply struct {
	PlayerName string `json:"player_name"`
	SessionID  string `json:"session_id"`
	IsAdmin    bool   `json:"is_admin"`
}

type ReconnectReply struct {
	PlayerName    string        `json:"player_name"`
	StateSnapshot StateSnapshot `json:"state_snapshot"`
}

type StartGameReply struct {
	AdminSecret string `json:"admin_secret"`
	Tracks      int    `json:"tracks"`
	Skipped     int    `json:"skipped"`
}

type NextSongReply struct {
	Round  int    `json:"round"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// Game owns all mutable game state. External callers reach it only
// through the command channel; replies travel back on per-command
// channels so the websocket and admin layers can stay synchronous.
type Game struct {
	cfg     *Config
	hub     *Hub
	adapter PlaybackAdapter
	store   *configStore

	commands chan command

	settings   GameSettings
	status     gameStatus
	players    []*Player
	available  map[string]Song
	played     map[string]bool
	round      *Round
	roundCount int

	adminSecret      string
	playbackSnapshot []byte
	snapshotHeld     bool
}

func newGame(cfg *Config, hub *Hub, adapter PlaybackAdapter, store *configStore) (*Game, error) {
	settings := defaultSettings()
	if err := store.load(&settings); err != nil {
		return nil, err
	}

	return &Game{
		cfg:       cfg,
		hub:       hub,
		adapter:   adapter,
		store:     store,
		commands:  make(chan command, 64),
		settings:  settings,
		status:    statusSetup,
		available: make(map[string]Song),
		played:    make(map[string]bool),
	}, nil
}

// run consumes commands until the context ends. This is the single
// serialization point for every game mutation.
func (g *Game) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.stopTimer()
			return

		case cmd := <-g.commands:
			switch c := cmd.(type) {
			case joinGameCmd:
				c.reply <- g.handleJoin(c)
			case reconnectCmd:
				c.reply <- g.handleReconnect(c)
			case placeBetCmd:
				c.reply <- g.handlePlaceBet(c)
			case submitGuessCmd:
				c.reply <- g.handleSubmitGuess(c)
			case startGameCmd:
				c.reply <- g.handleStartGame(ctx, c)
			case nextSongCmd:
				c.reply <- g.handleNextSong(ctx, c)
			case stopGameCmd:
				c.reply <- g.handleStopGame(ctx, c)
			case playerLeftCmd:
				g.handlePlayerLeft(c)
			case deadlineExpiredCmd:
				g.handleDeadline(c)
			}
		}
	}
}

// submit delivers one command and waits for its reply.
func (g *Game) submit(ctx context.Context, cmd command, reply chan cmdResult) cmdResult {
	select {
	case g.commands <- cmd:
	case <-ctx.Done():
		return cmdResult{err: gameErrorf(errGameEnded, "the game is shutting down")}
	}

	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return cmdResult{err: gameErrorf(errGameEnded, "the game is shutting down")}
	}
}

func (g *Game) joinGame(ctx context.Context, client *Client, name, adminSecret string) (JoinReply, *gameError) {
	reply := make(chan cmdResult, 1)
	res := g.submit(ctx, joinGameCmd{client: client, name: name, adminSecret: adminSecret, reply: reply}, reply)
	if res.err != nil {
		return JoinReply{}, res.err
	}
	return res.data.(JoinReply), nil
}

func (g *Game) reconnect(ctx context.Context, client *Client, sessionID string) (ReconnectReply, *gameError) {
	reply := make(chan cmdResult, 1)
	res := g.submit(ctx, reconnectCmd{client: client, sessionID: sessionID, reply: reply}, reply)
	if res.err != nil {
		return ReconnectReply{}, res.err
	}
	return res.data.(ReconnectReply), nil
}

func (g *Game) placeBet(ctx context.Context, playerName string, bet bool) *gameError {
	reply := make(chan cmdResult, 1)
	return g.submit(ctx, placeBetCmd{playerName: playerName, bet: bet, reply: reply}, reply).err
}

func (g *Game) submitGuess(ctx context.Context, playerName string, year int, bet bool) *gameError {
	reply := make(chan cmdResult, 1)
	return g.submit(ctx, submitGuessCmd{playerName: playerName, year: year, bet: bet, reply: reply}, reply).err
}

func (g *Game) startGame(ctx context.Context, admin bool, overrides SettingsOverride) (StartGameReply, *gameError) {
	reply := make(chan cmdResult, 1)
	res := g.submit(ctx, startGameCmd{admin: admin, overrides: overrides, reply: reply}, reply)
	if res.err != nil {
		return StartGameReply{}, res.err
	}
	return res.data.(StartGameReply), nil
}

func (g *Game) nextSong(ctx context.Context, admin bool) (NextSongReply, *gameError) {
	reply := make(chan cmdResult, 1)
	res := g.submit(ctx, nextSongCmd{admin: admin, reply: reply}, reply)
	if res.err != nil {
		return NextSongReply{}, res.err
	}
	return res.data.(NextSongReply), nil
}

func (g *Game) stopGame(ctx context.Context, admin bool) *gameError {
	reply := make(chan cmdResult, 1)
	return g.submit(ctx, stopGameCmd{admin: admin, reply: reply}, reply).err
}

func (g *Game) playerLeft(ctx context.Context, playerName, connID string) {
	if playerName == "" {
		return
	}

	select {
	case g.commands <- playerLeftCmd{playerName: playerName, connID: connID}:
	case <-ctx.Done():
	}
}

func (g *Game) handleJoin(c joinGameCmd) cmdResult {
	if g.status == statusEnded {
		return cmdResult{err: gameErrorf(errGameEnded, "the game has ended")}
	}
	if !validName(c.name) {
		return cmdResult{err: gameErrorf(errInvalidName, "names are 1-20 letters, digits, and spaces")}
	}

	resolved := resolveName(c.name, g.players)

	isAdmin := c.adminSecret != "" && g.adminSecret != "" && c.adminSecret == g.adminSecret

	player := &Player{
		Name:      resolved,
		SessionID: newSessionID(),
		IsAdmin:   isAdmin,
		Connected: true,
	}
	if c.client != nil {
		player.ConnID = c.client.id
		player.CookieID = c.client.cookieID
	}
	g.players = append(g.players, player)

	logf(g.cfg, "GAMES: Player %q joined (%d total)", resolved, len(g.players))

	g.hub.broadcast(eventPlayerJoined, PlayerJoinedData{
		PlayerName:   resolved,
		TotalPlayers: len(g.players),
	})

	return cmdResult{data: JoinReply{
		PlayerName: resolved,
		SessionID:  player.SessionID,
		IsAdmin:    isAdmin,
	}}
}

func (g *Game) handleReconnect(c reconnectCmd) cmdResult {
	var player *Player
	if c.sessionID != "" {
		for _, p := range g.players {
			if p.SessionID == c.sessionID {
				player = p
				break
			}
		}
	}

	// Cookie fallback: the browser kept its identity cookie but lost the
	// session id. The most recent join wins if a shared device produced
	// several players.
	if player == nil && c.client != nil && c.client.cookieID != "" {
		for _, p := range g.players {
			if p.CookieID == c.client.cookieID {
				player = p
			}
		}
	}

	if player == nil {
		return cmdResult{err: gameErrorf(errSessionUnknown, "no player with that session")}
	}

	player.Connected = true
	if c.client != nil {
		player.ConnID = c.client.id
	}

	snapshot := g.snapshotFor(player)
	data := PlayerReconnectedData{
		PlayerName:    player.Name,
		StateSnapshot: snapshot,
	}

	// Reconnection is private: only the returning client gets the event.
	if c.client != nil {
		g.hub.sendTo(c.client, newEvent(eventPlayerReconnected, data))
	}

	logf(g.cfg, "GAMES: Player %q reconnected", player.Name)

	return cmdResult{data: ReconnectReply{
		PlayerName:    player.Name,
		StateSnapshot: snapshot,
	}}
}

func (g *Game) handlePlaceBet(c placeBetCmd) cmdResult {
	round := g.round
	if round == nil || round.Status != roundActive {
		return cmdResult{err: gameErrorf(errNoActiveRound, "no round is in progress")}
	}
	if !round.eligible[c.playerName] {
		return cmdResult{err: gameErrorf(errLateSubmission, "you joined after this round started; wait for the next one")}
	}
	if _, ok := round.Guesses[c.playerName]; ok {
		return cmdResult{err: gameErrorf(errAlreadySub, "your guess for this round is already in")}
	}

	round.pendingBets[c.playerName] = c.bet

	if c.bet {
		g.hub.broadcast(eventBetPlaced, BetPlacedData{PlayerName: c.playerName})
	}

	return cmdResult{}
}

func (g *Game) handleSubmitGuess(c submitGuessCmd) cmdResult {
	round := g.round
	if round == nil || round.Status != roundActive {
		// A guess from someone who was in the round that just closed is
		// late, not lost.
		if round != nil && round.eligible[c.playerName] {
			return cmdResult{err: gameErrorf(errLateSubmission, "the guessing window has closed")}
		}
		return cmdResult{err: gameErrorf(errNoActiveRound, "no round is in progress")}
	}

	if !round.eligible[c.playerName] {
		return cmdResult{err: gameErrorf(errLateSubmission, "you joined after this round started; wait for the next one")}
	}

	now := time.Now()
	if now.After(round.Deadline) {
		return cmdResult{err: gameErrorf(errLateSubmission, "the guessing window has closed")}
	}
	if _, ok := round.Guesses[c.playerName]; ok {
		return cmdResult{err: gameErrorf(errDuplicateGuess, "you already guessed this round")}
	}
	if c.year < g.settings.YearRangeMin || c.year > g.settings.YearRangeMax {
		return cmdResult{err: gameErrorf(errYearOutOfRange, "year is outside the configured range")}
	}

	round.Guesses[c.playerName] = Guess{
		PlayerName:  c.playerName,
		Year:        c.year,
		BetPlaced:   c.bet,
		SubmittedAt: now,
	}

	g.hub.broadcast(eventGuessSubmitted, GuessSubmittedData{PlayerName: c.playerName})

	if round.allSubmitted(g.players) {
		g.endRound("all players submitted")
	}

	return cmdResult{}
}

func (g *Game) handleStartGame(ctx context.Context, c startGameCmd) cmdResult {
	if !c.admin {
		return cmdResult{err: gameErrorf(errNotAdmin, "only the admin can start a game")}
	}

	settings := g.settings
	c.overrides.apply(&settings)
	if err := settings.validate(); err != nil {
		return cmdResult{err: gameErrorf(errSettingsInvalid, err.Error())}
	}

	songs, skipped, err := loadPlaylist(ctx, g.adapter, settings.PlaylistID)
	if err != nil {
		return cmdResult{err: gameErrorf(errPlaylistEmpty, "could not load playlist: "+err.Error())}
	}
	if len(songs) == 0 {
		return cmdResult{err: gameErrorf(errPlaylistEmpty, "the playlist has no tracks with a release year")}
	}

	// Remember what the speakers were doing so stop_game can put it back.
	if snapshot, err := g.adapter.SnapshotState(ctx, settings.TargetID); err == nil {
		g.playbackSnapshot = snapshot
		g.snapshotHeld = true
	} else {
		logf(g.cfg, "GAMES: Playback snapshot unavailable: %v", err)
		g.snapshotHeld = false
	}

	g.stopTimer()

	g.settings = settings
	g.players = nil
	g.round = nil
	g.roundCount = 0
	g.available = make(map[string]Song, len(songs))
	for _, song := range songs {
		g.available[song.ID] = song
	}
	g.played = make(map[string]bool)
	g.adminSecret = newSessionID()
	g.status = statusLobby

	if err := g.store.save(settings); err != nil {
		logf(g.cfg, "GAMES: Could not save game settings: %v", err)
	}

	logf(g.cfg, "GAMES: Game started with %d tracks (%d skipped, no year)", len(songs), skipped)

	g.hub.broadcast(eventGameReset, struct{}{})

	return cmdResult{data: StartGameReply{
		AdminSecret: g.adminSecret,
		Tracks:      len(songs),
		Skipped:     skipped,
	}}
}

// playRetries bounds how many different songs next_song will attempt when
// the playback side keeps failing.
const playRetries = 3

func (g *Game) handleNextSong(ctx context.Context, c nextSongCmd) cmdResult {
	if !c.admin {
		return cmdResult{err: gameErrorf(errNotAdmin, "only the admin can advance the game")}
	}
	if g.status != statusLobby && g.status != statusActive {
		return cmdResult{err: gameErrorf(errGameEnded, "start a game first")}
	}
	if g.round != nil && g.round.Status == roundActive {
		return cmdResult{err: gameErrorf(errRoundActive, "the current round has not ended yet")}
	}

	var lastErr error
	for attempt := 0; attempt < playRetries; attempt++ {
		song, ok := pickSong(g.available, g.played)
		if !ok {
			if lastErr != nil {
				return cmdResult{err: gameErrorf(errPlaybackFailed, "no playable songs left: "+lastErr.Error())}
			}
			return cmdResult{err: gameErrorf(errPoolExhausted, "every song in the playlist has been played")}
		}

		if err := g.adapter.Play(ctx, g.settings.TargetID, song.ID); err != nil {
			lastErr = err
			logf(g.cfg, "GAMES: Playback failed for %q, trying another song: %v", song.Title, err)
			continue
		}

		g.startRound(ctx, song)

		return cmdResult{data: NextSongReply{
			Round:  g.round.Number,
			Title:  song.Title,
			Artist: song.Artist,
		}}
	}

	return cmdResult{err: gameErrorf(errPlaybackFailed, "playback failed "+strconv.Itoa(playRetries)+" times: "+lastErr.Error())}
}

func (g *Game) startRound(ctx context.Context, song Song) {
	// Post-play enrichment: the playlist record sometimes lacks cover art.
	if song.CoverReference == "" {
		if meta, err := g.adapter.CurrentMetadata(ctx, g.settings.TargetID); err == nil {
			song.CoverReference = meta.CoverReference
		}
	}

	g.roundCount++
	round := newRound(g.roundCount, song, g.settings.TimerDuration)
	for _, p := range g.players {
		if p.Connected {
			round.eligible[p.Name] = true
		}
	}

	number := round.Number
	round.timer = time.AfterFunc(g.settings.TimerDuration, func() {
		select {
		case g.commands <- deadlineExpiredCmd{roundNumber: number}:
		case <-ctx.Done():
		}
	})

	g.round = round
	g.status = statusActive

	logf(g.cfg, "GAMES: Round %d started: %q by %q (%d)", round.Number, song.Title, song.Artist, song.Year)

	g.hub.broadcast(eventRoundStarted, RoundStartedData{
		RoundNumber: round.Number,
		Song: SongInfo{
			Title:          song.Title,
			Artist:         song.Artist,
			CoverReference: song.CoverReference,
		},
		TimerDuration: g.settings.TimerDuration.Seconds(),
		StartedAt:     round.StartedAt,
	})
}

func (g *Game) handleStopGame(ctx context.Context, c stopGameCmd) cmdResult {
	if !c.admin {
		return cmdResult{err: gameErrorf(errNotAdmin, "only the admin can stop the game")}
	}

	g.stopTimer()
	if g.round != nil {
		g.round.Status = roundEnded
	}
	g.status = statusEnded

	if g.snapshotHeld {
		if err := g.adapter.RestoreState(ctx, g.settings.TargetID, g.playbackSnapshot); err != nil {
			logf(g.cfg, "GAMES: Could not restore playback state: %v", err)
		}
		g.snapshotHeld = false
	}

	logf(g.cfg, "GAMES: Game stopped after %d rounds", g.roundCount)

	g.hub.broadcast(eventGameReset, struct{}{})

	return cmdResult{}
}

func (g *Game) handlePlayerLeft(c playerLeftCmd) {
	for _, p := range g.players {
		if p.Name == c.playerName {
			// A reconnect may already have handed the player to a newer
			// socket; the old socket's departure is then stale.
			if p.ConnID != c.connID {
				return
			}
			p.Connected = false
			break
		}
	}

	// A departure can complete the all-submitted condition for everyone
	// still here.
	if g.round != nil && g.round.Status == roundActive && g.round.allSubmitted(g.players) {
		g.endRound("all remaining players submitted")
	}
}

func (g *Game) handleDeadline(c deadlineExpiredCmd) {
	round := g.round
	if round == nil || round.Number != c.roundNumber || round.Status != roundActive {
		// The round already ended some other way; expiry is a no-op.
		return
	}

	g.endRound("deadline reached")
}

// endRound performs the single active → ended transition: scoring, point
// totals, and the round_ended broadcast all happen here and nowhere else.
func (g *Game) endRound(reason string) {
	round := g.round
	if round == nil || round.Status != roundActive {
		return
	}

	round.Status = roundEnded
	g.stopTimer()
	g.status = statusLobby

	results := roundResults(g.settings, round, g.players)

	logf(g.cfg, "GAMES: Round %d ended (%s): %d guesses for %q (%d)",
		round.Number, reason, len(results), round.Song.Title, round.Song.Year)

	g.hub.broadcast(eventRoundEnded, RoundEndedData{
		CorrectYear: round.Song.Year,
		Results:     results,
		Leaderboard: leaderboard(g.players),
	})
}

func (g *Game) stopTimer() {
	if g.round != nil && g.round.timer != nil {
		g.round.timer.Stop()
		g.round.timer = nil
	}
}

func (g *Game) snapshotFor(player *Player) StateSnapshot {
	snapshot := StateSnapshot{
		GameStatus:  string(g.status),
		PlayerName:  player.Name,
		TotalPoints: player.TotalPoints,
		IsAdmin:     player.IsAdmin,
		Leaderboard: leaderboard(g.players),
	}

	if g.round != nil && g.round.Status == roundActive {
		snapshot.Round = &RoundStartedData{
			RoundNumber: g.round.Number,
			Song: SongInfo{
				Title:          g.round.Song.Title,
				Artist:         g.round.Song.Artist,
				CoverReference: g.round.Song.CoverReference,
			},
			TimerDuration: g.settings.TimerDuration.Seconds(),
			StartedAt:     g.round.StartedAt,
		}
		_, snapshot.HasGuessed = g.round.Guesses[player.Name]
		snapshot.PendingBet = g.round.pendingBets[player.Name]
	}

	return snapshot
}
