package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	playerCookieName = "beatsy_id"
	maxMessageSize   = 4096
)

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// cmdLimiter applies the per-connection rate limits. It is only ever
// touched by the connection's own read loop, so it needs no locking.
type cmdLimiter struct {
	lastJoin time.Time
	lastBet  time.Time
	window   time.Time
	count    int
}

func (l *cmdLimiter) allow(cmdType string, now time.Time) bool {
	switch cmdType {
	case cmdJoinGame:
		if now.Sub(l.lastJoin) < 5*time.Second {
			return false
		}
		l.lastJoin = now
		return true

	case cmdPlaceBet:
		if now.Sub(l.lastBet) < time.Second {
			return false
		}
		l.lastBet = now
		return true

	case cmdSubmitGuess:
		// Once per round, but that is game state; the coordinator
		// rejects duplicates.
		return true

	default:
		if now.Sub(l.window) >= time.Second {
			l.window = now
			l.count = 0
		}
		l.count++
		return l.count <= 5
	}
}

// serveWS upgrades player connections and runs their read loop. No
// authentication: anyone on the network can join the party.
func serveWS(cfg *Config, game *Game, hub *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		cookieID := getOrSetPlayerID(w, r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := newClient(conn)
		client.cookieID = cookieID
		hub.register(client)

		go client.writePump()
		client.readPump(r.Context(), game, hub)
	}
}

func (c *Client) readPump(ctx context.Context, game *Game, hub *Hub) {
	defer func() {
		hub.unregister(c.id)
		game.playerLeft(ctx, c.playerName, c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongGrace))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongGrace))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(hub, errInvalidPayload, "messages must be JSON objects with type and data")
			continue
		}

		c.handleMessage(ctx, game, hub, msg)
	}
}

// handleMessage validates one inbound command and dispatches it to the
// coordinator. Failures answer the sender and leave the socket open.
func (c *Client) handleMessage(ctx context.Context, game *Game, hub *Hub, msg ClientMessage) {
	if !c.limiter.allow(msg.Type, time.Now()) {
		c.sendError(hub, errRateLimited, "slow down")
		return
	}

	switch msg.Type {
	case cmdJoinGame:
		var data JoinGameData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(hub, errInvalidPayload, "join_game needs a name")
			return
		}
		if !validName(data.Name) {
			c.sendError(hub, errInvalidName, "names are 1-20 letters, digits, and spaces")
			return
		}

		reply, gerr := game.joinGame(ctx, c, data.Name, data.AdminSecret)
		if gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}

		c.playerName = reply.PlayerName
		c.isAdmin = reply.IsAdmin
		hub.sendTo(c, newReply(cmdJoinGame, reply))

	case cmdReconnect:
		// An absent session_id is allowed; the identity cookie can still
		// find the player.
		var data ReconnectData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				c.sendError(hub, errInvalidPayload, "reconnect takes an optional session_id")
				return
			}
		}

		reply, gerr := game.reconnect(ctx, c, data.SessionID)
		if gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}

		c.playerName = reply.PlayerName
		c.isAdmin = reply.StateSnapshot.IsAdmin
		hub.sendTo(c, newReply(cmdReconnect, reply))

	case cmdPlaceBet:
		if c.playerName == "" {
			c.sendError(hub, errSessionUnknown, "join the game first")
			return
		}
		var data PlaceBetData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(hub, errInvalidPayload, "place_bet needs a bet flag")
			return
		}

		if gerr := game.placeBet(ctx, c.playerName, data.Bet); gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}
		hub.sendTo(c, newReply(cmdPlaceBet, nil))

	case cmdSubmitGuess:
		if c.playerName == "" {
			c.sendError(hub, errSessionUnknown, "join the game first")
			return
		}
		var data SubmitGuessData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Year == 0 {
			c.sendError(hub, errInvalidPayload, "submit_guess needs a year")
			return
		}

		if gerr := game.submitGuess(ctx, c.playerName, data.Year, data.Bet); gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}
		hub.sendTo(c, newReply(cmdSubmitGuess, nil))

	case cmdStartGame:
		var overrides SettingsOverride
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &overrides); err != nil {
				c.sendError(hub, errInvalidPayload, "start_game overrides must be an object")
				return
			}
		}

		reply, gerr := game.startGame(ctx, c.isAdmin, overrides)
		if gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}
		hub.sendTo(c, newReply(cmdStartGame, reply))

	case cmdNextSong:
		reply, gerr := game.nextSong(ctx, c.isAdmin)
		if gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}
		hub.sendTo(c, newReply(cmdNextSong, reply))

	case cmdStopGame:
		if gerr := game.stopGame(ctx, c.isAdmin); gerr != nil {
			c.sendError(hub, gerr.code, gerr.message)
			return
		}
		hub.sendTo(c, newReply(cmdStopGame, nil))

	default:
		c.sendError(hub, errUnknownCommand, "unknown command type: "+msg.Type)
	}
}

func (c *Client) sendError(hub *Hub, code, message string) {
	hub.sendTo(c, newEvent(eventError, ErrorData{
		Code:    code,
		Message: message,
	}))
}
