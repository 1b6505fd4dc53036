package main

import (
	"context"
	"encoding/json"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsHarness struct {
	srv  *httptest.Server
	game *Game
	hub  *Hub
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()

	cfg := &Config{}
	hub := newHub(cfg)

	game, err := newGame(cfg, hub, newFakeAdapter(partyTracks()...), newConfigStore(""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go game.run(ctx)

	mux := httprouter.New()
	mux.GET("/ws", serveWS(cfg, game, hub))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		hub.closeAll()
		cancel()
	})

	return &wsHarness{srv: srv, game: game, hub: hub}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// waitForClients blocks until the hub has registered n connections, so
// tests don't race the handshake against the first broadcast.
func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("hub never reached %d clients", n)
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmdType string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: cmdType, Data: raw}))
}

// readFrame decodes the next frame into a generic map within a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil discards frames until one matches the envelope type and name.
func readUntil(t *testing.T, conn *websocket.Conn, envelope, name string) map[string]any {
	t.Helper()

	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		switch envelope {
		case replyEnvelopeType:
			if frame["type"] == envelope && frame["command"] == name {
				return frame
			}
		default:
			if frame["type"] == envelope && frame["event_type"] == name {
				return frame
			}
		}
	}

	t.Fatalf("never received %s %s", envelope, name)
	return nil
}

func TestWebSocketJoinFlow(t *testing.T) {
	h := newWSHarness(t)

	_, gerr := h.game.startGame(context.Background(), true, guessSettings())
	require.Nil(t, gerr)

	first := h.dial(t)
	second := h.dial(t)
	waitForClients(t, h.hub, 2)

	sendCommand(t, first, cmdJoinGame, JoinGameData{Name: "Sarah"})
	reply := readUntil(t, first, replyEnvelopeType, cmdJoinGame)

	data := reply["data"].(map[string]any)
	assert.Equal(t, "Sarah", data["player_name"])
	assert.NotEmpty(t, data["session_id"])

	// The other client sees the broadcast.
	event := readUntil(t, second, eventEnvelopeType, eventPlayerJoined)
	payload := event["data"].(map[string]any)
	assert.Equal(t, "Sarah", payload["player_name"])
	assert.Equal(t, float64(1), payload["total_players"])

	// A duplicate name resolves to a suffixed one in the joiner's reply.
	sendCommand(t, second, cmdJoinGame, JoinGameData{Name: "Sarah"})
	reply = readUntil(t, second, replyEnvelopeType, cmdJoinGame)
	assert.Equal(t, "Sarah (2)", reply["data"].(map[string]any)["player_name"])
}

func TestWebSocketUnknownCommand(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial(t)

	sendCommand(t, conn, "dance", nil)
	frame := readUntil(t, conn, eventEnvelopeType, eventError)

	data := frame["data"].(map[string]any)
	assert.Equal(t, errUnknownCommand, data["code"])

	// The socket stays open for valid traffic afterwards.
	sendCommand(t, conn, cmdJoinGame, JoinGameData{Name: "Still Here"})
	readUntil(t, conn, replyEnvelopeType, cmdJoinGame)
}

func TestWebSocketMalformedJSON(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readUntil(t, conn, eventEnvelopeType, eventError)

	data := frame["data"].(map[string]any)
	assert.Equal(t, errInvalidPayload, data["code"])
}

func TestWebSocketJoinRateLimited(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial(t)

	sendCommand(t, conn, cmdJoinGame, JoinGameData{Name: "First"})
	readUntil(t, conn, replyEnvelopeType, cmdJoinGame)

	sendCommand(t, conn, cmdJoinGame, JoinGameData{Name: "Second"})
	frame := readUntil(t, conn, eventEnvelopeType, eventError)

	data := frame["data"].(map[string]any)
	assert.Equal(t, errRateLimited, data["code"])
}

func TestWebSocketGuessRequiresJoin(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial(t)

	sendCommand(t, conn, cmdSubmitGuess, SubmitGuessData{Year: 1986})
	frame := readUntil(t, conn, eventEnvelopeType, eventError)

	data := frame["data"].(map[string]any)
	assert.Equal(t, errSessionUnknown, data["code"])
}

func TestWebSocketAdminCommandsRejectedForPlayers(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial(t)

	sendCommand(t, conn, cmdNextSong, nil)
	frame := readUntil(t, conn, eventEnvelopeType, eventError)

	data := frame["data"].(map[string]any)
	assert.Equal(t, errNotAdmin, data["code"])
}

func TestWebSocketCookieReconnect(t *testing.T) {
	h := newWSHarness(t)

	_, gerr := h.game.startGame(context.Background(), true, guessSettings())
	require.Nil(t, gerr)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	dialer := websocket.Dialer{Jar: jar}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)

	sendCommand(t, conn, cmdJoinGame, JoinGameData{Name: "Sarah"})
	readUntil(t, conn, replyEnvelopeType, cmdJoinGame)
	require.NoError(t, conn.Close())

	// Same jar, new socket, no session id: the identity cookie is enough.
	second, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	sendCommand(t, second, cmdReconnect, ReconnectData{})
	reply := readUntil(t, second, replyEnvelopeType, cmdReconnect)
	assert.Equal(t, "Sarah", reply["data"].(map[string]any)["player_name"])
}

func TestWebSocketAdminSecretFlow(t *testing.T) {
	h := newWSHarness(t)

	reply, gerr := h.game.startGame(context.Background(), true, guessSettings())
	require.Nil(t, gerr)

	conn := h.dial(t)

	sendCommand(t, conn, cmdJoinGame, JoinGameData{Name: "Host", AdminSecret: reply.AdminSecret})
	joined := readUntil(t, conn, replyEnvelopeType, cmdJoinGame)
	assert.Equal(t, true, joined["data"].(map[string]any)["is_admin"])

	sendCommand(t, conn, cmdNextSong, nil)
	started := readUntil(t, conn, eventEnvelopeType, eventRoundStarted)

	payload := started["data"].(map[string]any)
	assert.NotEmpty(t, payload["song"].(map[string]any)["title"])
	_, hasYear := payload["song"].(map[string]any)["year"]
	assert.False(t, hasYear, "round_started must not disclose the year")
}
