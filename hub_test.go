package main

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastPerClientFIFO(t *testing.T) {
	hub := newHub(&Config{})

	first := newClient(nil)
	second := newClient(nil)
	hub.register(first)
	hub.register(second)

	for i := 0; i < 10; i++ {
		hub.broadcast(eventGuessSubmitted, GuessSubmittedData{PlayerName: fmt.Sprintf("player-%d", i)})
	}

	for _, c := range []*Client{first, second} {
		for i := 0; i < 10; i++ {
			var e Event
			require.NoError(t, json.Unmarshal(<-c.send, &e))
			assert.Equal(t, eventEnvelopeType, e.Type)
			assert.Equal(t, fmt.Sprintf("player-%d", i), decodeEventData[GuessSubmittedData](t, e).PlayerName)
		}
	}
}

func TestOverflowEvictsOnlySlowClient(t *testing.T) {
	hub := newHub(&Config{})

	slow := newClient(nil)
	fast := newClient(nil)
	hub.register(slow)
	hub.register(fast)

	// Fill every queue to the brim, draining only the fast client.
	for i := 0; i < sendQueueSize; i++ {
		hub.broadcast(eventBetPlaced, BetPlacedData{PlayerName: "x"})
		<-fast.send
	}
	require.Equal(t, 2, hub.count())

	// One more frame overflows the slow client's queue and drops it.
	hub.broadcast(eventBetPlaced, BetPlacedData{PlayerName: "final"})

	assert.Equal(t, 1, hub.count())

	var e Event
	require.NoError(t, json.Unmarshal(<-fast.send, &e))
	assert.Equal(t, "final", decodeEventData[BetPlacedData](t, e).PlayerName)

	// The evicted client's queue is closed once drained.
	for i := 0; i < sendQueueSize; i++ {
		<-slow.send
	}
	_, open := <-slow.send
	assert.False(t, open)

	// Later broadcasts still reach the survivor.
	hub.broadcast(eventBetPlaced, BetPlacedData{PlayerName: "after"})
	require.NoError(t, json.Unmarshal(<-fast.send, &e))
	assert.Equal(t, "after", decodeEventData[BetPlacedData](t, e).PlayerName)
}

func TestUnregisterClosesClient(t *testing.T) {
	hub := newHub(&Config{})

	c := newClient(nil)
	hub.register(c)
	require.Equal(t, 1, hub.count())

	hub.unregister(c.id)

	assert.Equal(t, 0, hub.count())
	assert.False(t, c.enqueue([]byte("late")))

	_, open := <-c.send
	assert.False(t, open)

	// Unregistering twice is harmless.
	hub.unregister(c.id)
}

func TestSendToEvictsFullClient(t *testing.T) {
	hub := newHub(&Config{})

	c := newClient(nil)
	hub.register(c)

	for i := 0; i < sendQueueSize; i++ {
		require.True(t, c.enqueue([]byte("fill")))
	}

	hub.sendTo(c, newReply(cmdPlaceBet, nil))

	assert.Equal(t, 0, hub.count())
}

func TestCloseAll(t *testing.T) {
	hub := newHub(&Config{})

	for i := 0; i < 3; i++ {
		hub.register(newClient(nil))
	}
	require.Equal(t, 3, hub.count())

	hub.closeAll()

	assert.Equal(t, 0, hub.count())
}

func TestRandomID(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		id := randomID(8)
		require.Len(t, id, 8)

		for _, r := range id {
			valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			require.True(t, valid, "unexpected character %q", r)
		}

		assert.False(t, seen[id], "id %s repeated", id)
		seen[id] = true
	}
}
