package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"Sarah", true},
		{"Sarah 2", true},
		{"DJ 2000", true},
		{"a", true},
		{"", false},
		{" Sarah", false},
		{"Sarah ", false},
		{"Sarah!", false},
		{"Sárah", false},
		{"this name is way too long!!", false},
		{"exactly twenty chars", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.valid, validName(tc.name), "name %q", tc.name)
	}
}

func TestCmdLimiterJoin(t *testing.T) {
	var l cmdLimiter
	now := time.Now()

	assert.True(t, l.allow(cmdJoinGame, now))
	assert.False(t, l.allow(cmdJoinGame, now.Add(time.Second)))
	assert.True(t, l.allow(cmdJoinGame, now.Add(6*time.Second)))
}

func TestCmdLimiterBet(t *testing.T) {
	var l cmdLimiter
	now := time.Now()

	assert.True(t, l.allow(cmdPlaceBet, now))
	assert.False(t, l.allow(cmdPlaceBet, now.Add(500*time.Millisecond)))
	assert.True(t, l.allow(cmdPlaceBet, now.Add(1100*time.Millisecond)))
}

func TestCmdLimiterBurst(t *testing.T) {
	var l cmdLimiter
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, l.allow(cmdStopGame, now), "request %d", i)
	}
	assert.False(t, l.allow(cmdStopGame, now))

	// A new window resets the budget.
	assert.True(t, l.allow(cmdStopGame, now.Add(time.Second)))
}

func TestCmdLimiterGuessUnlimited(t *testing.T) {
	var l cmdLimiter
	now := time.Now()

	// Once-per-round is game state, enforced by the coordinator.
	for i := 0; i < 10; i++ {
		assert.True(t, l.allow(cmdSubmitGuess, now))
	}
}

func TestEnvelopes(t *testing.T) {
	e := newEvent(eventGameReset, struct{}{})
	assert.Equal(t, eventEnvelopeType, e.Type)
	assert.Equal(t, eventGameReset, e.EventType)
	assert.False(t, e.Timestamp.IsZero())

	r := newReply(cmdJoinGame, JoinReply{PlayerName: "Sarah"})
	assert.Equal(t, replyEnvelopeType, r.Type)
	assert.True(t, r.Ok)
	assert.Equal(t, cmdJoinGame, r.Command)
}
