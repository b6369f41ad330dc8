package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func sendPair(s *Session, user, bot string, tokens int) (string, string) {
	u := NewUserMessage(user, testNow)
	RecordUsage(s, u, testNow)
	b := NewBotMessage(bot, KindChat, TokenUsage{Total: tokens, Prompt: tokens / 2, Completion: tokens - tokens/2}, testNow)
	RecordUsage(s, b, testNow)
	return u.ID, b.ID
}

func TestCheckLimitsRefusesAtPromptLimit(t *testing.T) {
	s := &Session{Security: Security{TotalPromptsUsed: 5}}
	prefs := Resolved{NumPrompts: 5, TokenPredictionLimit: 1000}

	d := CheckLimits(s.Security, prefs)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPromptLimit, d.Reason)

	notice := NewBotMessage("limit reached", KindLimitNotice, TokenUsage{}, testNow)
	RecordUsage(s, notice, testNow)
	assert.Equal(t, 5, s.Security.TotalPromptsUsed)
	assert.Equal(t, 0, s.Security.TotalTokensUsed)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, KindLimitNotice, s.Messages[0].Kind)
	assert.Nil(t, s.Messages[0].TokenUsage)
}

func TestCheckLimitsRefusesAtTokenLimit(t *testing.T) {
	d := CheckLimits(Security{TotalPromptsUsed: 1, TotalTokensUsed: 1200}, Resolved{NumPrompts: 10, TokenPredictionLimit: 1200})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonTokenLimit, d.Reason)
}

func TestCheckLimitsAllowsBelowLimits(t *testing.T) {
	d := CheckLimits(Security{TotalPromptsUsed: 4, TotalTokensUsed: 10}, Resolved{NumPrompts: 5, TokenPredictionLimit: 1000})
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestDeletingPairsKeepsCounters(t *testing.T) {
	s := &Session{}
	var userIDs []string
	for i := 0; i < 3; i++ {
		u, _ := sendPair(s, "question", "answer", 100)
		userIDs = append(userIDs, u)
	}
	require.Equal(t, 3, s.Security.TotalPromptsUsed)
	require.Equal(t, 300, s.Security.TotalTokensUsed)

	for _, id := range userIDs[:2] {
		removed, err := DeleteMessage(s, id)
		require.NoError(t, err)
		assert.Len(t, removed, 2)
	}
	assert.Len(t, s.Messages, 2)
	assert.Equal(t, 3, s.Security.TotalPromptsUsed)
	assert.Equal(t, 300, s.Security.TotalTokensUsed)
}

func TestDeleteBotMessageRemovesPrecedingUser(t *testing.T) {
	s := &Session{}
	u, b := sendPair(s, "q1", "a1", 10)
	sendPair(s, "q2", "a2", 10)

	removed, err := DeleteMessage(s, b)
	require.NoError(t, err)
	assert.Equal(t, []string{u, b}, removed)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "q2", s.Messages[0].Content)
}

func TestDeleteIsolatedMessageRemovesOne(t *testing.T) {
	s := &Session{}
	sendPair(s, "q1", "a1", 10)
	lone := NewUserMessage("unanswered", testNow)
	RecordUsage(s, lone, testNow)

	removed, err := DeleteMessage(s, lone.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{lone.ID}, removed)
	assert.Len(t, s.Messages, 2)
	assert.Equal(t, 2, s.Security.TotalPromptsUsed)
}

func TestDeleteBotWithoutPrecedingUserRemovesOne(t *testing.T) {
	s := &Session{}
	notice := NewBotMessage("limit reached", KindLimitNotice, TokenUsage{}, testNow)
	RecordUsage(s, notice, testNow)
	sendPair(s, "q", "a", 5)

	removed, err := DeleteMessage(s, notice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{notice.ID}, removed)
	assert.Len(t, s.Messages, 2)
}

func TestDeleteUnknownMessage(t *testing.T) {
	s := &Session{}
	_, err := DeleteMessage(s, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestCountersMonotonicAcrossSendsAndDeletes(t *testing.T) {
	s := &Session{}
	recordedPrompts, recordedTokens := 0, 0
	prevPrompts, prevTokens := 0, 0
	for i := 0; i < 20; i++ {
		u, b := sendPair(s, "q", "a", i+1)
		recordedPrompts++
		recordedTokens += i + 1
		switch i % 3 {
		case 0:
			_, err := DeleteMessage(s, u)
			require.NoError(t, err)
		case 1:
			_, err := DeleteMessage(s, b)
			require.NoError(t, err)
		}
		require.GreaterOrEqual(t, s.Security.TotalPromptsUsed, prevPrompts)
		require.GreaterOrEqual(t, s.Security.TotalTokensUsed, prevTokens)
		prevPrompts, prevTokens = s.Security.TotalPromptsUsed, s.Security.TotalTokensUsed
	}
	assert.Equal(t, recordedPrompts, s.Security.TotalPromptsUsed)
	assert.Equal(t, recordedTokens, s.Security.TotalTokensUsed)
}

func TestUsageDeltaSkipsLocalKinds(t *testing.T) {
	msgs := []Message{
		NewUserMessage("q", testNow),
		NewBotMessage("a", KindChat, TokenUsage{Total: 42}, testNow),
		NewBotMessage("fallback", KindFallback, TokenUsage{Total: 99}, testNow),
	}
	prompts, tokens := UsageDelta(msgs...)
	assert.Equal(t, 1, prompts)
	assert.Equal(t, 42, tokens)
}
