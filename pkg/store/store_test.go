package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkarlslund/tutorrouter/pkg/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pair(now time.Time, q, a string, tokens int) []chat.Message {
	return []chat.Message{
		chat.NewUserMessage(q, now),
		chat.NewBotMessage(a, chat.KindChat, chat.TokenUsage{Total: tokens, Prompt: tokens - 1, Completion: 1}, now),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "student-1", "lecture-9", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "New chat", sess.Title)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "student-1", got.UserID)
	assert.Equal(t, "lecture-9", got.LectureID)
	assert.Empty(t, got.Messages)
	assert.Zero(t, got.Security.TotalPromptsUsed)
}

func TestGetMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.AppendMessages(context.Background(), "nope", chat.NewUserMessage("q", time.Now()))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendMessagesIncrementsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sess, err := s.CreateSession(ctx, "u", "", "Algebra")
	require.NoError(t, err)

	sec, err := s.AppendMessages(ctx, sess.ID, pair(now, "q1", "a1", 120)...)
	require.NoError(t, err)
	assert.Equal(t, 1, sec.TotalPromptsUsed)
	assert.Equal(t, 120, sec.TotalTokensUsed)

	notice := chat.NewBotMessage("limit", chat.KindLimitNotice, chat.TokenUsage{}, now)
	sec, err = s.AppendMessages(ctx, sess.ID, notice)
	require.NoError(t, err)
	assert.Equal(t, 1, sec.TotalPromptsUsed)
	assert.Equal(t, 120, sec.TotalTokensUsed)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "q1", got.Messages[0].Content)
	assert.False(t, got.Messages[0].IsBot)
	assert.Nil(t, got.Messages[0].TokenUsage)
	assert.Equal(t, chat.TokenUsage{Total: 120, Prompt: 119, Completion: 1}, *got.Messages[1].TokenUsage)
	assert.Equal(t, chat.KindLimitNotice, got.Messages[2].Kind)
	assert.True(t, got.Messages[0].Timestamp.Equal(now))
}

func TestDeleteMessagesLeavesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	sess, err := s.CreateSession(ctx, "u", "", "")
	require.NoError(t, err)
	var users []string
	for i := 0; i < 3; i++ {
		msgs := pair(now, "q", "a", 10)
		users = append(users, msgs[0].ID)
		_, err := s.AppendMessages(ctx, sess.ID, msgs...)
		require.NoError(t, err)
	}

	for _, id := range users[:2] {
		loaded, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		ids, err := chat.PairIDs(loaded.Messages, id)
		require.NoError(t, err)
		n, err := s.DeleteMessages(ctx, sess.ID, ids)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, 3, got.Security.TotalPromptsUsed)
	assert.Equal(t, 30, got.Security.TotalTokensUsed)
}

func TestAppendRejectsDuplicateIDsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "u", "", "")
	require.NoError(t, err)
	m := chat.NewUserMessage("q", time.Now())
	_, err = s.AppendMessages(ctx, sess.ID, m)
	require.NoError(t, err)

	_, err = s.AppendMessages(ctx, sess.ID, chat.NewUserMessage("other", time.Now()), m)
	require.True(t, errors.Is(err, ErrMessageConflict), "got %v", err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
	assert.Equal(t, 1, got.Security.TotalPromptsUsed)
}

func TestConcurrentAppendsDoNotLoseUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "u", "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessages(ctx, sess.ID, pair(time.Now(), "q", "a", 5)...)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Security.TotalPromptsUsed)
	assert.Equal(t, 100, got.Security.TotalTokensUsed)
	assert.Len(t, got.Messages, 40)
}

func TestPreferencesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ok, err := s.GetPreferences(ctx, ScopeLecture, "l1")
	require.NoError(t, err)
	assert.False(t, ok)

	n := 5
	require.NoError(t, s.SetPreferences(ctx, ScopeLecture, "l1", chat.Preferences{Model: "tutor-large", NumPrompts: &n}))
	n2 := 8
	require.NoError(t, s.SetPreferences(ctx, ScopeLecture, "l1", chat.Preferences{Model: "tutor-small", NumPrompts: &n2}))

	p, ok, err := s.GetPreferences(ctx, ScopeLecture, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tutor-small", p.Model)
	require.NotNil(t, p.NumPrompts)
	assert.Equal(t, 8, *p.NumPrompts)

	_, ok, err = s.GetPreferences(ctx, ScopeUser, "l1")
	require.NoError(t, err)
	assert.False(t, ok)
}
