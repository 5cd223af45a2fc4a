package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
)

// flakyKV wraps another KV and fails the next n Sets with ErrCapacityExceeded.
type flakyKV struct {
	KV
	failures int
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failures > 0 {
		f.failures--
		return ErrCapacityExceeded
	}
	return f.KV.Set(ctx, key, value)
}

func newMemStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	kv, err := NewFileKV(afero.NewMemMapFs(), "/state", 0)
	require.NoError(t, err)
	return NewStore(kv, nil, opts...)
}

func userMsg(id, content string) *chatkit.Message {
	return &chatkit.Message{ID: id, Role: chatkit.RoleUser, Content: content}
}

func assistantMsg(id, content string) *chatkit.Message {
	return &chatkit.Message{ID: id, Role: chatkit.RoleAssistant, Content: content}
}

func TestSaveAndLoad(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{
		ID:         "c1",
		ContextKey: "trip-1",
		Messages:   []*chatkit.Message{userMsg("u1", "Plan my Lisbon trip"), assistantMsg("a1", "Sure!")},
		ModelID:    "claude-sonnet",
		Context:    chatkit.Context{TripID: "trip-1"},
	}))

	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Plan my Lisbon trip", rec.Title)
	assert.Equal(t, 2, rec.MessageCount)
	assert.Equal(t, "trip-1", rec.ContextKey)
	assert.False(t, rec.CreatedAt.IsZero())

	missing, err := s.Load(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveEmptyConversationIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	kv, err := NewFileKV(fs, "/state", 0)
	require.NoError(t, err)
	s := NewStore(kv, nil)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "c1"}))

	// Storage untouched: no state file written.
	data, err := kv.Get(ctx, storageKey)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSaveSanitizesStreamingMessages(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	streaming := assistantMsg("a1", "partial")
	streaming.IsStreaming = true
	empty := &chatkit.Message{ID: "a2", Role: chatkit.RoleAssistant, IsStreaming: true}

	require.NoError(t, s.Save(ctx, &Record{
		ID:       "c1",
		Messages: []*chatkit.Message{userMsg("u1", "hi"), streaming, empty},
	}))

	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2, "empty streaming message dropped")
	for _, msg := range rec.Messages {
		assert.False(t, msg.IsStreaming)
	}
	// Sanitizing must not mutate the live transcript.
	assert.True(t, streaming.IsStreaming)
}

func TestTitleDerivation(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 80)
	require.NoError(t, s.Save(ctx, &Record{
		ID:       "c1",
		Messages: []*chatkit.Message{userMsg("u1", long)},
	}))

	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 60)+"...", rec.Title)

	// An explicit title is kept.
	require.NoError(t, s.Save(ctx, &Record{
		ID:       "c2",
		Title:    "My title",
		Messages: []*chatkit.Message{userMsg("u1", "hello")},
	}))
	rec2, err := s.Load(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, "My title", rec2.Title)
}

func TestSavePreservesCreatedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newMemStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "c1", Messages: []*chatkit.Message{userMsg("u1", "hi")}}))

	now = now.Add(time.Hour)
	require.NoError(t, s.Save(ctx, &Record{ID: "c1", Messages: []*chatkit.Message{userMsg("u1", "hi"), assistantMsg("a1", "yo")}}))

	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), rec.CreatedAt)
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestCondensedHistoryTruncated(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	entries := make([]chatkit.HistoryEntry, 25)
	for i := range entries {
		entries[i] = chatkit.HistoryEntry{Role: chatkit.RoleUser, Content: fmt.Sprintf("entry %d", i)}
	}

	require.NoError(t, s.Save(ctx, &Record{
		ID:               "c1",
		Messages:         []*chatkit.Message{userMsg("u1", "hi")},
		CondensedHistory: entries,
	}))

	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rec.CondensedHistory, 20)
	assert.Equal(t, "entry 5", rec.CondensedHistory[0].Content, "oldest entries dropped first")
	assert.Equal(t, "entry 24", rec.CondensedHistory[19].Content)
}

func TestConversationCapEvictsLeastRecentlyUpdated(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := newMemStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 51; i++ {
		now = now.Add(time.Minute)
		require.NoError(t, s.Save(ctx, &Record{
			ID:       fmt.Sprintf("c%02d", i),
			Messages: []*chatkit.Message{userMsg("u1", "hi")},
		}))
	}

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 50)

	// c00 was updated first, so it went first.
	rec, err := s.Load(ctx, "c00")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = s.Load(ctx, "c01")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestListSortedAndFiltered(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := newMemStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	save := func(id, contextKey string) {
		now = now.Add(time.Minute)
		require.NoError(t, s.Save(ctx, &Record{
			ID:         id,
			ContextKey: contextKey,
			Messages:   []*chatkit.Message{userMsg("u1", "hi")},
		}))
	}
	save("c1", "trip-1")
	save("c2", "trip-2")
	save("c3", "trip-1")

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].ID, "newest-updated first")

	tripOnly, err := s.List(ctx, "trip-1")
	require.NoError(t, err)
	require.Len(t, tripOnly, 2)
	assert.Equal(t, "c3", tripOnly[0].ID)
	assert.Equal(t, "c1", tripOnly[1].ID)
}

func TestRemoveClearsPointers(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "c1", Messages: []*chatkit.Message{userMsg("u1", "hi")}}))
	require.NoError(t, s.SetActivePointer(ctx, "trip-1", "c1"))

	require.NoError(t, s.Remove(ctx, "c1"))

	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	ptr, err := s.ActivePointer(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, "", ptr)
}

func TestActivePointerLifecycle(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	ptr, err := s.ActivePointer(ctx, chatkit.NoTripKey)
	require.NoError(t, err)
	assert.Equal(t, "", ptr)

	require.NoError(t, s.SetActivePointer(ctx, chatkit.NoTripKey, "c9"))
	ptr, err = s.ActivePointer(ctx, chatkit.NoTripKey)
	require.NoError(t, err)
	assert.Equal(t, "c9", ptr)

	require.NoError(t, s.SetActivePointer(ctx, chatkit.NoTripKey, ""))
	ptr, err = s.ActivePointer(ctx, chatkit.NoTripKey)
	require.NoError(t, err)
	assert.Equal(t, "", ptr)
}

func TestCapacityEvictionAndRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	base, err := NewFileKV(afero.NewMemMapFs(), "/state", 0)
	require.NoError(t, err)
	flaky := &flakyKV{KV: base}
	s := NewStore(flaky, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		now = now.Add(time.Minute)
		require.NoError(t, s.Save(ctx, &Record{
			ID:       fmt.Sprintf("c%d", i),
			Messages: []*chatkit.Message{userMsg("u1", "hi")},
		}))
	}

	// The next write hits capacity once; eviction frees room and the retry lands.
	flaky.failures = 1
	now = now.Add(time.Minute)
	require.NoError(t, s.Save(ctx, &Record{ID: "c7", Messages: []*chatkit.Message{userMsg("u1", "hi")}}))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3, "5 least-recently-updated records evicted before retry")
	rec, err := s.Load(ctx, "c7")
	require.NoError(t, err)
	assert.NotNil(t, rec, "new conversation survived")
}

func TestCapacityExhaustionDropsSaveSilently(t *testing.T) {
	base, err := NewFileKV(afero.NewMemMapFs(), "/state", 0)
	require.NoError(t, err)
	flaky := &flakyKV{KV: base}
	s := NewStore(flaky, nil)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Record{ID: "c1", Messages: []*chatkit.Message{userMsg("u1", "hi")}}))

	flaky.failures = 2 // original write and the post-eviction retry both fail
	require.NoError(t, s.Save(ctx, &Record{ID: "c2", Messages: []*chatkit.Message{userMsg("u1", "yo")}}))

	// The dropped save left the previous state intact.
	rec, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
	rec, err = s.Load(ctx, "c2")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
