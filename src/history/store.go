package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxConversations caps the number of stored conversations.
	DefaultMaxConversations = 50

	// storageKey is the single KV key the conversation state lives under.
	storageKey = "wayfarer:conversations"

	// capacityEvictBatch is how many least-recently-updated records are evicted
	// when a write hits the backend's capacity, before the single retry.
	capacityEvictBatch = 5
)

// state is the persisted blob: every conversation plus the per-context
// active-conversation pointers.
type state struct {
	Conversations         map[string]*Record `json:"conversations"`
	ActiveConversationIDs map[string]string  `json:"activeConversationIds"`
}

func newState() *state {
	return &state{
		Conversations:         make(map[string]*Record),
		ActiveConversationIDs: make(map[string]string),
	}
}

// Store reads and writes conversation records through a KV backend.
// Persistence failures are recovered by eviction where possible and otherwise
// swallowed: chat stays usable, only history is lost.
type Store struct {
	mu     sync.Mutex
	kv     KV
	max    int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxConversations overrides the conversation cap.
func WithMaxConversations(n int) Option {
	return func(s *Store) { s.max = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a conversation store over kv.
func NewStore(kv KV, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     kv,
		max:    DefaultMaxConversations,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "history"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists a conversation. Messages are sanitized, the title derived from
// the first user message when absent, CreatedAt preserved from any existing
// record, condensed history truncated to its cap, and the conversation cap
// enforced by least-recently-updated eviction. Saving a conversation with no
// messages is a no-op.
//
// A write that still fails after eviction and one retry is dropped; that is not
// an error from the chat's point of view.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	messages := sanitizeMessages(rec.Messages)
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	stored := &Record{
		ID:               rec.ID,
		ContextKey:       rec.ContextKey,
		Title:            rec.Title,
		Messages:         messages,
		CondensedHistory: truncateHistory(rec.CondensedHistory),
		ModelID:          rec.ModelID,
		Context:          rec.Context,
		CreatedAt:        now,
		UpdatedAt:        now,
		MessageCount:     len(messages),
	}
	if stored.Title == "" {
		stored.Title = deriveTitle(messages)
	}
	if prev, ok := st.Conversations[rec.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	st.Conversations[stored.ID] = stored

	// Capacity bound: least-recently-updated conversations go first.
	if excess := len(st.Conversations) - s.max; excess > 0 {
		s.evict(st, excess)
	}

	if err := s.write(ctx, st); err != nil {
		if !errors.Is(err, ErrCapacityExceeded) {
			return err
		}
		s.evict(st, capacityEvictBatch)
		if err := s.write(ctx, st); err != nil {
			// Give up quietly; only history is lost.
			s.logger.Warn("dropping conversation save after capacity eviction", "conversation_id", rec.ID, "error", err)
			return nil
		}
	}
	return nil
}

// Load returns the stored record, or nil when absent.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Conversations[id], nil
}

// List returns stored records sorted newest-updated-first, optionally filtered
// by context key ("" lists everything).
func (s *Store) List(ctx context.Context, contextKey string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(st.Conversations))
	for _, rec := range st.Conversations {
		if contextKey != "" && rec.ContextKey != contextKey {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Remove deletes a record and clears any active pointer referencing it.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := st.Conversations[id]; !ok {
		return nil
	}

	delete(st.Conversations, id)
	for key, active := range st.ActiveConversationIDs {
		if active == id {
			delete(st.ActiveConversationIDs, key)
		}
	}
	return s.write(ctx, st)
}

// ActivePointer returns the active conversation id for a context key, or "".
func (s *Store) ActivePointer(ctx context.Context, contextKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return st.ActiveConversationIDs[contextKey], nil
}

// SetActivePointer binds a context key to a conversation id; an empty id
// clears the pointer.
func (s *Store) SetActivePointer(ctx context.Context, contextKey, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		delete(st.ActiveConversationIDs, contextKey)
	} else {
		st.ActiveConversationIDs[contextKey] = id
	}
	return s.write(ctx, st)
}

// evict drops the n least-recently-updated conversations and any pointers to
// them.
func (s *Store) evict(st *state, n int) {
	ids := make([]string, 0, len(st.Conversations))
	for id := range st.Conversations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return st.Conversations[ids[i]].UpdatedAt.Before(st.Conversations[ids[j]].UpdatedAt)
	})

	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		delete(st.Conversations, id)
		for key, active := range st.ActiveConversationIDs {
			if active == id {
				delete(st.ActiveConversationIDs, key)
			}
		}
		s.logger.Debug("evicted conversation", "conversation_id", id)
	}
}

func (s *Store) load(ctx context.Context) (*state, error) {
	data, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation state: %w", err)
	}
	if data == nil {
		return newState(), nil
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt state is unrecoverable; start over rather than brick the chat.
		s.logger.Warn("conversation state corrupt, resetting", "error", err)
		return newState(), nil
	}
	if st.Conversations == nil {
		st.Conversations = make(map[string]*Record)
	}
	if st.ActiveConversationIDs == nil {
		st.ActiveConversationIDs = make(map[string]string)
	}
	return &st, nil
}

func (s *Store) write(ctx context.Context, st *state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	return s.kv.Set(ctx, storageKey, data)
}
