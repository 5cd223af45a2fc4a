// Package engine wires the assistant subsystems together: the transcript store
// and assembler, the transport manager, session creation, the mutation effect
// coordinator, and debounced conversation persistence. The engine owns the
// transcript and session state exclusively; everything else is notified.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
	"github.com/wayfarer-app/wayfarer/src/effects"
	"github.com/wayfarer-app/wayfarer/src/history"
	"github.com/wayfarer-app/wayfarer/src/session"
	"github.com/wayfarer-app/wayfarer/src/toolcat"
	"github.com/wayfarer-app/wayfarer/src/transcript"
	"github.com/wayfarer-app/wayfarer/src/transport"
)

const defaultFlushDebounce = 500 * time.Millisecond

// Engine errors.
var (
	ErrBusy                 = errors.New("a turn is already streaming")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrConversationNotFound = errors.New("conversation not found")
)

// SessionCreator creates remote sessions.
type SessionCreator interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.Session, error)
}

// Hooks receive engine notifications. Nil fields are skipped.
type Hooks struct {
	// ConnError is the single connection-error observable: transport losses,
	// handshake rejections, and reconnect exhaustion all land here.
	ConnError func(err error)
	// StateChange reports transport state transitions.
	StateChange func(s transport.State)
	// TurnComplete is called after each finished assistant turn.
	TurnComplete func(msg *chatkit.Message)
	// StreamError is called when the service reports a mid-turn failure.
	StreamError func(err *transcript.StreamError)
}

// Config configures an Engine.
type Config struct {
	// Transport configures the persistent connection. Hooks are owned by the
	// engine and overwritten.
	Transport transport.Config
	// Sessions creates remote sessions.
	Sessions SessionCreator
	// History persists conversations.
	History *history.Store
	// Refreshers are the domain refresh entrypoints, keyed by domain.
	Refreshers map[toolcat.Domain]effects.Refresher
	// Effects overrides the coordinator built from Refreshers, for tests.
	Effects *effects.Coordinator
	// ModelID is the model new sessions bind to.
	ModelID string
	// ChatMode is the mode new sessions run in (default chat).
	ChatMode string
	// Agent is the assistant configuration sent on session creation. Empty
	// EnabledTools defaults to the full tool catalog.
	Agent session.AgentConfig
	// FlushDebounce is the persistence debounce window (default 500ms).
	FlushDebounce time.Duration
	// Hooks receive engine notifications.
	Hooks Hooks
	// Logger for engine logging.
	Logger *slog.Logger
}

// Engine is the chat session engine. All public methods are safe for
// concurrent use; inbound protocol events are applied from the transport's
// read loop.
type Engine struct {
	cfg       cfgResolved
	store     *transcript.Store
	assembler *transcript.Assembler
	transport *transport.Manager
	effects   *effects.Coordinator
	sessions  SessionCreator
	history   *history.Store
	logger    *slog.Logger

	mu             sync.Mutex
	sess           *session.Session
	conversationID string
	chatCtx        chatkit.Context
	modelID        string
	condensed      []chatkit.HistoryEntry
	flushTimer     *time.Timer
}

type cfgResolved struct {
	chatMode      string
	agent         session.AgentConfig
	flushDebounce time.Duration
	hooks         Hooks
}

// New creates an engine. It does not connect.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChatMode == "" {
		cfg.ChatMode = chatkit.ChatModeChat
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "wayfarer"
	}
	if len(cfg.Agent.EnabledTools) == 0 {
		cfg.Agent.EnabledTools = toolcat.Names()
	}
	if cfg.FlushDebounce == 0 {
		cfg.FlushDebounce = defaultFlushDebounce
	}

	e := &Engine{
		cfg: cfgResolved{
			chatMode:      cfg.ChatMode,
			agent:         cfg.Agent,
			flushDebounce: cfg.FlushDebounce,
			hooks:         cfg.Hooks,
		},
		store:          transcript.NewStore(),
		sessions:       cfg.Sessions,
		history:        cfg.History,
		logger:         logger.With("component", "engine"),
		conversationID: uuid.New().String(),
		modelID:        cfg.ModelID,
	}

	e.assembler = transcript.NewAssembler(e.store, transcript.Hooks{
		TurnComplete: e.onTurnComplete,
		StreamError:  e.onStreamError,
	}, logger)

	e.effects = cfg.Effects
	if e.effects == nil {
		e.effects = effects.NewCoordinator(cfg.Refreshers, logger)
	}

	tcfg := cfg.Transport
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}
	tcfg.Hooks = transport.Hooks{
		Event: e.assembler.Apply,
		Lost: func(reason string) {
			if e.assembler.AbortActive(reason) {
				e.scheduleFlush()
			}
		},
		ConnError: func(err error) {
			if e.cfg.hooks.ConnError != nil {
				e.cfg.hooks.ConnError(err)
			}
		},
		StateChange: func(s transport.State) {
			if e.cfg.hooks.StateChange != nil {
				e.cfg.hooks.StateChange(s)
			}
		},
	}
	e.transport = transport.NewManager(tcfg)
	return e
}

// Messages returns a deep-copied snapshot of the current transcript, safe to
// hold while streaming continues.
func (e *Engine) Messages() []*chatkit.Message {
	return e.store.Snapshot()
}

// Busy reports whether an assistant turn is currently streaming.
func (e *Engine) Busy() bool {
	return e.assembler.Busy()
}

// ConnState returns the transport state.
func (e *Engine) ConnState() transport.State {
	return e.transport.State()
}

// ConversationID returns the id of the active conversation.
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Context returns the travel context the engine is bound to.
func (e *Engine) Context() chatkit.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chatCtx
}

// SetModel switches the model for subsequent turns. The current session is
// dropped so the next send rebinds.
func (e *Engine) SetModel(modelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if modelID == e.modelID {
		return
	}
	e.modelID = modelID
	e.sess = nil
}

// Connect marks the engine active and establishes the persistent connection.
func (e *Engine) Connect(ctx context.Context) error {
	e.transport.SetActive(true)
	return e.transport.Connect(ctx)
}

// Disconnect flushes pending persistence and effects, destroys the session,
// and intentionally tears the connection down. No reconnect follows. A turn
// still streaming is finalized first; intentional teardown never fires the
// transport's loss hook, so the abort happens here.
func (e *Engine) Disconnect(ctx context.Context) {
	if e.assembler.AbortActive("disconnected") {
		e.logger.Debug("aborted streaming turn on disconnect")
	}
	e.Flush(ctx)
	e.effects.Flush()

	e.mu.Lock()
	e.sess = nil
	e.mu.Unlock()

	e.transport.SetActive(false)
	e.transport.Disconnect()
}

// SendMessage appends the user message to the transcript and transmits it.
// The session is created first if absent; session creation failure aborts the
// send before anything is appended. A send that fails after the message was
// appended attaches the failure to the conversation and returns the error, so
// a failed send is never silently lost.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if e.assembler.Busy() {
		return ErrBusy
	}

	e.transport.SetActive(true)

	sess, err := e.ensureSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	e.store.Append(&chatkit.Message{
		ID:        uuid.New().String(),
		Role:      chatkit.RoleUser,
		Content:   text,
		Timestamp: time.Now().UTC(),
	})
	e.appendHistory(chatkit.RoleUser, text)
	e.scheduleFlush()

	env := chatkit.ClientEnvelope{Type: chatkit.EnvelopeChat, SessionID: sess.ID, Message: text}
	if err := e.transport.Send(ctx, env); err != nil {
		e.store.Append(&chatkit.Message{
			ID:        uuid.New().String(),
			Role:      chatkit.RoleSystem,
			Content:   "Error: message not delivered: " + err.Error(),
			Timestamp: time.Now().UTC(),
		})
		e.scheduleFlush()
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Cancel optimistically terminates the streaming turn: a cancel envelope is
// sent without waiting for acknowledgment and streaming state is cleared
// client-side immediately. A no-op when nothing is streaming.
func (e *Engine) Cancel(ctx context.Context) error {
	if !e.assembler.Busy() {
		return nil
	}

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	if sess != nil {
		env := chatkit.ClientEnvelope{Type: chatkit.EnvelopeCancel, SessionID: sess.ID}
		if err := e.transport.Send(ctx, env); err != nil {
			e.logger.Warn("cancel envelope not delivered", "error", err)
		}
	}
	if e.assembler.CancelActive() {
		e.scheduleFlush()
	}
	return nil
}

// NewConversation saves the current conversation, drops the session, and
// starts a fresh transcript under a new conversation id. The active pointer
// for the context is cleared until the new conversation has content.
func (e *Engine) NewConversation(ctx context.Context) error {
	e.Flush(ctx)

	e.mu.Lock()
	e.sess = nil
	e.conversationID = uuid.New().String()
	e.condensed = nil
	key := e.chatCtx.Key()
	e.mu.Unlock()

	e.store.Clear()
	if err := e.history.SetActivePointer(ctx, key, ""); err != nil {
		e.logger.Warn("failed to clear active conversation pointer", "error", err)
	}
	return nil
}

// SwitchContext saves the current conversation, then binds the engine to the
// new context, restoring its most recent conversation when one is stored and
// starting fresh otherwise.
func (e *Engine) SwitchContext(ctx context.Context, next chatkit.Context) error {
	e.mu.Lock()
	same := e.chatCtx.Key() == next.Key()
	e.mu.Unlock()
	if same {
		e.mu.Lock()
		e.chatCtx = next
		e.mu.Unlock()
		return nil
	}

	e.Flush(ctx)

	e.mu.Lock()
	e.sess = nil
	e.chatCtx = next
	e.mu.Unlock()

	id, err := e.history.ActivePointer(ctx, next.Key())
	if err != nil {
		e.logger.Warn("failed to read active conversation pointer", "error", err)
	}
	if id != "" {
		rec, err := e.history.Load(ctx, id)
		if err != nil {
			e.logger.Warn("failed to load conversation", "conversation_id", id, "error", err)
		}
		if rec != nil {
			e.restoreRecord(ctx, rec)
			e.store.Append(contextDivider(next))
			return nil
		}
	}

	e.mu.Lock()
	e.conversationID = uuid.New().String()
	e.condensed = nil
	e.mu.Unlock()
	e.store.Clear()
	return nil
}

// Restore loads a stored conversation and makes it the active one. The saved
// messages replace the transcript directly; they are never replayed as stream
// events. When the record carries condensed history a fresh session is created
// seeded with it so the remote side regains conversational memory.
func (e *Engine) Restore(ctx context.Context, conversationID string) error {
	rec, err := e.history.Load(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if rec == nil {
		return ErrConversationNotFound
	}

	e.restoreRecord(ctx, rec)

	key := rec.ContextKey
	if key == "" {
		key = rec.Context.Key()
	}
	if err := e.history.SetActivePointer(ctx, key, rec.ID); err != nil {
		e.logger.Warn("failed to set active conversation pointer", "error", err)
	}
	return nil
}

// Flush persists the current conversation immediately, cancelling any pending
// debounced flush. Persistence failures are logged, never surfaced; chat
// stays usable when only history is lost.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	// Snapshot deep-copies under the store's lock; the read loop may still be
	// appending chunks to the live messages while this record is marshalled.
	rec := &history.Record{
		ID:               e.conversationID,
		ContextKey:       e.chatCtx.Key(),
		Messages:         e.store.Snapshot(),
		CondensedHistory: append([]chatkit.HistoryEntry(nil), e.condensed...),
		ModelID:          e.modelID,
		Context:          e.chatCtx,
	}
	key := e.chatCtx.Key()
	id := e.conversationID
	e.mu.Unlock()

	if err := e.history.Save(ctx, rec); err != nil {
		e.logger.Warn("conversation save failed", "conversation_id", id, "error", err)
		return
	}
	if e.store.HasContent() {
		if err := e.history.SetActivePointer(ctx, key, id); err != nil {
			e.logger.Warn("failed to set active conversation pointer", "error", err)
		}
	}
}

func (e *Engine) ensureSession(ctx context.Context) (*session.Session, error) {
	e.mu.Lock()
	if e.sess != nil {
		sess := e.sess
		e.mu.Unlock()
		return sess, nil
	}
	req := session.CreateRequest{
		ModelID:        e.modelID,
		Context:        e.chatCtx,
		AgentConfig:    e.cfg.agent,
		ChatMode:       e.cfg.chatMode,
		MessageHistory: append([]chatkit.HistoryEntry(nil), e.condensed...),
	}
	e.mu.Unlock()

	sess, err := e.sessions.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		e.sess = sess
	}
	return e.sess, nil
}

func (e *Engine) restoreRecord(ctx context.Context, rec *history.Record) {
	e.mu.Lock()
	e.conversationID = rec.ID
	e.condensed = append([]chatkit.HistoryEntry(nil), rec.CondensedHistory...)
	e.chatCtx = rec.Context
	if rec.ModelID != "" {
		e.modelID = rec.ModelID
	}
	e.sess = nil
	e.mu.Unlock()

	e.store.Replace(rec.Messages)
	e.logger.Info("conversation restored", "conversation_id", rec.ID, "messages", len(rec.Messages))

	if len(rec.CondensedHistory) == 0 {
		return
	}
	sess, err := e.ensureSession(ctx)
	if err != nil {
		// The next send retries session creation; only remote memory is lost
		// until then.
		e.logger.Warn("failed to restore session memory", "conversation_id", rec.ID, "error", err)
		return
	}
	e.logger.Debug("session memory restored", "session_id", sess.ID)
}

func (e *Engine) onTurnComplete(msg *chatkit.Message) {
	e.effects.TurnComplete(msg)
	if msg.Content != "" {
		e.appendHistory(chatkit.RoleAssistant, msg.Content)
	}
	e.scheduleFlush()
	if e.cfg.hooks.TurnComplete != nil {
		e.cfg.hooks.TurnComplete(msg)
	}
}

func (e *Engine) onStreamError(err *transcript.StreamError) {
	e.scheduleFlush()
	if e.cfg.hooks.StreamError != nil {
		e.cfg.hooks.StreamError(err)
	}
}

func (e *Engine) appendHistory(role, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.condensed = append(e.condensed, chatkit.HistoryEntry{Role: role, Content: content})
}

func (e *Engine) scheduleFlush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	e.flushTimer = time.AfterFunc(e.cfg.flushDebounce, func() {
		e.Flush(context.Background())
	})
}

func contextDivider(c chatkit.Context) *chatkit.Message {
	content := "Left trip context"
	if c.TripID != "" {
		content = "Switched to trip: " + c.TripName
	}
	return &chatkit.Message{
		ID:              uuid.New().String(),
		Role:            chatkit.RoleSystem,
		Content:         content,
		IsContextChange: true,
		Timestamp:       time.Now().UTC(),
	}
}
