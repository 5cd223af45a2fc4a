package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
	"github.com/wayfarer-app/wayfarer/src/effects"
	"github.com/wayfarer-app/wayfarer/src/history"
	"github.com/wayfarer-app/wayfarer/src/session"
	"github.com/wayfarer-app/wayfarer/src/toolcat"
	"github.com/wayfarer-app/wayfarer/src/transport"
)

// fakeSocket is a scriptable transport.Socket: inbound events are pushed
// through a channel, writes are recorded.
type fakeSocket struct {
	mu        sync.Mutex
	writes    []chatkit.ClientEnvelope
	inbound   chan any
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan any, 16)}
}

func (s *fakeSocket) ReadJSON(v any) error {
	item, ok := <-s.inbound
	if !ok {
		return &transport.CloseError{Code: transport.CloseNormal, Reason: "closed"}
	}
	switch x := item.(type) {
	case error:
		return x
	case chatkit.ServerEvent:
		*(v.(*chatkit.ServerEvent)) = x
		return nil
	default:
		panic("fakeSocket: bad inbound item")
	}
}

func (s *fakeSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, v.(chatkit.ClientEnvelope))
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() { close(s.inbound) })
	return nil
}

func (s *fakeSocket) serverEvent(ev chatkit.ServerEvent) {
	s.inbound <- ev
}

func (s *fakeSocket) serverClose(code int, reason string) {
	s.inbound <- &transport.CloseError{Code: code, Reason: reason}
}

func (s *fakeSocket) written() []chatkit.ClientEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatkit.ClientEnvelope, len(s.writes))
	copy(out, s.writes)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
	fail  error
}

func (d *fakeDialer) dial(ctx context.Context, url string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	sock := newFakeSocket()
	d.socks = append(d.socks, sock)
	return sock, nil
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

type fakeSessions struct {
	mu   sync.Mutex
	reqs []session.CreateRequest
	fail error
}

func (f *fakeSessions) Create(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.reqs = append(f.reqs, req)
	return &session.Session{
		ID:       fmt.Sprintf("sess-%d", len(f.reqs)),
		ModelID:  req.ModelID,
		Context:  req.Context,
		ChatMode: req.ChatMode,
	}, nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeSessions) lastReq() session.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type countingRefresher struct {
	mu sync.Mutex
	n  map[toolcat.Domain]int
}

func (r *countingRefresher) refresher(domain toolcat.Domain) effects.Refresher {
	return effects.RefresherFunc(func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.n == nil {
			r.n = make(map[toolcat.Domain]int)
		}
		r.n[domain]++
		return nil
	})
}

func (r *countingRefresher) count(domain toolcat.Domain) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n[domain]
}

type harness struct {
	eng      *Engine
	dialer   *fakeDialer
	sessions *fakeSessions
	hist     *history.Store
	refresh  *countingRefresher
	connErrs *errorLog
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) has(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	kv, err := history.NewFileKV(afero.NewMemMapFs(), "/data", 0)
	require.NoError(t, err)

	h := &harness{
		dialer:   &fakeDialer{},
		sessions: &fakeSessions{},
		hist:     history.NewStore(kv, slog.Default()),
		refresh:  &countingRefresher{},
		connErrs: &errorLog{},
	}
	refreshers := map[toolcat.Domain]effects.Refresher{
		toolcat.DomainTrip:        h.refresh.refresher(toolcat.DomainTrip),
		toolcat.DomainDestination: h.refresh.refresher(toolcat.DomainDestination),
		toolcat.DomainPOI:         h.refresh.refresher(toolcat.DomainPOI),
	}
	h.eng = New(Config{
		Transport: transport.Config{
			URL:    "wss://test.invalid/assistant",
			Dialer: h.dialer.dial,
			Tokens: transport.TokenProviderFunc(func(ctx context.Context) (string, error) {
				return "tok-1", nil
			}),
			BaseReconnectDelay: time.Millisecond,
			MaxReconnectDelay:  4 * time.Millisecond,
			ConnectWait:        2 * time.Second,
		},
		Sessions:      h.sessions,
		History:       h.hist,
		Effects:       effects.NewCoordinator(refreshers, slog.Default(), effects.WithDebounce(5*time.Millisecond)),
		ModelID:       "claude-sonnet",
		FlushDebounce: 20 * time.Millisecond,
		Hooks:         Hooks{ConnError: h.connErrs.add},
	})
	t.Cleanup(func() { h.eng.Disconnect(context.Background()) })
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// streamTurn pushes a full assistant turn through the live socket.
func streamTurn(h *harness, id string, events ...chatkit.ServerEvent) {
	sock := h.dialer.last()
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventStart, MessageID: id})
	for _, ev := range events {
		ev.Type = chatkit.EventChunk
		sock.serverEvent(ev)
	}
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventEnd})
}

func TestSendMessageCreatesSessionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "plan three days in Kyoto"))
	assert.Equal(t, 1, h.sessions.count())

	req := h.sessions.lastReq()
	assert.Equal(t, "claude-sonnet", req.ModelID)
	assert.Equal(t, chatkit.ChatModeChat, req.ChatMode)
	assert.Equal(t, toolcat.Names(), req.AgentConfig.EnabledTools)

	sock := h.dialer.last()
	require.NotNil(t, sock)
	waitFor(t, func() bool { return len(sock.written()) == 2 }, "expected auth and chat envelopes")
	writes := sock.written()
	assert.Equal(t, chatkit.EnvelopeAuth, writes[0].Type)
	assert.Equal(t, "tok-1", writes[0].Token)
	assert.Equal(t, chatkit.EnvelopeChat, writes[1].Type)
	assert.Equal(t, "sess-1", writes[1].SessionID)
	assert.Equal(t, "plan three days in Kyoto", writes[1].Message)

	msgs := h.eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chatkit.RoleUser, msgs[0].Role)

	// session is reused for the second turn
	require.NoError(t, h.eng.SendMessage(ctx, "make it four days"))
	assert.Equal(t, 1, h.sessions.count())
	assert.Equal(t, 1, h.dialer.dials())
}

func TestStreamedTurnIsPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "where should I stay in Lisbon?"))
	streamTurn(h, "m1",
		chatkit.ServerEvent{Content: "Alfama is a good base. "},
		chatkit.ServerEvent{Content: "Book early in summer."},
	)
	waitFor(t, func() bool { return !h.eng.Busy() && len(h.eng.Messages()) == 2 }, "turn did not finish")

	id := h.eng.ConversationID()
	waitFor(t, func() bool {
		rec, err := h.hist.Load(ctx, id)
		return err == nil && rec != nil && rec.MessageCount == 2
	}, "conversation was not flushed")

	rec, err := h.hist.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "where should I stay in Lisbon?", rec.Title)
	assert.Equal(t, "Alfama is a good base. Book early in summer.", rec.Messages[1].Content)
	require.Len(t, rec.CondensedHistory, 2)
	assert.Equal(t, chatkit.RoleAssistant, rec.CondensedHistory[1].Role)

	active, err := h.hist.ActivePointer(ctx, chatkit.NoTripKey)
	require.NoError(t, err)
	assert.Equal(t, id, active)
}

func TestFlushWhileChunksAreStreaming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "narrate the drive along the Amalfi coast"))
	sock := h.dialer.last()
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventStart, MessageID: "m1"})
	waitFor(t, func() bool { return h.eng.Busy() }, "turn did not start")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventChunk, Content: "curve after curve, "})
		}
		sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventEnd})
	}()

	// Persisting and reading while chunks land must not observe a
	// half-written transcript.
	for i := 0; i < 50; i++ {
		h.eng.Flush(ctx)
		for _, m := range h.eng.Messages() {
			m.HasContent()
		}
	}
	<-done

	waitFor(t, func() bool { return !h.eng.Busy() }, "turn did not finish")
	h.eng.Flush(ctx)
	rec, err := h.hist.Load(ctx, h.eng.ConversationID())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.MessageCount)
}

func TestSessionFailureAbortsSend(t *testing.T) {
	h := newHarness(t)
	h.sessions.fail = errors.New("service unavailable")

	err := h.eng.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create session")
	assert.Empty(t, h.eng.Messages())
}

func TestSendTimeoutAttachesError(t *testing.T) {
	h := newHarness(t)
	h.dialer.fail = errors.New("network unreachable")
	// Shrink the connect wait so the timeout path fires quickly.
	h.eng.transport = transport.NewManager(transport.Config{
		URL:         "wss://test.invalid/assistant",
		Dialer:      h.dialer.dial,
		ConnectWait: 150 * time.Millisecond,
	})

	err := h.eng.SendMessage(context.Background(), "hello")
	require.ErrorIs(t, err, transport.ErrConnectTimeout)

	msgs := h.eng.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chatkit.RoleUser, msgs[0].Role)
	assert.Equal(t, chatkit.RoleSystem, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "message not delivered")
}

func TestCancelIsOptimistic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "write a packing list"))
	sock := h.dialer.last()
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventStart, MessageID: "m1"})
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventChunk, Content: "Passport"})
	waitFor(t, func() bool { return h.eng.Busy() }, "turn did not start")

	require.NoError(t, h.eng.Cancel(ctx))
	assert.False(t, h.eng.Busy())

	msgs := h.eng.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Passport")
	assert.Contains(t, msgs[1].Content, "[cancelled]")

	waitFor(t, func() bool {
		writes := sock.written()
		return len(writes) == 3 && writes[2].Type == chatkit.EnvelopeCancel
	}, "cancel envelope not sent")
	assert.Equal(t, "sess-1", sock.written()[2].SessionID)

	// cancelling again with nothing streaming is a no-op
	require.NoError(t, h.eng.Cancel(ctx))
}

func TestNewConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "first conversation"))
	streamTurn(h, "m1", chatkit.ServerEvent{Content: "noted"})
	waitFor(t, func() bool { return !h.eng.Busy() }, "turn did not finish")
	oldID := h.eng.ConversationID()

	require.NoError(t, h.eng.NewConversation(ctx))

	assert.NotEqual(t, oldID, h.eng.ConversationID())
	assert.Empty(t, h.eng.Messages())

	// the old conversation survives, the pointer is cleared
	rec, err := h.hist.Load(ctx, oldID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	active, err := h.hist.ActivePointer(ctx, chatkit.NoTripKey)
	require.NoError(t, err)
	assert.Empty(t, active)

	// the next send builds a fresh session with no inherited history
	require.NoError(t, h.eng.SendMessage(ctx, "second conversation"))
	assert.Equal(t, 2, h.sessions.count())
	assert.Empty(t, h.sessions.lastReq().MessageHistory)
}

func TestSwitchContextSavesAndRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "standalone question"))
	streamTurn(h, "m1", chatkit.ServerEvent{Content: "standalone answer"})
	waitFor(t, func() bool { return !h.eng.Busy() }, "turn did not finish")
	standaloneID := h.eng.ConversationID()
	h.eng.Flush(ctx)

	trip := chatkit.Context{TripID: "trip-1", TripName: "Kyoto in April"}
	require.NoError(t, h.eng.SwitchContext(ctx, trip))

	// no stored conversation for the trip yet, so the transcript starts fresh
	assert.Empty(t, h.eng.Messages())
	assert.NotEqual(t, standaloneID, h.eng.ConversationID())
	assert.Equal(t, "trip-1", h.eng.Context().TripID)

	require.NoError(t, h.eng.SendMessage(ctx, "trip question"))
	streamTurn(h, "m2", chatkit.ServerEvent{Content: "trip answer"})
	waitFor(t, func() bool { return !h.eng.Busy() }, "turn did not finish")
	h.eng.Flush(ctx)

	// the trip session was bound to the trip context
	assert.Equal(t, "trip-1", h.sessions.lastReq().Context.TripID)

	// switching back restores the standalone conversation with a divider
	require.NoError(t, h.eng.SwitchContext(ctx, chatkit.Context{}))
	waitFor(t, func() bool { return len(h.eng.Messages()) == 3 }, "conversation not restored")

	msgs := h.eng.Messages()
	assert.Equal(t, "standalone question", msgs[0].Content)
	assert.True(t, msgs[2].IsContextChange)
	assert.Equal(t, standaloneID, h.eng.ConversationID())

	// the restored record carried condensed history, so a session was created
	// seeded with it
	waitFor(t, func() bool { return h.sessions.count() == 3 }, "restore session not created")
	assert.Len(t, h.sessions.lastReq().MessageHistory, 2)
	assert.Empty(t, h.sessions.lastReq().Context.TripID)
}

func TestRestoreReplacesTranscript(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stored := &history.Record{
		ID: "c-restored",
		Messages: []*chatkit.Message{
			{ID: "u1", Role: chatkit.RoleUser, Content: "saved question"},
			{ID: "a1", Role: chatkit.RoleAssistant, Content: "saved answer"},
		},
		CondensedHistory: []chatkit.HistoryEntry{
			{Role: chatkit.RoleUser, Content: "saved question"},
			{Role: chatkit.RoleAssistant, Content: "saved answer"},
		},
		ModelID: "claude-haiku",
	}
	require.NoError(t, h.hist.Save(ctx, stored))

	require.NoError(t, h.eng.Restore(ctx, "c-restored"))

	msgs := h.eng.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "saved question", msgs[0].Content)
	assert.Equal(t, "c-restored", h.eng.ConversationID())

	// saved messages are not replayed as stream events, only the session is
	// re-created with condensed history
	assert.False(t, h.eng.Busy())
	require.Equal(t, 1, h.sessions.count())
	req := h.sessions.lastReq()
	assert.Len(t, req.MessageHistory, 2)
	assert.Equal(t, "claude-haiku", req.ModelID)

	active, err := h.hist.ActivePointer(ctx, chatkit.NoTripKey)
	require.NoError(t, err)
	assert.Equal(t, "c-restored", active)
}

func TestRestoreUnknownConversation(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Restore(context.Background(), "nope")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMutatingTurnRefreshesDomains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "move the trip a week later"))
	streamTurn(h, "m1",
		chatkit.ServerEvent{ToolCall: &chatkit.ToolCallEntry{ID: "t1", Name: "update_trip_dates"}},
		chatkit.ServerEvent{ToolResult: &chatkit.ToolResult{ToolCallID: "t1", Content: "ok"}},
		chatkit.ServerEvent{Content: "Done, shifted by a week."},
	)

	waitFor(t, func() bool {
		return h.refresh.count(toolcat.DomainTrip) == 1 && h.refresh.count(toolcat.DomainDestination) == 1
	}, "affected domains were not refreshed")
	assert.Equal(t, 0, h.refresh.count(toolcat.DomainPOI))
}

func TestConnectionLossAbortsTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "hello"))
	sock := h.dialer.last()
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventStart, MessageID: "m1"})
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventChunk, Content: "partial"})
	waitFor(t, func() bool { return h.eng.Busy() }, "turn did not start")

	sock.serverClose(1006, "gone")

	waitFor(t, func() bool { return !h.eng.Busy() }, "turn was not aborted")
	msgs := h.eng.Messages()
	assert.Contains(t, msgs[1].Content, "partial")
	assert.Contains(t, msgs[1].Content, "Connection lost")
	waitFor(t, func() bool { return h.connErrs.has(transport.ErrReconnecting) }, "connection error not surfaced")
}

func TestDisconnectMidStreamFinalizesTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SendMessage(ctx, "hello"))
	sock := h.dialer.last()
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventStart, MessageID: "m1"})
	sock.serverEvent(chatkit.ServerEvent{Type: chatkit.EventChunk, Content: "partial"})
	waitFor(t, func() bool { return h.eng.Busy() }, "turn did not start")

	h.eng.Disconnect(ctx)

	assert.False(t, h.eng.Busy())
	msgs := h.eng.Messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].IsStreaming)
	assert.Contains(t, msgs[1].Content, "partial")
	assert.Contains(t, msgs[1].Content, "Connection lost: disconnected")

	// a fresh connect and send work after the teardown
	require.NoError(t, h.eng.Connect(ctx))
	require.NoError(t, h.eng.SendMessage(ctx, "are you back?"))
	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, 2, h.sessions.count())
	assert.False(t, h.eng.Busy())
}

func TestEmptyAndBusySends(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.eng.SendMessage(ctx, "   "), ErrEmptyMessage)

	require.NoError(t, h.eng.SendMessage(ctx, "hello"))
	h.dialer.last().serverEvent(chatkit.ServerEvent{Type: chatkit.EventStart, MessageID: "m1"})
	waitFor(t, func() bool { return h.eng.Busy() }, "turn did not start")
	require.ErrorIs(t, h.eng.SendMessage(ctx, "impatient"), ErrBusy)
}
