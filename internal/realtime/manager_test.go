package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in        chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reason    CloseReason
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-t.in:
		if !ok {
			return nil, errTransportClosed
		}
		return data, nil
	case <-t.closed:
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	t.sent <- data
	return nil
}

func (t *fakeTransport) Close(reason CloseReason) error {
	t.closeOnce.Do(func() {
		t.reason = reason
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) next(tb testing.TB) domain.OutboundFrame {
	tb.Helper()
	select {
	case data := <-t.sent:
		out, err := protocol.DecodeOutbound(data)
		require.NoError(tb, err)
		return out
	case <-time.After(2 * time.Second):
		tb.Fatal("no frame sent")
		return domain.OutboundFrame{}
	}
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]bool
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{sessions: make(map[string]bool)}
	for _, id := range ids {
		s.sessions[id] = false
	}
	return s
}

func (s *fakeStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &domain.Session{ID: id, Active: active}, nil
}

func (s *fakeStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	s.sessions[id] = active
	return nil
}

func (s *fakeStore) active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// echoRunner answers every frame with its command text. When gate is set,
// each run blocks until it receives.
type echoRunner struct {
	gate    chan struct{}
	started chan struct{}
	runs    atomic.Int32
	err     error
}

func (r *echoRunner) Run(_ context.Context, f domain.InboundFrame) (domain.OutboundFrame, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.runs.Add(1)
	content := "ok"
	if f.Command != nil {
		content = f.Command.Text
	}
	return domain.OutboundFrame{Kind: domain.ResponseInstruction, Content: content, SessionID: f.SessionID}, r.err
}

func commandJSON(text string) []byte {
	return []byte(`{"message_type":"command","session_id":"s1","data":{"text":"` + text + `"}}`)
}

func serve(m *Manager, c *Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Serve(context.Background(), c)
	}()
	return done
}

func waitDone(tb testing.TB, done <-chan struct{}) {
	tb.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tb.Fatal("Serve did not return")
	}
}

func TestOpenUnknownSession(t *testing.T) {
	m := NewManager(newFakeStore(), &echoRunner{}, Options{})
	_, err := m.Open(context.Background(), "nope", newFakeTransport())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Zero(t, m.Count())
}

func TestServeRoundTrip(t *testing.T) {
	store := newFakeStore("s1")
	m := NewManager(store, &echoRunner{}, Options{})
	tr := newFakeTransport()

	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	assert.True(t, store.active("s1"))
	assert.Equal(t, 1, m.Count())
	done := serve(m, c)

	tr.in <- commandJSON("hello")
	out := tr.next(t)
	assert.Equal(t, domain.ResponseInstruction, out.Kind)
	assert.Equal(t, "hello", out.Content)

	close(tr.in)
	waitDone(t, done)
	assert.False(t, store.active("s1"))
	assert.Zero(t, m.Count())
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	m := NewManager(newFakeStore("s1"), &echoRunner{}, Options{})
	tr := newFakeTransport()
	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	done := serve(m, c)

	tr.in <- []byte(`{"message_type":"telepathy","session_id":"s1"}`)
	out := tr.next(t)
	assert.Equal(t, domain.ResponseError, out.Kind)

	tr.in <- []byte(`not json`)
	assert.Equal(t, domain.ResponseError, tr.next(t).Kind)

	tr.in <- commandJSON("still here")
	assert.Equal(t, "still here", tr.next(t).Content)

	close(tr.in)
	waitDone(t, done)
}

func TestSupersede(t *testing.T) {
	store := newFakeStore("s1")
	m := NewManager(store, &echoRunner{}, Options{})

	first := newFakeTransport()
	c1, err := m.Open(context.Background(), "s1", first)
	require.NoError(t, err)
	done1 := serve(m, c1)

	second := newFakeTransport()
	c2, err := m.Open(context.Background(), "s1", second)
	require.NoError(t, err)
	done2 := serve(m, c2)

	waitDone(t, done1)
	assert.Equal(t, CloseSuperseded, c1.Reason())
	assert.Equal(t, CloseSuperseded, first.reason)
	assert.True(t, store.active("s1"))
	assert.Equal(t, 1, m.Count())

	m.Close("s1", CloseNormal)
	waitDone(t, done2)
	assert.Equal(t, CloseNormal, second.reason)
	assert.False(t, store.active("s1"))
}

func TestQueueOverflowIsBusy(t *testing.T) {
	runner := &echoRunner{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	m := NewManager(newFakeStore("s1"), runner, Options{QueueDepth: 1})
	tr := newFakeTransport()
	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	done := serve(m, c)

	tr.in <- commandJSON("one")
	<-runner.started
	tr.in <- commandJSON("two")
	tr.in <- commandJSON("three")

	busy := tr.next(t)
	assert.Equal(t, domain.ResponseError, busy.Kind)
	assert.Contains(t, busy.Content, "still working")

	runner.gate <- struct{}{}
	assert.Equal(t, "one", tr.next(t).Content)
	<-runner.started
	runner.gate <- struct{}{}
	assert.Equal(t, "two", tr.next(t).Content)

	close(tr.in)
	waitDone(t, done)
	assert.EqualValues(t, 2, runner.runs.Load())
}

func TestResponseDroppedAfterClose(t *testing.T) {
	runner := &echoRunner{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	m := NewManager(newFakeStore("s1"), runner, Options{})
	tr := newFakeTransport()
	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	done := serve(m, c)

	tr.in <- commandJSON("slow")
	<-runner.started
	m.Close("s1", CloseNormal)
	runner.gate <- struct{}{}
	waitDone(t, done)

	assert.EqualValues(t, 1, runner.runs.Load())
	assert.Empty(t, tr.sent)
	assert.ErrorIs(t, m.Send(context.Background(), "s1", domain.OutboundFrame{}), ErrConnectionClosed)
}

func TestHeartbeatTimeout(t *testing.T) {
	store := newFakeStore("s1")
	m := NewManager(store, &echoRunner{}, Options{HeartbeatInterval: 20 * time.Millisecond, MissedLimit: 2})
	tr := newFakeTransport()
	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	done := serve(m, c)

	waitDone(t, done)
	assert.Equal(t, CloseTimeout, c.Reason())
	assert.False(t, store.active("s1"))
}

func TestSessionNotFoundDuringRun(t *testing.T) {
	runner := &echoRunner{err: domain.ErrSessionNotFound}
	m := NewManager(newFakeStore("s1"), runner, Options{})
	tr := newFakeTransport()
	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	done := serve(m, c)

	tr.in <- commandJSON("anyone there")
	tr.next(t)
	waitDone(t, done)
	assert.Equal(t, CloseSessionNotFound, c.Reason())
}

func TestSendToConnectedSession(t *testing.T) {
	m := NewManager(newFakeStore("s1"), &echoRunner{}, Options{})
	tr := newFakeTransport()
	c, err := m.Open(context.Background(), "s1", tr)
	require.NoError(t, err)
	done := serve(m, c)

	require.True(t, m.Connected("s1"))
	err = m.Send(context.Background(), "s1", domain.OutboundFrame{Kind: domain.ResponseProactive, Content: "Still there?", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseProactive, tr.next(t).Kind)

	m.Shutdown()
	waitDone(t, done)
	assert.Equal(t, CloseShutdown, c.Reason())
}
