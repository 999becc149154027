package realtime

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/safehands/internal/protocol"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, m *Manager) string {
	t.Helper()
	r := chi.NewRouter()
	r.Handle("/ws/{id}", NewHandler(m, []string{"*"}, false))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandlerUnknownSession(t *testing.T) {
	m := NewManager(newFakeStore(), &echoRunner{}, Options{})
	url := newWSServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/ws/missing", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	assert.Equal(t, StatusSessionNotFound, websocket.CloseStatus(err))
}

func TestHandlerRoundTrip(t *testing.T) {
	m := NewManager(newFakeStore("s1"), &echoRunner{}, Options{})
	url := newWSServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/ws/s1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, commandJSON("over the wire")))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	out, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", out.Content)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerBinaryFrameUnsupported(t *testing.T) {
	m := NewManager(newFakeStore("s1"), &echoRunner{}, Options{})
	url := newWSServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/ws/s1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{0x01}))
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusUnsupportedData, websocket.CloseStatus(err))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHandlerLogsClientIP(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	m := NewManager(newFakeStore(), &echoRunner{}, Options{Logger: logger})
	url := newWSServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/ws/missing", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	_, _, _ = conn.Read(ctx)

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"msg":"Connection refused"`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), `"ip":"127.0.0.1"`)
	assert.Contains(t, logs.String(), `"session_id":"missing"`)
}
