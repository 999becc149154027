package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/safehands/internal/domain"
	"github.com/ashureev/safehands/internal/protocol"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// ErrConnectionClosed is returned when sending to a session without a live
// connection.
var ErrConnectionClosed = errors.New("connection closed")

const writeTimeout = 5 * time.Second

// SessionStore is the session state the manager needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	SetActive(ctx context.Context, sessionID string, active bool) error
}

// Runner executes one pipeline run per inbound frame.
type Runner interface {
	Run(ctx context.Context, frame domain.InboundFrame) (domain.OutboundFrame, error)
}

// Options tune connection supervision.
type Options struct {
	HeartbeatInterval time.Duration
	MissedLimit       int
	QueueDepth        int
	// FrameRate limits inbound frames per second per connection; 0 disables.
	FrameRate float64
	Logger    *slog.Logger
}

// Manager tracks the live connection of each session.
type Manager struct {
	store  SessionStore
	runner Runner
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a connection manager.
func NewManager(store SessionStore, runner Runner, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MissedLimit <= 0 {
		opts.MissedLimit = 2
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:  store,
		runner: runner,
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		conns:  make(map[string]*Conn),
	}
}

// Conn is one live session connection.
type Conn struct {
	sessionID string
	t         Transport
	m         *Manager
	queue     chan domain.InboundFrame
	limiter   *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	reason    CloseReason
	lastBeat  atomic.Int64
}

// SessionID returns the session the connection belongs to.
func (c *Conn) SessionID() string { return c.sessionID }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Reason returns the close reason. It is valid after Done is closed.
func (c *Conn) Reason() CloseReason {
	<-c.closed
	return c.reason
}

// Open registers t as the live connection of sessionID. A prior connection
// for the same session is closed as superseded. It fails with
// domain.ErrSessionNotFound for unknown sessions.
func (m *Manager) Open(ctx context.Context, sessionID string, t Transport) (*Conn, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionUnavailable, err)
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}

	c := &Conn{
		sessionID: sessionID,
		t:         t,
		m:         m,
		queue:     make(chan domain.InboundFrame, m.opts.QueueDepth),
		closed:    make(chan struct{}),
	}
	if m.opts.FrameRate > 0 {
		burst := int(m.opts.FrameRate)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(m.opts.FrameRate), burst)
	}
	c.lastBeat.Store(m.now().UnixNano())

	m.mu.Lock()
	prev := m.conns[sessionID]
	m.conns[sessionID] = c
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("Connection superseded", "session_id", sessionID)
		prev.close(CloseSuperseded)
	}

	if err := m.store.SetActive(ctx, sessionID, true); err != nil {
		m.logger.Warn("Failed to mark session active", "session_id", sessionID, "error", err)
	}
	m.logger.Info("Connection opened", "session_id", sessionID)
	return c, nil
}

// Send writes out to the live connection of sessionID.
func (m *Manager) Send(ctx context.Context, sessionID string, out domain.OutboundFrame) error {
	c := m.get(sessionID)
	if c == nil {
		return ErrConnectionClosed
	}
	return c.send(ctx, out)
}

// Close closes the live connection of sessionID, if any.
func (m *Manager) Close(sessionID string, reason CloseReason) {
	if c := m.get(sessionID); c != nil {
		c.close(reason)
	}
}

// Connected reports whether sessionID has a live connection.
func (m *Manager) Connected(sessionID string) bool {
	return m.get(sessionID) != nil
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every live connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close(CloseShutdown)
	}
}

func (m *Manager) get(sessionID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[sessionID]
}

// release unregisters c and reports whether it was the live connection.
func (m *Manager) release(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.sessionID] != c {
		return false
	}
	delete(m.conns, c.sessionID)
	return true
}

// Serve reads frames from c until it closes. Frames are classified, queued
// and run one at a time; a full queue rejects the newest frame as busy.
// Serve returns once the reader, the worker and the heartbeat watchdog
// have stopped.
func (m *Manager) Serve(ctx context.Context, c *Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.work(ctx, c)
	}()
	go func() {
		defer wg.Done()
		m.watch(c)
	}()

	reason := m.read(ctx, c)
	c.close(reason)
	wg.Wait()
	m.logger.Info("Connection closed", "session_id", c.sessionID, "reason", c.reason.Text)
}

func (m *Manager) read(ctx context.Context, c *Conn) CloseReason {
	for {
		data, err := c.t.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, errBinaryFrame):
				return CloseUnsupportedData
			case ctx.Err() != nil:
				return CloseShutdown
			case websocket.CloseStatus(err) != -1:
				m.logger.Debug("Connection closed by client", "session_id", c.sessionID)
			default:
				select {
				case <-c.closed:
				default:
					m.logger.Warn("Connection read error", "session_id", c.sessionID, "error", err)
				}
			}
			return CloseNormal
		}

		frame, err := protocol.Classify(c.sessionID, data)
		if err != nil {
			m.logger.Debug("Rejected frame", "session_id", c.sessionID, "error", err)
			m.reply(ctx, c, protocol.Rejection(c.sessionID, err, m.now()))
			continue
		}
		if frame.Kind == domain.KindHeartbeat {
			c.lastBeat.Store(m.now().UnixNano())
		}
		if c.limiter != nil && frame.Kind != domain.KindHeartbeat && !c.limiter.Allow() {
			m.reply(ctx, c, protocol.Rejection(c.sessionID, domain.ErrBusy, m.now()))
			continue
		}

		select {
		case c.queue <- frame:
		default:
			m.logger.Warn("Session queue full", "session_id", c.sessionID, "depth", cap(c.queue))
			m.reply(ctx, c, protocol.Rejection(c.sessionID, domain.ErrBusy, m.now()))
		}
	}
}

// work runs queued frames in order. A run in flight when the connection
// closes completes, but its response is dropped.
func (m *Manager) work(ctx context.Context, c *Conn) {
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.queue:
			out, err := m.runner.Run(runCtx, frame)
			m.reply(runCtx, c, out)
			if errors.Is(err, domain.ErrSessionNotFound) {
				c.close(CloseSessionNotFound)
				return
			}
		}
	}
}

func (m *Manager) watch(c *Conn) {
	interval := m.opts.HeartbeatInterval
	limit := time.Duration(m.opts.MissedLimit) * interval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastBeat.Load())
			if m.now().Sub(last) >= limit {
				m.logger.Info("Heartbeat missed", "session_id", c.sessionID, "last_heartbeat", last)
				c.close(CloseTimeout)
				return
			}
		}
	}
}

func (m *Manager) reply(ctx context.Context, c *Conn, out domain.OutboundFrame) {
	if err := c.send(ctx, out); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			m.logger.Debug("Dropped response for closed connection", "session_id", c.sessionID, "kind", out.Kind)
			return
		}
		m.logger.Warn("Failed to send response", "session_id", c.sessionID, "error", err)
	}
}

func (c *Conn) send(ctx context.Context, out domain.OutboundFrame) error {
	data, err := protocol.Encode(out)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.t.Write(wctx, data); err != nil {
		select {
		case <-c.closed:
			return ErrConnectionClosed
		default:
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// close closes the connection once. The session's active flag is cleared
// unless a newer connection has taken over.
func (c *Conn) close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closed)
		if err := c.t.Close(reason); err != nil {
			c.m.logger.Debug("Failed to close transport", "session_id", c.sessionID, "error", err)
		}
		if !c.m.release(c) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := c.m.store.SetActive(ctx, c.sessionID, false); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			c.m.logger.Warn("Failed to clear session active flag", "session_id", c.sessionID, "error", err)
		}
	})
}
