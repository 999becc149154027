// Package realtime manages the bidirectional session channels: one live
// connection per session, a bounded per-session work queue, and heartbeat
// supervision.
package realtime

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// StatusSessionNotFound is the application close code sent when a
// connection names an unknown session.
const StatusSessionNotFound websocket.StatusCode = 4004

// maxFrameBytes bounds one inbound message; screenshots dominate.
const maxFrameBytes = 8 << 20

var errBinaryFrame = errors.New("binary frames are not supported")

// CloseReason is the close code and reason text sent to the client.
type CloseReason struct {
	Code websocket.StatusCode
	Text string
}

// Close reasons.
var (
	CloseNormal          = CloseReason{websocket.StatusNormalClosure, "session ended"}
	CloseTimeout         = CloseReason{websocket.StatusGoingAway, "heartbeat timeout"}
	CloseSuperseded      = CloseReason{websocket.StatusGoingAway, "superseded by a new connection"}
	CloseShutdown        = CloseReason{websocket.StatusGoingAway, "server shutting down"}
	CloseExpired         = CloseReason{websocket.StatusGoingAway, "session expired"}
	CloseUnavailable     = CloseReason{websocket.StatusGoingAway, "session unavailable"}
	CloseProtocolError   = CloseReason{websocket.StatusProtocolError, "protocol error"}
	CloseUnsupportedData = CloseReason{websocket.StatusUnsupportedData, "unsupported data"}
	CloseSessionNotFound = CloseReason{StatusSessionNotFound, "session not found"}
)

// Transport is one message-oriented client channel.
type Transport interface {
	// Read blocks for the next text message.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason CloseReason) error
}

// wsTransport adapts a websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errBinaryFrame
	}
	return data, nil
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason CloseReason) error {
	return t.conn.Close(reason.Code, reason.Text)
}
