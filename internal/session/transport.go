package session

import (
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport is the wire a session talks over. The production implementation
// wraps a WebSocket connection; tests substitute an in-memory fake.
type Transport interface {
	// ReadMessage blocks until the next client frame or an error. Pings are
	// answered internally and close frames surface as net.ErrClosed; pongs
	// return (nil, true, nil) so the reader can refresh liveness without a
	// data payload.
	ReadMessage() (payload []byte, pong bool, err error)
	WriteMessage(payload []byte) error
	WritePing() error
	WriteClose(code int, reason string) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsTransport adapts a raw upgraded connection to the Transport interface.
type wsTransport struct {
	conn net.Conn
}

// NewWSTransport wraps an upgraded WebSocket connection.
func NewWSTransport(conn net.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, bool, error) {
	var buf []byte
	for {
		frame, err := ws.ReadFrame(t.conn)
		if err != nil {
			return nil, false, err
		}
		if frame.Header.Masked {
			frame = ws.UnmaskFrame(frame)
		}
		switch frame.Header.OpCode {
		case ws.OpClose:
			return nil, false, net.ErrClosed
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(t.conn, ws.OpPong, frame.Payload); err != nil {
				return nil, false, err
			}
		case ws.OpPong:
			return nil, true, nil
		case ws.OpText, ws.OpBinary, ws.OpContinuation:
			buf = append(buf, frame.Payload...)
			if frame.Header.Fin {
				return buf, false, nil
			}
		}
	}
}

func (t *wsTransport) WriteMessage(payload []byte) error {
	return wsutil.WriteServerMessage(t.conn, ws.OpText, payload)
}

func (t *wsTransport) WritePing() error {
	return wsutil.WriteServerMessage(t.conn, ws.OpPing, nil)
}

func (t *wsTransport) WriteClose(code int, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	return wsutil.WriteServerMessage(t.conn, ws.OpClose, body)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *wsTransport) SetWriteDeadline(d time.Time) error {
	return t.conn.SetWriteDeadline(d)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
