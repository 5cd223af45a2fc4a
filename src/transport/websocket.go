package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsSocket adapts a gorilla websocket connection to the Socket interface.
// Writes are serialized; gorilla allows only one concurrent writer.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebsocketDialer returns the production Dialer backed by gorilla/websocket.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (Socket, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, &CloseError{Code: ClosePolicyViolation, Reason: resp.Status}
			}
			return nil, err
		}
		return &wsSocket{conn: conn}, nil
	}
}

func (s *wsSocket) ReadJSON(v any) error {
	err := s.conn.ReadJSON(v)
	if err == nil {
		return nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &CloseError{Code: websocket.CloseAbnormalClosure, Reason: netErr.Error()}
	}
	return err
}

func (s *wsSocket) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Close(code int, reason string) error {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.writeMu.Unlock()
	return s.conn.Close()
}
