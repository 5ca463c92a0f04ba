package frame

import (
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to the MessageConn
// interface. Websocket delivers whole messages in order, which is exactly
// the buffer contract the frame layer needs.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn wraps conn for use as a frame transport.
func NewWebsocketConn(conn *websocket.Conn) MessageConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, buf, err := w.conn.ReadMessage()
	return buf, err
}

func (w *wsConn) WriteMessage(buf []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, buf)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
