package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn's message framing to a continuous
// byte stream. Each websocket message is read as one contiguous
// io.Reader until exhausted, which is what lets wire.ReadFrame's two
// sequential reads (length header, then payload) land inside the same
// message as wire.WriteFrame's single Write call produced.
type wsConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	cur    io.Reader

	writeMu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.cur == nil {
		_, r, err := c.conn.NextReader()
		if err != nil {
			return 0, err
		}
		c.cur = r
	}

	n, err := c.cur.Read(p)
	if err == io.EOF {
		c.cur = nil
		if n > 0 {
			return n, nil
		}
		return c.Read(p)
	}
	return n, err
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("transport: websocket write: %w", err)
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// NewWebSocket wraps an accepted or dialed websocket connection as a
// Transport. Used by the HTTP surface's join upgrade (spec section
// 5) where a browser or thin client can't hold a raw TCP/libp2p
// stream open.
func NewWebSocket(conn *websocket.Conn) Transport {
	return newStreamTransport(&wsConn{conn: conn})
}
