package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open socket to the hub. ReadMessage is only called from a
// single reader goroutine; WriteMessage calls are serialised by the Manager.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens sockets to the hub.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocketDialer dials the hub with gorilla/websocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	// WriteControl may run concurrently with WriteMessage
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
