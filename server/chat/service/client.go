package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

const writeTimeout = 5 * time.Second

// wsConn is the slice of *websocket.Conn the session core needs, so the
// event handlers stay testable without a live transport.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is the per-connection state object handed to every event handler.
// Writes are serialized by a mutex; reads happen on the connection's own
// goroutine only.
type Client struct {
	UserID string

	conn   wsConn
	mu     sync.Mutex
	closed bool
}

func NewClient(userID string, conn wsConn) *Client {
	return &Client{UserID: userID, conn: conn}
}

// SendEvent writes one envelope to the connection. Errors are logged and
// swallowed: a dead peer is detected by its own read loop, never by a
// sender on another connection.
func (c *Client) SendEvent(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			commonlog.Errorf("event=ws_client action=encode status=failed event_name=%s error=%v", event, err)
			return
		}
		raw = b
	}
	frame, err := json.Marshal(domain.Envelope{Event: event, Data: raw})
	if err != nil {
		commonlog.Errorf("event=ws_client action=encode status=failed event_name=%s error=%v", event, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		commonlog.Warnf("event=ws_client action=write status=failed user_id=%s event_name=%s error=%v", c.UserID, event, err)
	}
}

func (c *Client) SendError(sourceEvent string, err error) {
	c.SendEvent(domain.EventError, domain.ErrorEvent{
		Kind:    domain.KindOf(err),
		Message: domain.MessageOf(err),
		Event:   sourceEvent,
	})
}

// Close shuts the transport down; safe to call more than once and from any
// goroutine (a superseding registration closes the old client this way).
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
