package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second

	maxFrameBytes = 512 * 1024

	// sendSlack is the headroom a client's outbound queue keeps beyond
	// its initial snapshot. Droppable frames (typing, status) are shed
	// when it fills; an essential frame that cannot be queued cuts the
	// connection so the client reconnects and resyncs.
	sendSlack = 256
)

// CloseSlowClient is the close code sent to a client that stopped
// draining essential events.
const CloseSlowClient = 4008

// outFrame is one queued WebSocket payload.
type outFrame struct {
	data      []byte
	droppable bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan outFrame

	kick     chan struct{}
	kickOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	if buffer <= 0 {
		buffer = sendSlack
	}
	return &client{
		id:   id,
		conn: conn,
		send: make(chan outFrame, buffer),
		kick: make(chan struct{}),
	}
}

// enqueue hands a frame to the writer. Droppable frames are shed when the
// client is backed up; an essential frame that finds the queue full kicks
// the client instead, since silently skipping it would desync the UI.
func (c *client) enqueue(f outFrame) {
	select {
	case <-c.kick:
		return
	default:
	}
	select {
	case c.send <- f:
	default:
		if f.droppable {
			return
		}
		c.kickSlow()
	}
}

func (c *client) kickSlow() {
	c.kickOnce.Do(func() { close(c.kick) })
}

// writePump owns every write on the socket, including pings and the final
// close frame. It exits when the connection errors or the client is
// kicked; closing the connection unblocks the read side.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.kick:
			msg := websocket.FormatCloseMessage(CloseSlowClient, "event queue overflow")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
