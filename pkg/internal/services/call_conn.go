package services

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

const (
	connSendBuffer   = 32
	connWriteTimeout = 5 * time.Second
)

// SignalConn is one browser tab's live link into a session worker. All
// writes funnel through a single pump goroutine so the socket is never
// written from two goroutines at once.
type SignalConn interface {
	Send(packet models.ServerPacket)
	Close()
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewSignalConn(conn *websocket.Conn) SignalConn {
	c := &wsSignalConn{
		conn: conn,
		send: make(chan []byte, connSendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send never blocks the session worker; a client too slow to drain its
// buffer simply loses frames until it catches up.
func (c *wsSignalConn) Send(packet models.ServerPacket) {
	select {
	case <-c.done:
	case c.send <- packet.Marshal():
	default:
	}
}

func (c *wsSignalConn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *wsSignalConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			// Terminal packets are queued right before Close on the same
			// worker step; flush them before saying goodbye.
			for {
				select {
				case data := <-c.send:
					if err := c.write(data); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second),
					)
					return
				}
			}
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		}
	}
}

func (c *wsSignalConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
