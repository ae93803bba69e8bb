package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
)

// outboundBuffer bounds the packets queued for one connection. When it is
// full further pushes are dropped.
const outboundBuffer = 256

// Transport carries newline-terminated packets in both directions.
type Transport interface {
	ReadLine(timeout time.Duration) (string, error)
	WriteLine(line string, timeout time.Duration) error
	RemoteAddr() string
	Close() error
}

type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, reader: bufio.NewReader(conn)}
}

func (t *tcpTransport) ReadLine(timeout time.Duration) (string, error) {
	if timeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return t.reader.ReadString('\n')
}

func (t *tcpTransport) WriteLine(line string, timeout time.Duration) error {
	if timeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := t.conn.Write([]byte(line))
	return err
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport sends one packet per text frame.
type wsTransport struct {
	conn *websocket.Conn
}

const wsReadLimit = 64 * 1024

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadLimit(wsReadLimit)
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadLine(timeout time.Duration) (string, error) {
	if timeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *wsTransport) WriteLine(line string, timeout time.Duration) error {
	if timeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimSuffix(line, "\n")))
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// Conn is one live client connection. Reads happen on the serving
// goroutine; all writes go through out and a dedicated writer goroutine.
type Conn struct {
	id        string
	transport Transport
	out       chan string
	quit      chan struct{} // drain out, then close
	done      chan struct{} // closed once the transport is closed
	quitOnce  sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	userID   int64
	release  func()
	watching map[int64]bool
}

func newConn(t Transport) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		transport: t,
		out:       make(chan string, outboundBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		watching:  make(map[int64]bool),
	}
}

func (c *Conn) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// send queues a packet. It never blocks: a full queue or a closing
// connection drops the packet.
func (c *Conn) send(line string) bool {
	select {
	case <-c.quit:
		return false
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- line:
		return true
	default:
		jww.WARN.Printf("Dropping packet for %s: outbound queue full", c.transport.RemoteAddr())
		return false
	}
}

func (c *Conn) writeLoop(timeout time.Duration) {
	defer c.close()
	for {
		select {
		case line := <-c.out:
			if err := c.transport.WriteLine(line, timeout); err != nil {
				jww.DEBUG.Printf("Write to %s failed: %v", c.transport.RemoteAddr(), err)
				return
			}
		case <-c.quit:
			for {
				select {
				case line := <-c.out:
					if c.transport.WriteLine(line, timeout) != nil {
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

// finish sends line as the last packet and closes the connection once the
// queue has been written.
func (c *Conn) finish(line string) {
	if line != "" {
		c.send(line)
	}
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}
