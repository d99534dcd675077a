package sip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// TCPTransport - RFC 3261 18 over streams; messages are framed on
// Content-Length.
type TCPTransport struct {
	parser *Parser
	pool   *connectionPool

	listener net.Listener
	log      zerolog.Logger
}

func NewTCPTransport(par *Parser) *TCPTransport {
	t := &TCPTransport{
		parser: par,
		pool:   newConnectionPool(),
	}
	t.log = DefaultLogger().With().Str("caller", "transport<TCP>").Logger()
	return t
}

func (t *TCPTransport) String() string {
	return "transport<TCP>"
}

func (t *TCPTransport) Network() string {
	return TransportTCP
}

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Serve accepts connections off l until it closes.
func (t *TCPTransport) Serve(l net.Listener, handler MessageHandler) error {
	t.listener = l
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Accept stopped")
			return err
		}

		raddr := conn.RemoteAddr().String()
		t.log.Debug().Str("raddr", raddr).Msg("New connection accept")
		t.initConnection(conn, raddr, handler)
	}
}

func (t *TCPTransport) initConnection(conn net.Conn, raddr string, handler MessageHandler) Connection {
	c := &TCPConnection{
		Conn:     conn,
		refcount: 1 + IdleConnection,
	}
	t.pool.Add(raddr, c)
	go t.readConnection(c, raddr, handler)
	return c
}

// GetConnection returns a pooled connection for a resolved remote addr.
func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

// CreateConnection dials raddr and starts its reader.
func (t *TCPTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	t.log.Debug().Str("raddr", raddr.String()).Msg("New connection")
	return t.initConnection(conn, raddr.String(), handler), nil
}

func (t *TCPTransport) readConnection(conn *TCPConnection, raddr string, handler MessageHandler) {
	reader := bufio.NewReaderSize(conn, transportBufferSize)

	defer func() {
		if ref, _ := conn.TryClose(); ref > 0 {
			return
		}
		t.pool.Del(raddr)
	}()

	for {
		msg, err := t.parser.ParseStream(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Str("raddr", raddr).Msg("Stream parse error, dropping connection")
			conn.Close()
			return
		}

		msg.SetTransport(TransportTCP)
		msg.SetSource(raddr)
		handler(msg)
	}
}

type TCPConnection struct {
	net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		// Over released; keep the socket, the reader owns the final close.
		return 0, nil
	}
	return 0, c.Conn.Close()
}

func (c *TCPConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := c.Conn.Write(data)
	if err != nil {
		return fmt.Errorf("tcp conn write err=%w", err)
	}
	if n < len(data) {
		return fmt.Errorf("tcp conn short write: wrote %d of %d", n, len(data))
	}
	return nil
}
