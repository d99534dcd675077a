package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// UDPMTUSize bounds outgoing datagrams; larger messages should move to a
	// congestion controlled transport - RFC 3261 18.1.1.
	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("size of packet larger than MTU")
)

// UDPTransport - RFC 3261 18 over datagrams.
type UDPTransport struct {
	parser    *Parser
	pool      *connectionPool
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(par *Parser) *UDPTransport {
	t := &UDPTransport{
		parser: par,
		pool:   newConnectionPool(),
	}
	t.log = DefaultLogger().With().Str("caller", "transport<UDP>").Logger()
	return t
}

func (t *UDPTransport) String() string {
	return "transport<UDP>"
}

func (t *UDPTransport) Network() string {
	return TransportUDP
}

func (t *UDPTransport) Close() error {
	t.pool.Clear()
	for _, l := range t.listeners {
		l.Close()
	}
	t.listeners = nil
	return nil
}

// Serve reads datagrams off conn until it closes. The same socket doubles
// as the sending side of every transaction bound to it.
func (t *UDPTransport) Serve(conn net.PacketConn, handler MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), conn.LocalAddr().String())

	c := &UDPConnection{PacketConn: conn, PacketAddr: conn.LocalAddr().String()}
	t.listeners = append(t.listeners, c)
	t.readListener(c, handler)
	return nil
}

// GetConnection returns the shared listener socket, or a client dialed
// connection when one exists for addr.
func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	for _, l := range t.listeners {
		if l.PacketAddr == addr {
			return l, nil
		}
	}
	if len(t.listeners) > 0 {
		// Any listener can send to any destination.
		return t.listeners[0], nil
	}
	if conn := t.pool.Get(addr); conn != nil {
		return conn, nil
	}
	return nil, nil
}

// CreateConnection dials a connected UDP socket towards raddr. Used in pure
// client mode when no listener exists.
func (t *UDPTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	uraddr := &net.UDPAddr{
		IP:   raddr.IP,
		Port: raddr.Port,
	}

	var d net.Dialer
	udpconn, err := d.DialContext(ctx, "udp", uraddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	c := &UDPConnection{
		Conn:     udpconn,
		refcount: 1 + IdleConnection,
	}

	addr := uraddr.String()
	t.log.Debug().Str("raddr", addr).Msg("New connection")

	t.pool.Add(addr, c)
	go t.readConnected(c, handler)
	return c, nil
}

func (t *UDPTransport) readListener(conn *UDPConnection, handler MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer conn.Close()
	for {
		num, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		t.parseAndHandle(data, raddr.String(), handler)
	}
}

func (t *UDPTransport) readConnected(conn *UDPConnection, handler MessageHandler) {
	buf := make([]byte, transportBufferSize)
	raddr := conn.Conn.RemoteAddr().String()
	defer t.pool.CloseAndDelete(conn, raddr)

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Msg("Read connection error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		t.parseAndHandle(data, raddr, handler)
	}
}

func (t *UDPTransport) parseAndHandle(data []byte, src string, handler MessageHandler) {
	// Keep alives are one or two CRLF.
	if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
		return
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("src", src).Msg("failed to parse")
		return
	}

	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg)
}

// UDPConnection wraps either a shared listener socket (PacketConn) or a
// client dialed, connected socket (Conn).
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string
	Conn       net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) Ref(i int) int {
	// For now keep udp single listener with no closing
	return 0
}

func (c *UDPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return c.PacketConn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	// Listener sockets are shared across all transactions and never
	// refcounted away.
	return 0, nil
}

func (c *UDPConnection) Read(b []byte) (n int, err error) {
	return c.Conn.Read(b)
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	return c.PacketConn.ReadFrom(b)
}

// WriteMsg serializes and sends msg to its Destination.
func (c *UDPConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	msg.StringWrite(buf)
	data := buf.Bytes()
	if len(data) > UDPMTUSize {
		return ErrUDPMTUCongestion
	}

	if c.Conn != nil {
		n, err := c.Conn.Write(data)
		if err != nil {
			return fmt.Errorf("udp conn write err=%w", err)
		}
		if n < len(data) {
			return fmt.Errorf("udp conn short write: wrote %d of %d", n, len(data))
		}
		return nil
	}

	dest := msg.Destination()
	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("resolve destination %q err=%w", dest, err)
	}

	n, err := c.PacketConn.WriteTo(data, raddr)
	if err != nil {
		return fmt.Errorf("udp write to %q err=%w", dest, err)
	}
	if n < len(data) {
		return fmt.Errorf("udp short write: wrote %d of %d", n, len(data))
	}
	return nil
}

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}
