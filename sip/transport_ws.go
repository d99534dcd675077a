package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// WebSocketProtocols is offered during the handshake. Clients must accept
// protocol sip - RFC 7118.
var WebSocketProtocols = []string{"sip"}

// WSTransport - SIP over WebSocket, RFC 7118.
type WSTransport struct {
	parser *Parser
	pool   *connectionPool
	dialer ws.Dialer

	listener net.Listener
	log      zerolog.Logger
}

func NewWSTransport(par *Parser) *WSTransport {
	t := &WSTransport{
		parser: par,
		pool:   newConnectionPool(),
		dialer: ws.DefaultDialer,
	}
	t.dialer.Protocols = WebSocketProtocols
	t.log = DefaultLogger().With().Str("caller", "transport<WS>").Logger()
	return t
}

func (t *WSTransport) String() string {
	return "transport<WS>"
}

func (t *WSTransport) Network() string {
	return TransportWS
}

func (t *WSTransport) Close() error {
	t.pool.Clear()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Serve upgrades accepted connections and reads frames until close.
func (t *WSTransport) Serve(l net.Listener, handler MessageHandler) error {
	t.listener = l
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())

	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})
	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Accept stopped")
			return err
		}

		raddr := conn.RemoteAddr().String()
		if _, err := u.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Str("raddr", raddr).Msg("Fail to upgrade")
			conn.Close()
			continue
		}

		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *WSTransport) initConnection(conn net.Conn, raddr string, clientSide bool, handler MessageHandler) Connection {
	c := &WSConnection{
		Conn:       conn,
		clientSide: clientSide,
		refcount:   1 + IdleConnection,
	}
	t.pool.Add(raddr, c)
	go t.readConnection(c, raddr, handler)
	return c
}

func (t *WSTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

func (t *WSTransport) CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error) {
	addr := raddr.String()
	conn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}
	t.log.Debug().Str("raddr", addr).Msg("New connection")
	return t.initConnection(conn, addr, true, handler), nil
}

func (t *WSTransport) readConnection(conn *WSConnection, raddr string, handler MessageHandler) {
	defer func() {
		if ref, _ := conn.TryClose(); ref > 0 {
			return
		}
		t.pool.Del(raddr)
	}()

	for {
		data, err := conn.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Read connection closed")
				return
			}
			t.log.Error().Err(err).Str("raddr", raddr).Msg("WS read error")
			return
		}
		if data == nil {
			// control frame handled
			continue
		}

		if len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0 {
			continue
		}

		msg, err := t.parser.ParseSIP(data)
		if err != nil {
			t.log.Error().Err(err).Str("raddr", raddr).Msg("failed to parse")
			continue
		}

		msg.SetTransport(TransportWS)
		msg.SetSource(raddr)
		handler(msg)
	}
}

type WSConnection struct {
	net.Conn

	clientSide bool
	mu         sync.RWMutex
	refcount   int
}

func (c *WSConnection) Ref(i int) int {
	c.mu.Lock()
	c.refcount += i
	ref := c.refcount
	c.mu.Unlock()
	return ref
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()
	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		return 0, nil
	}
	return 0, c.Conn.Close()
}

// readFrame returns one data frame payload, or nil after consuming a
// control frame.
func (c *WSConnection) readFrame() ([]byte, error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}

	header, err := ws.ReadHeader(c.Conn)
	if err != nil {
		return nil, err
	}

	if header.OpCode == ws.OpClose {
		return nil, io.EOF
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(c.Conn, payload); err != nil {
		return nil, err
	}
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpPing {
			f := ws.NewPongFrame(payload)
			if state == ws.StateClientSide {
				f = ws.MaskFrameInPlace(f)
			}
			if err := ws.WriteFrame(c.Conn, f); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	return payload, nil
}

func (c *WSConnection) WriteMsg(msg Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	msg.StringWrite(buf)
	data := buf.Bytes()

	f := ws.NewFrame(ws.OpText, true, data)
	if c.clientSide {
		f = ws.MaskFrameInPlace(f)
	}
	if err := ws.WriteFrame(c.Conn, f); err != nil {
		return fmt.Errorf("ws write err=%w", err)
	}
	return nil
}
