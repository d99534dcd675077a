package sip

import (
	"context"
	"net"
	"strconv"
	"sync"
)

const (
	// Transport names for setting message Transport. Upper case on messages,
	// lower case on the network facing APIs.
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	DefaultProtocol = TransportUDP

	transportBufferSize = 65535
)

var (
	// IdleConnection keeps client created connections open after the owning
	// transaction terminates. Zero closes them with the transaction.
	IdleConnection = 1
)

// Transport implements network specific features behind a common surface.
type Transport interface {
	Network() string
	// GetConnection returns an existing connection for resolved addr ip:port.
	GetConnection(addr string) (Connection, error)
	// CreateConnection dials or binds a new connection towards raddr.
	CreateConnection(ctx context.Context, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Connection is the writable end of a transport link. The reference count
// prevents pooled connections closing under an active transaction.
type Connection interface {
	// WriteMsg serializes the message and sends it on the socket.
	WriteMsg(msg Message) error
	// Ref adds i references.
	Ref(i int) int
	// TryClose drops a reference and closes when none remain. Returns the
	// remaining count.
	TryClose() (int, error)
	Close() error
}

type Addr struct {
	IP       net.IP
	Port     int
	Hostname string
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// ParseAddr splits a host:port string.
func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, 0, err
	}
	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// DefaultPort returns the well known port of a transport - RFC 3261 18.
func DefaultPort(transport string) int {
	switch ASCIIToUpper(transport) {
	case TransportTLS:
		return 5061
	case TransportWS:
		return 80
	case TransportWSS:
		return 443
	default:
		return 5060
	}
}

// IsReliable reports whether the transport is connection oriented, which
// disables transaction retransmissions - RFC 3261 17.
func IsReliable(network string) bool {
	switch ASCIIToUpper(network) {
	case TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// NetworkToLower normalizes a transport name to the net package form.
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	default:
		return ASCIIToLower(network)
	}
}

// connectionPool maps resolved remote addrs to live connections.
type connectionPool struct {
	items map[string]Connection
	mu    sync.RWMutex
}

func newConnectionPool() *connectionPool {
	return &connectionPool{
		items: make(map[string]Connection),
	}
}

func (p *connectionPool) Add(addr string, c Connection) {
	p.mu.Lock()
	p.items[addr] = c
	p.mu.Unlock()
}

func (p *connectionPool) Get(addr string) Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.items[addr]
}

func (p *connectionPool) Del(addr string) {
	p.mu.Lock()
	delete(p.items, addr)
	p.mu.Unlock()
}

func (p *connectionPool) CloseAndDelete(c Connection, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := c.TryClose(); err != nil {
		c.Close()
	}
	delete(p.items, addr)
}

func (p *connectionPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.items {
		c.Close()
	}
	p.items = make(map[string]Connection)
}
