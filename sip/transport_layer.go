package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrTransportNotSupported = errors.New("transport not supported")
)

// TransportLayer muxes the concrete transports, feeds parsed inbound
// messages up and routes outbound messages to the right connection.
type TransportLayer struct {
	udp *UDPTransport
	tcp *TCPTransport
	ws  *WSTransport

	listenPorts   map[string][]int
	listenPortsMu sync.Mutex
	dnsResolver   *net.Resolver

	handlers []MessageHandler

	log zerolog.Logger
}

type TransportLayerOption func(l *TransportLayer)

// WithTransportLayerLogger overrides the layer logger.
func WithTransportLayerLogger(logger zerolog.Logger) TransportLayerOption {
	return func(l *TransportLayer) {
		l.log = logger.With().Str("caller", "TransportLayer").Logger()
	}
}

// NewTransportLayer creates the transport layer. The resolver is used for
// A/AAAA lookups of request targets; nil uses the system resolver.
func NewTransportLayer(dnsResolver *net.Resolver, sipparser *Parser, options ...TransportLayerOption) *TransportLayer {
	l := &TransportLayer{
		listenPorts: make(map[string][]int),
		dnsResolver: dnsResolver,
		log:         DefaultLogger().With().Str("caller", "TransportLayer").Logger(),
	}

	if sipparser == nil {
		sipparser = NewParser()
	}
	l.udp = NewUDPTransport(sipparser)
	l.tcp = NewTCPTransport(sipparser)
	l.ws = NewWSTransport(sipparser)

	for _, o := range options {
		o(l)
	}
	return l
}

// OnMessage adds an inbound message consumer. The transaction layer
// registers itself here.
func (l *TransportLayer) OnMessage(h MessageHandler) {
	l.handlers = append(l.handlers, h)
}

// ServeMessage lets an externally managed transport inject a parsed message
// into the stack. The message must carry Transport and Source.
func (l *TransportLayer) ServeMessage(msg Message) {
	l.handleMessage(msg)
}

// handleMessage is invoked by every transport read loop.
func (l *TransportLayer) handleMessage(msg Message) {
	if req, ok := msg.(*Request); ok {
		l.stampReceived(req)
	}
	for _, h := range l.handlers {
		h(msg)
	}
}

// stampReceived rewrites the top Via of an inbound request with the
// observed source - RFC 3261 18.2.1 and RFC 3581 4. Responses to this
// request then travel back to where the packet actually came from.
func (l *TransportLayer) stampReceived(req *Request) {
	via := req.Via()
	if via == nil {
		return
	}
	srcHost, srcPort, err := ParseAddr(req.Source())
	if err != nil || srcHost == "" {
		return
	}

	if via.Host != srcHost {
		via.Params.Add("received", srcHost)
	}

	viaPort := via.Port
	if viaPort == 0 {
		viaPort = DefaultPort(req.Transport())
	}
	if rport, ok := via.Params.Get("rport"); (ok && rport == "") || viaPort != srcPort {
		via.Params.Add("rport", strconv.Itoa(srcPort))
	}
}

// ListenAndServe starts serving the given network on addr. It blocks like
// http.Server.ListenAndServe does.
func (l *TransportLayer) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = NetworkToLower(network)

	_, port, err := ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("build address target for %s: %w", addr, err)
	}
	l.addListenPort(network, port)

	switch network {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("listen udp error. err=%w", err)
		}
		return l.udp.Serve(conn, l.handleMessage)
	case "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen tcp error. err=%w", err)
		}
		return l.tcp.Serve(listener, l.handleMessage)
	case "ws":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen ws error. err=%w", err)
		}
		return l.ws.Serve(listener, l.handleMessage)
	}
	return ErrTransportNotSupported
}

func (l *TransportLayer) addListenPort(network string, port int) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	l.listenPorts[network] = append(l.listenPorts[network], port)
}

func (l *TransportLayer) GetListenPort(network string) int {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	ports := l.listenPorts[NetworkToLower(network)]
	if len(ports) > 0 {
		return ports[0]
	}
	return 0
}

// WriteMsg sends the message using its own Transport and Destination.
func (l *TransportLayer) WriteMsg(msg Message) error {
	network := msg.Transport()
	addr := msg.Destination()
	return l.WriteMsgTo(msg, addr, network)
}

func (l *TransportLayer) WriteMsgTo(msg Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *Request:
		conn, err = l.ClientRequestConnection(context.Background(), m)
		if err != nil {
			return err
		}
		defer conn.TryClose()
	case *Response:
		conn, err = l.GetConnection(network, addr)
		if err != nil {
			return err
		}
		if conn == nil {
			return fmt.Errorf("no connection exists for %s %s", network, addr)
		}
	default:
		return fmt.Errorf("unsupported message type")
	}

	return conn.WriteMsg(msg)
}

// ClientRequestConnection resolves the request destination and returns a
// connection able to reach it, dialing one when needed.
func (l *TransportLayer) ClientRequestConnection(ctx context.Context, req *Request) (Connection, error) {
	network := NetworkToLower(req.Transport())
	transport, err := l.transport(network)
	if err != nil {
		return nil, err
	}

	var raddr Addr
	if err := l.resolveAddr(ctx, req.Destination(), &raddr); err != nil {
		return nil, fmt.Errorf("resolve destination %q: %w", req.Destination(), err)
	}
	// Keep responses and the transaction ACK on the resolved address.
	req.SetDestination(raddr.String())

	if conn, _ := transport.GetConnection(raddr.String()); conn != nil {
		conn.Ref(1)
		return conn, nil
	}
	return transport.CreateConnection(ctx, raddr, l.handleMessage)
}

// serverRequestConnection returns the connection an inbound request arrived
// on, which responses must reuse - RFC 3261 18.2.2.
func (l *TransportLayer) serverRequestConnection(req *Request) (Connection, error) {
	network := NetworkToLower(req.Transport())
	transport, err := l.transport(network)
	if err != nil {
		return nil, err
	}
	conn, err := transport.GetConnection(req.Source())
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("no connection exists for source %q", req.Source())
	}
	return conn, nil
}

func (l *TransportLayer) GetConnection(network, addr string) (Connection, error) {
	transport, err := l.transport(NetworkToLower(network))
	if err != nil {
		return nil, err
	}
	return transport.GetConnection(addr)
}

func (l *TransportLayer) transport(network string) (Transport, error) {
	switch network {
	case "udp":
		return l.udp, nil
	case "tcp":
		return l.tcp, nil
	case "ws":
		return l.ws, nil
	}
	return nil, ErrTransportNotSupported
}

func (l *TransportLayer) resolveAddr(ctx context.Context, addr string, dst *Addr) error {
	host, port, err := ParseAddr(addr)
	if err != nil {
		return err
	}
	dst.Port = port
	dst.Hostname = host

	if ip := net.ParseIP(host); ip != nil {
		dst.IP = ip
		return nil
	}

	resolver := l.dnsResolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses found for %q", host)
	}
	dst.IP = ips[0].IP
	return nil
}

func (l *TransportLayer) Close() error {
	var werr error
	for _, t := range []Transport{l.udp, l.tcp, l.ws} {
		if err := t.Close(); err != nil {
			werr = err
		}
	}
	l.log.Debug().Msg("transport layer closed")
	return werr
}
