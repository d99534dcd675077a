// Package siptx is a RFC 3261 transaction layer with the thin user agent
// glue needed to drive it: transports below, TU handlers above.
package siptx

import (
	"net"

	"github.com/talkio/siptx/sip"
)

// UserAgent owns the transport and transaction layers every Server and
// Client of one process shares.
type UserAgent struct {
	name        string
	hostname    string
	dnsResolver *net.Resolver

	parser *sip.Parser
	tp     *sip.TransportLayer
	tx     *sip.TransactionLayer
}

type UserAgentOption func(ua *UserAgent) error

// WithUserAgent sets the user agent name returned by Name. No User-Agent
// header is added to outgoing messages.
func WithUserAgent(name string) UserAgentOption {
	return func(ua *UserAgent) error {
		ua.name = name
		return nil
	}
}

// WithHostname sets the host written into locally generated Via headers.
func WithHostname(hostname string) UserAgentOption {
	return func(ua *UserAgent) error {
		ua.hostname = hostname
		return nil
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(ua *UserAgent) error {
		ua.dnsResolver = r
		return nil
	}
}

func WithParser(p *sip.Parser) UserAgentOption {
	return func(ua *UserAgent) error {
		ua.parser = p
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	ua := &UserAgent{
		name:     "siptx",
		hostname: "127.0.0.1",
	}

	for _, o := range options {
		if err := o(ua); err != nil {
			return nil, err
		}
	}

	if ua.parser == nil {
		ua.parser = sip.NewParser()
	}
	ua.tp = sip.NewTransportLayer(ua.dnsResolver, ua.parser)
	ua.tx = sip.NewTransactionLayer(ua.tp)
	return ua, nil
}

func (ua *UserAgent) Name() string {
	return ua.name
}

func (ua *UserAgent) Hostname() string {
	return ua.hostname
}

func (ua *UserAgent) TransportLayer() *sip.TransportLayer {
	return ua.tp
}

func (ua *UserAgent) TransactionLayer() *sip.TransactionLayer {
	return ua.tx
}

// Close tears down both layers; transactions first so terminations can
// still reach the wire.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}
