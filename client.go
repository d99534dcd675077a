package siptx

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/talkio/siptx/sip"
)

// Client starts client transactions for TU built requests.
type Client struct {
	*UserAgent

	log zerolog.Logger
}

type ClientOption func(c *Client) error

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = l.With().Str("caller", "Client").Logger()
		return nil
	}
}

func NewClient(ua *UserAgent, options ...ClientOption) (*Client, error) {
	c := &Client{
		UserAgent: ua,
		log:       sip.DefaultLogger().With().Str("caller", "Client").Logger(),
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TransactionRequest sends the request through a new client transaction.
// A topmost Via with a fresh branch and a Max-Forwards are added when the
// TU left them out - RFC 3261 8.1.1.7.
//
// Returned transaction must be terminated by caller (or reach a terminal
// state on its own) to free resources.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request) (*sip.ClientTx, error) {
	c.ensureVia(req)
	c.ensureMaxForwards(req)
	return c.tx.Request(ctx, req)
}

// WriteRequest sends the request directly over the transport, with no
// transaction. This is how the dialog ACK for a 2xx travels.
func (c *Client) WriteRequest(req *sip.Request) error {
	c.ensureVia(req)
	return c.tp.WriteMsg(req)
}

func (c *Client) ensureVia(req *sip.Request) {
	if via := req.Via(); via != nil {
		if !via.Params.Has("branch") {
			via.Params.Add("branch", sip.GenerateBranch())
		}
		return
	}

	via := &sip.ViaHeader{
		Transport: req.Transport(),
		Host:      c.hostname,
		Port:      c.tp.GetListenPort(req.Transport()),
		Params:    sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.PrependHeader(via)
}

func (c *Client) ensureMaxForwards(req *sip.Request) {
	if req.GetHeader("Max-Forwards") != nil {
		return
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
}
