package siptx

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/talkio/siptx/sip"
)

// RequestHandler is the TU callback for server transactions. tx is nil for
// an ACK that belongs to no transaction (the 2xx ACK of a dialog).
type RequestHandler func(req *sip.Request, tx *sip.ServerTx)

// Server routes incoming server transactions onto registered method
// handlers.
type Server struct {
	*UserAgent

	requestHandlers map[sip.RequestMethod]RequestHandler
	log             zerolog.Logger
}

type ServerOption func(srv *Server) error

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(srv *Server) error {
		srv.log = l.With().Str("caller", "Server").Logger()
		return nil
	}
}

func NewServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	srv := &Server{
		UserAgent:       ua,
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		log:             sip.DefaultLogger().With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(srv); err != nil {
			return nil, err
		}
	}

	ua.tx.OnRequest(srv.onRequest)
	return srv, nil
}

// ListenAndServe starts serving the given network ("udp", "tcp", "ws") on
// addr. It blocks until the listener dies or ctx is canceled.
func (srv *Server) ListenAndServe(ctx context.Context, network string, addr string) error {
	return srv.tp.ListenAndServe(ctx, network, addr)
}

// OnRequest registers a handler for a method.
func (srv *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	srv.requestHandlers[method] = handler
}

func (srv *Server) OnInvite(handler RequestHandler) {
	srv.requestHandlers[sip.INVITE] = handler
}

func (srv *Server) OnAck(handler RequestHandler) {
	srv.requestHandlers[sip.ACK] = handler
}

func (srv *Server) OnBye(handler RequestHandler) {
	srv.requestHandlers[sip.BYE] = handler
}

func (srv *Server) OnCancel(handler RequestHandler) {
	srv.requestHandlers[sip.CANCEL] = handler
}

func (srv *Server) OnOptions(handler RequestHandler) {
	srv.requestHandlers[sip.OPTIONS] = handler
}

func (srv *Server) OnRegister(handler RequestHandler) {
	srv.requestHandlers[sip.REGISTER] = handler
}

func (srv *Server) onRequest(req *sip.Request, tx *sip.ServerTx) {
	handler, exists := srv.requestHandlers[req.Method]
	if !exists {
		srv.defaultHandler(req, tx)
		return
	}
	handler(req, tx)
}

// defaultHandler answers methods nobody registered for - RFC 3261 8.2.1.
func (srv *Server) defaultHandler(req *sip.Request, tx *sip.ServerTx) {
	srv.log.Info().Str("method", string(req.Method)).Msg("SIP request handler not found")
	if tx == nil {
		// Out of transaction ACK with no consumer; nothing to answer.
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "Method Not Implemented", nil)
	if err := tx.Respond(res); err != nil {
		srv.log.Error().Err(err).Msg("respond '501 Method Not Implemented' failed")
	}
}
