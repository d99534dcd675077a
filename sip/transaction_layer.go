package sip

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// RequestHandler consumes new server transactions. tx is nil for an ACK
// that matched no transaction: the ACK to a 2xx belongs to the dialog and
// is handed to the TU as is - RFC 3261 17.1.1.
type RequestHandler func(req *Request, tx *ServerTx)

// UnhandledResponseHandler consumes responses that matched no client
// transaction: retransmitted 2xx finals and late arrivals. The client key
// is absent by definition.
type UnhandledResponseHandler func(res *Response)

func defaultRequestHandler(r *Request, tx *ServerTx) {
	DefaultLogger().Info().Str("caller", "TransactionLayer").Str("msg", r.Short()).Msg("Unhandled sip request. OnRequest handler not added")
}

func defaultUnhandledRespHandler(r *Response) {
	DefaultLogger().Info().Str("caller", "TransactionLayer").Str("msg", r.Short()).Msg("Unhandled sip response. Possible retransmission. Set UnhandledResponseHandler")
}

// TransactionLayer demultiplexes transport messages onto live transactions
// and creates them on demand - RFC 3261 17.
type TransactionLayer struct {
	tpl           *TransportLayer
	reqHandler    RequestHandler
	unRespHandler UnhandledResponseHandler

	clientTxs *txStore[*ClientTx]
	serverTxs *txStore[*ServerTx]

	log zerolog.Logger
}

type TransactionLayerOption func(txl *TransactionLayer)

func WithTransactionLayerLogger(l zerolog.Logger) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		txl.log = l.With().Str("caller", "TransactionLayer").Logger()
	}
}

func WithTransactionLayerUnhandledResponseHandler(f UnhandledResponseHandler) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		txl.unRespHandler = f
	}
}

func NewTransactionLayer(tpl *TransportLayer, options ...TransactionLayerOption) *TransactionLayer {
	txl := &TransactionLayer{
		tpl:           tpl,
		clientTxs:     newTxStore[*ClientTx](),
		serverTxs:     newTxStore[*ServerTx](),
		reqHandler:    defaultRequestHandler,
		unRespHandler: defaultUnhandledRespHandler,
	}
	txl.log = DefaultLogger().With().Str("caller", "TransactionLayer").Logger()

	for _, o := range options {
		o(txl)
	}

	// All transport messages flow through this transaction layer.
	tpl.OnMessage(txl.handleMessage)
	return txl
}

// OnRequest sets the TU entry point for server transactions.
func (txl *TransactionLayer) OnRequest(h RequestHandler) {
	txl.reqHandler = h
}

// UnhandledResponseHandler sets the TU entry point for unmatched responses.
func (txl *TransactionLayer) UnhandledResponseHandler(f UnhandledResponseHandler) {
	txl.unRespHandler = f
}

// handleMessage is the transport entry. Each message forks so one blocked
// transaction never stalls the read loop or sibling transactions.
func (txl *TransactionLayer) handleMessage(msg Message) {
	switch msg := msg.(type) {
	case *Request:
		go txl.handleRequestBackground(msg)
	case *Response:
		go txl.handleResponseBackground(msg)
	default:
		txl.log.Error().Msg("unsupported message, skip it")
	}
}

func (txl *TransactionLayer) handleRequestBackground(req *Request) {
	if err := txl.handleRequest(req); err != nil {
		txl.log.Error().Err(err).Str("req", req.StartLine()).Msg("Server tx failed to handle request")
	}
}

func (txl *TransactionLayer) handleRequest(req *Request) error {
	if req.IsCancel() {
		// A CANCEL matches the transaction built from it with the method
		// replaced - RFC 3261 9.2. Only INVITE is cancellable here.
		key, err := MakeServerTxKey(req, INVITE)
		if err != nil {
			return fmt.Errorf("make key failed: %w", err)
		}

		if tx, exists := txl.serverTxs.get(key.String()); exists {
			// Drives the INVITE transaction to 487.
			if err := tx.Receive(req); err != nil {
				return fmt.Errorf("failed to receive req: %w", err)
			}
			// The CANCEL itself is answered 200 on the same connection.
			if err := tx.Connection().WriteMsg(NewResponseFromRequest(req, StatusOK, "OK", nil)); err != nil {
				return fmt.Errorf("failed to respond 200 for CANCEL: %w", err)
			}
			return nil
		}
		// No pending transaction: proceed as a normal request and let the
		// TU decide what this CANCEL means.
	}

	key, err := MakeServerTxKey(req, "")
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	if tx, exists := txl.serverTxs.get(key.String()); exists {
		return tx.Receive(req)
	}

	if req.IsAck() {
		// ACK to a 2xx final: out of transaction by design, the dialog
		// layer above owns it.
		txl.reqHandler(req, nil)
		return nil
	}

	return txl.serverTxCreate(req, key)
}

func (txl *TransactionLayer) serverTxCreate(req *Request, key ServerTxKey) error {
	conn, err := txl.tpl.serverRequestConnection(req)
	if err != nil {
		return fmt.Errorf("server tx get connection failed: %w", err)
	}

	tx := NewServerTx(key, req, conn, txl.log)
	if winner, fresh := txl.serverTxs.putIfAbsent(key.String(), tx); !fresh {
		// Lost the registration race against a parallel retransmission.
		return winner.Receive(req)
	}

	tx.OnTerminate(func(k string, err error) {
		txl.serverTxs.compareAndDrop(k, tx)
	})

	if err := tx.Init(); err != nil {
		txl.serverTxs.compareAndDrop(key.String(), tx)
		return err
	}

	txl.reqHandler(req, tx)
	return nil
}

func (txl *TransactionLayer) handleResponseBackground(res *Response) {
	if err := txl.handleResponse(res); err != nil {
		txl.log.Error().Err(err).Msg("Client tx failed to handle response")
	}
}

func (txl *TransactionLayer) handleResponse(res *Response) error {
	key, err := MakeClientTxKey(res)
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	tx, exists := txl.clientTxs.get(key.String())
	if !exists {
		// RFC 3261 17.1.1.2: unmatched responses go straight to the TU.
		txl.unRespHandler(res)
		return nil
	}

	tx.Receive(res)
	return nil
}

// Request starts a client transaction for req and sends it. ACKs are
// refused: the transaction layer only ever sends them itself, for non-2xx
// finals.
func (txl *TransactionLayer) Request(ctx context.Context, req *Request) (*ClientTx, error) {
	if req.IsAck() {
		return nil, ErrTransactionACKNotAllowed
	}

	key, err := MakeClientTxKey(req)
	if err != nil {
		return nil, err
	}

	conn, err := txl.tpl.ClientRequestConnection(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("client transaction failed to request connection: %w", err)
	}

	tx := NewClientTx(key, req, conn, txl.log)
	if _, fresh := txl.clientTxs.putIfAbsent(key.String(), tx); !fresh {
		conn.TryClose()
		return nil, fmt.Errorf("client transaction %q: %w", key.String(), ErrTransactionExists)
	}

	tx.OnTerminate(func(k string, err error) {
		txl.clientTxs.compareAndDrop(k, tx)
	})

	if err := tx.Init(); err != nil {
		tx.Terminate()
		return nil, err
	}
	return tx, nil
}

// Respond passes a response into the matching server transaction.
func (txl *TransactionLayer) Respond(res *Response) (*ServerTx, error) {
	key, err := MakeServerTxKey(res, "")
	if err != nil {
		return nil, err
	}

	tx, exists := txl.serverTxs.get(key.String())
	if !exists {
		return nil, ErrTransactionNotExists
	}

	if err := tx.Respond(res); err != nil {
		return nil, err
	}
	return tx, nil
}

// Terminate administratively cancels the transaction with the given key.
func (txl *TransactionLayer) Terminate(key TxKey) bool {
	switch k := key.(type) {
	case ClientTxKey:
		if tx, exists := txl.clientTxs.get(k.String()); exists {
			tx.Terminate()
			return true
		}
	case ServerTxKey:
		if tx, exists := txl.serverTxs.get(k.String()); exists {
			tx.Terminate()
			return true
		}
	}
	return false
}

// TransportError injects an asynchronous transport failure into the
// transaction with the given key, if it is still alive.
func (txl *TransactionLayer) TransportError(key TxKey, err error) {
	switch k := key.(type) {
	case ClientTxKey:
		if tx, exists := txl.clientTxs.get(k.String()); exists {
			tx.fsmSpinError(clientInputTransportErr, wrapTransportError(err))
		}
	case ServerTxKey:
		if tx, exists := txl.serverTxs.get(k.String()); exists {
			tx.fsmSpinError(serverInputTransportErr, wrapTransportError(err))
		}
	}
}

func (txl *TransactionLayer) Transport() *TransportLayer {
	return txl.tpl
}

func (txl *TransactionLayer) Close() {
	txl.clientTxs.terminateAll()
	txl.serverTxs.terminateAll()
	txl.log.Debug().Msg("transaction layer closed")
}
