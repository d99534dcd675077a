package sip

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var _ ServerTransaction = (*ServerTx)(nil)

// ServerTx drives one server transaction: INVITE per RFC 3261 17.2.1,
// non-INVITE per 17.2.2.
type ServerTx struct {
	baseTx
	id       ServerTxKey
	reliable bool

	acks     chan *Request
	onCancel func(r *Request)

	// retransTimer is Timer G: INVITE final response retransmissions.
	retransTimer *time.Timer
	retransIn    time.Duration
	// timeoutTimer is Timer H for INVITE, Timer J for non-INVITE.
	timeoutTimer *time.Timer
	// waitTimer is Timer I: the ACK absorption window in Confirmed.
	waitTimer *time.Timer
	waitIn    time.Duration
	// provisionTimer auto sends 100 Trying when the TU stays quiet
	// - RFC 3261 17.2.1.
	provisionTimer *time.Timer

	closeOnce sync.Once
}

func NewServerTx(key ServerTxKey, origin *Request, conn Connection, logger zerolog.Logger) *ServerTx {
	tx := &ServerTx{}
	tx.key = key.String()
	tx.id = key
	tx.conn = conn
	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

// ID returns the typed transaction key.
func (tx *ServerTx) ID() ServerTxKey {
	return tx.id
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if !tx.reliable {
		tx.retransIn = Timer_G
		tx.waitIn = Timer_I
	}
	if tx.origin.IsInvite() {
		tx.provisionTimer = time.AfterFunc(Timer_1xx, func() {
			trying := NewResponseFromRequest(tx.origin, StatusTrying, "Trying", nil)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
			}
		})
	}
	tx.mu.Unlock()

	metricServerTxActive.Inc()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Server transaction initialized")
	return nil
}

func (tx *ServerTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateProceeding)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

// Receive runs an inbound request through the machine: retransmissions,
// the ACK to a non-2xx final, or a CANCEL.
// NOTE: it can block on the TU consuming Acks, so callers fan out per
// message.
func (tx *ServerTx) Receive(req *Request) error {
	var input fsmInput
	switch {
	case req.Method == tx.origin.Method:
		input = serverInputRequest
	case req.IsAck():
		input = serverInputAck
	case req.IsCancel():
		input = serverInputCancel
	default:
		tx.fsmSpinError(serverInputInvalidMethod, ErrTransactionInvalidMethod)
		return ErrTransactionInvalidMethod
	}

	tx.fsmSpinRequest(input, req)
	return nil
}

// Respond sends a response through the transaction. It is expected to be
// prebuilt with correct headers; use NewResponseFromRequest.
func (tx *ServerTx) Respond(res *Response) error {
	if res.IsCancel() {
		// 200 for CANCEL goes straight out, it has its own transaction.
		return tx.conn.WriteMsg(res)
	}

	tx.mu.Lock()
	if tx.provisionTimer != nil {
		tx.provisionTimer.Stop()
		tx.provisionTimer = nil
	}
	tx.mu.Unlock()

	var input fsmInput
	switch {
	case res.IsProvisional():
		input = serverInputUser1xx
	case res.IsSuccess():
		input = serverInputUser2xx
	default:
		input = serverInputUser300Plus
	}
	tx.fsmSpinResponse(input, res)

	// Surface a transport failure of this very send. A transaction that
	// terminated regularly (2xx handoff, Timer J) is not an error here.
	if err := tx.Err(); errors.Is(err, ErrTransactionTransport) {
		return err
	}
	return nil
}

// Acks surfaces the ACK to a non-2xx final response.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
	case tx.acks <- r:
	}
}

// OnCancel registers a CANCEL observer. The transaction answers the INVITE
// with 487 on its own; the observer is informational.
func (tx *ServerTx) OnCancel(f func(r *Request)) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	select {
	case <-tx.done:
		return false
	default:
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Connection() Connection {
	return tx.conn
}

func (tx *ServerTx) Terminate() {
	if tx.delete(ErrTransactionTerminated) {
		tx.fsmMu.Lock()
		if tx.fsmErr == nil {
			tx.fsmErr = ErrTransactionTerminated
		}
		tx.fsmMu.Unlock()
	}
}

// TerminateGracefully lets the retransmission window drain before shutdown
// when a final response is in flight.
func (tx *ServerTx) TerminateGracefully() {
	if tx.reliable {
		tx.Terminate()
		return
	}

	tx.fsmMu.Lock()
	finalized := tx.fsmResp != nil && !tx.fsmResp.IsProvisional()
	tx.fsmMu.Unlock()
	if !finalized {
		tx.Terminate()
		return
	}
	<-tx.Done()
}

func (tx *ServerTx) delete(err error) bool {
	deleted := false
	tx.closeOnce.Do(func() {
		deleted = true
		tx.mu.Lock()
		tx.closed = true
		close(tx.done)
		onterm := tx.onTerminate

		if tx.retransTimer != nil {
			tx.retransTimer.Stop()
			tx.retransTimer = nil
		}
		if tx.timeoutTimer != nil {
			tx.timeoutTimer.Stop()
			tx.timeoutTimer = nil
		}
		if tx.waitTimer != nil {
			tx.waitTimer.Stop()
			tx.waitTimer = nil
		}
		if tx.provisionTimer != nil {
			tx.provisionTimer.Stop()
			tx.provisionTimer = nil
		}
		tx.mu.Unlock()

		if onterm != nil {
			onterm(tx.key, err)
		}
		metricServerTxActive.Dec()

		if _, cerr := tx.conn.TryClose(); cerr != nil {
			tx.log.Info().Err(cerr).Str("tx", tx.Key()).Msg("Closing connection returned error")
		}
		tx.log.Debug().Str("tx", tx.Key()).Msg("Server transaction destroyed")
	})
	return deleted
}
