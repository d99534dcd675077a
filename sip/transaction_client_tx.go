package sip

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var _ ClientTransaction = (*ClientTx)(nil)

// ClientTx drives one client transaction: INVITE per RFC 3261 17.1.1,
// non-INVITE per 17.1.2.
type ClientTx struct {
	baseTx
	id       ClientTxKey
	reliable bool
	inited   bool

	responses chan *Response

	// retransTimer is Timer A for INVITE, Timer E otherwise.
	retransTimer *time.Timer
	retransIn    time.Duration
	// timeoutTimer is Timer B for INVITE, Timer F otherwise.
	timeoutTimer *time.Timer
	// waitTimer runs the retransmission absorption window once a final
	// response landed: Timer D for INVITE, Timer K otherwise.
	waitTimer *time.Timer
	waitIn    time.Duration
}

func NewClientTx(key ClientTxKey, origin *Request, conn Connection, logger zerolog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key.String()
	tx.id = key
	tx.conn = conn
	tx.responses = make(chan *Response)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = IsReliable(origin.Transport())
	return tx
}

// ID returns the typed transaction key.
func (tx *ClientTx) ID() ClientTxKey {
	return tx.id
}

// Init sends the origin request and arms the initial timers. On a send
// failure the transaction is unusable and must be terminated by the caller.
func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		return wrapTransportError(fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.StartLine(), err))
	}

	invite := tx.origin.IsInvite()

	tx.mu.Lock()
	if tx.reliable {
		// RFC 3261 17.1.1.2 / 17.1.2.2: reliable transports retransmit
		// nothing and skip the absorption window.
		tx.waitIn = 0
	} else {
		if invite {
			tx.retransIn = Timer_A
			tx.waitIn = Timer_D
		} else {
			tx.retransIn = Timer_E
			tx.waitIn = Timer_K
		}
		tx.retransTimer = time.AfterFunc(tx.retransIn, func() {
			tx.fsmSpin(clientInputTimerRetrans)
		})
	}

	timerName, timeoutIn := "timer_F", Timer_F
	if invite {
		timerName, timeoutIn = "timer_B", Timer_B
	}
	tx.timeoutTimer = time.AfterFunc(timeoutIn, func() {
		tx.fsmSpinError(
			clientInputTimerTimeout,
			wrapTimeoutError(fmt.Errorf("%s fired", timerName)),
		)
	})
	tx.inited = true
	tx.mu.Unlock()

	metricClientTxActive.Inc()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Client transaction initialized")
	return nil
}

func (tx *ClientTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateCalling)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

// Responses returns the channel carrying every response the TU must see.
// Absorbed retransmissions never appear here.
func (tx *ClientTx) Responses() <-chan *Response {
	return tx.responses
}

// Receive runs a response through the machine.
// NOTE: it can block on the TU consuming Responses, so callers fan out per
// message.
func (tx *ClientTx) Receive(res *Response) {
	var input fsmInput
	switch {
	case res.IsProvisional():
		input = clientInput1xx
	case res.IsSuccess():
		input = clientInput2xx
	default:
		input = clientInput300Plus
	}
	tx.fsmSpinResponse(input, res)
}

func (tx *ClientTx) Terminate() {
	if tx.delete(ErrTransactionTerminated) {
		tx.fsmMu.Lock()
		if tx.fsmErr == nil {
			tx.fsmErr = ErrTransactionTerminated
		}
		tx.fsmMu.Unlock()
	}
}

func (tx *ClientTx) Connection() Connection {
	return tx.conn
}

// ack builds and sends the transaction ACK for a non-2xx final. The built
// request is cached so every retransmitted final is answered with the same
// ACK - RFC 3261 17.1.1.3.
func (tx *ClientTx) ack() {
	resp := tx.fsmResp
	if resp == nil {
		return
	}

	if tx.fsmAck == nil {
		tx.fsmAck = newAckRequestNon2xx(tx.origin, resp)
	}

	if err := tx.conn.WriteMsg(tx.fsmAck); err != nil {
		tx.log.Error().Err(err).
			Str("tx", tx.Key()).
			Str("invite_request", tx.origin.Short()).
			Str("invite_response", resp.Short()).
			Msg("send ACK request failed")
		go tx.fsmSpinError(clientInputTransportErr, wrapTransportError(err))
	}
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	metricRetransmissions.WithLabelValues("client_request").Inc()
	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug().Err(err).Str("req", tx.origin.StartLine()).Msg("Fail to resend request")
		go tx.fsmSpinError(clientInputTransportErr, wrapTransportError(err))
	}
}

// delete finishes the transaction: closes the done latch, stops every
// timer and fires the termination callback exactly once.
func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true
	close(tx.done)
	onterm := tx.onTerminate
	inited := tx.inited

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
	tx.mu.Unlock()

	if onterm != nil {
		onterm(tx.key, err)
	}
	if inited {
		metricClientTxActive.Dec()
	}

	if _, cerr := tx.conn.TryClose(); cerr != nil {
		tx.log.Info().Err(cerr).Str("tx", tx.Key()).Msg("Closing connection returned error")
	}
	tx.log.Debug().Str("tx", tx.Key()).Msg("Client transaction destroyed")
	return true
}
