package sip

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// SIP timers are exposed for tests and tuning, but SetTimers is the
	// supported way to change them: every derived timer except Timer_D
	// (fixed at 32s) follows T1/T2/T4.
	//
	// T1: round-trip time estimate, default 500ms
	// T2: maximum retransmission interval for non-INVITE requests and
	//     INVITE responses
	// T4: maximum duration a message can remain in the network
	T1,
	T2,
	T4,
	// Timer_A drives INVITE request retransmissions on unreliable transports,
	// doubling on every firing.
	Timer_A,
	// Timer_B caps how long a sender waits for an INVITE to be answered.
	Timer_B,
	// Timer_D is the wait for response retransmissions after a non-2xx final.
	Timer_D,
	// Timer_E drives non-INVITE request retransmissions.
	Timer_E,
	// Timer_F caps how long a sender waits for a non-INVITE final.
	Timer_F,
	// Timer_G drives INVITE final response retransmissions on the server.
	Timer_G,
	// Timer_H caps how long a server waits for the ACK to a non-2xx final.
	Timer_H,
	// Timer_I is the ACK retransmission absorption window.
	Timer_I,
	// Timer_J is the request retransmission absorption window for finished
	// non-INVITE server transactions.
	Timer_J,
	// Timer_K is the response retransmission absorption window for finished
	// non-INVITE client transactions.
	Timer_K time.Duration

	// Timer_1xx is how long an INVITE server transaction waits for the TU
	// before a 100 Trying goes out on its own - RFC 3261 17.2.1.
	Timer_1xx = 200 * time.Millisecond
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers recomputes the RFC 3261 timers from the base values. Timer_D
// stays at 32s and Timer_1xx is left unchanged.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_E = T1
	Timer_F = 64 * T1
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
}

var (
	// Transaction layer errors can be detected and handled with different
	// response on caller side
	// https://www.rfc-editor.org/rfc/rfc3261#section-8.1.3.1
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")

	// ErrTransactionExists is returned on a client transaction request whose
	// key is already registered. The caller must regenerate the Via branch.
	ErrTransactionExists = errors.New("transaction already exists")
	// ErrTransactionNotExists is returned when responding without a matching
	// server transaction.
	ErrTransactionNotExists = errors.New("no matching transaction")
	// ErrTransactionInvalidMethod raises when a request that is neither a
	// retransmission nor an ACK hits a finished INVITE server transaction.
	ErrTransactionInvalidMethod = errors.New("invalid method for transaction")
	// ErrTransactionACKNotAllowed is returned when an ACK is pushed through
	// the client transaction API. ACKs for 2xx belong to the TU, ACKs for
	// non-2xx to the INVITE client transaction itself.
	ErrTransactionACKNotAllowed = errors.New("ACK request must be sent directly through transport")
)

var errTimerHFired = errors.New("timer_H fired")

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTransport)
}

func wrapTimeoutError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTimeout)
}

type FnTxTerminate func(key string, err error)

// Transaction is the lifetime surface every transaction shares.
type Transaction interface {
	// Terminate stops the machine immediately and unregisters it.
	Terminate()

	// OnTerminate registers a callback fired once on termination. Returns
	// false if the transaction already terminated.
	// NOTE: calling tx methods inside the callback can deadlock.
	OnTerminate(f FnTxTerminate) bool

	// Done closes when the transaction reaches Terminated.
	Done() <-chan struct{}

	// Err reports what stopped the transaction: timeout, transport error,
	// cancel, or plain termination.
	Err() error

	// Key renders the transaction identifier.
	Key() string
}

type ClientTransaction interface {
	Transaction

	// Responses streams every response the TU must see, in order.
	Responses() <-chan *Response
}

type ServerTransaction interface {
	Transaction

	// Respond sends a response built with NewResponseFromRequest.
	Respond(res *Response) error
	// Acks surfaces the ACK to a non-2xx final.
	Acks() <-chan *Request
	// OnCancel fires when a CANCEL matches this transaction. Returns false
	// if the transaction already terminated.
	OnCancel(f func(r *Request)) bool
}

// ServerTransactionContext exposes transaction lifetime as a
// context.Context cancelation. Should not be called more than once per
// transaction.
func ServerTransactionContext(tx ServerTransaction) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	registered := tx.OnTerminate(func(key string, err error) {
		cancel()
	})
	if !registered {
		cancel()
	}
	return ctx
}

// baseTx carries the pieces shared by client and server transactions: the
// origin request, the wire, the done latch and the FSM spin loop.
type baseTx struct {
	mu sync.Mutex

	key    string
	origin *Request

	conn   Connection
	done   chan struct{}
	closed bool

	fsmMu    sync.Mutex
	fsmState fsmContextState

	// fsmResp, fsmErr, fsmAck, fsmCancel carry the event payload into the
	// state functions. Only touch them while holding fsmMu.
	fsmResp   *Response
	fsmErr    error
	fsmAck    *Request
	fsmCancel *Request

	log         zerolog.Logger
	onTerminate FnTxTerminate
}

func (tx *baseTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *baseTx) Origin() *Request {
	return tx.origin
}

func (tx *baseTx) Key() string {
	return tx.key
}

func (tx *baseTx) Done() <-chan struct{} {
	return tx.done
}

func (tx *baseTx) Err() error {
	tx.fsmMu.Lock()
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	return err
}

// OnTerminate chains f after any previously registered callback.
func (tx *baseTx) OnTerminate(f FnTxTerminate) bool {
	tx.mu.Lock()
	select {
	case <-tx.done:
		tx.mu.Unlock()
		return false
	default:
	}
	defer tx.mu.Unlock()

	if prev := tx.onTerminate; prev != nil {
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

func (tx *baseTx) initFSM(fsmState fsmContextState) {
	tx.fsmMu.Lock()
	tx.fsmState = fsmState
	tx.fsmMu.Unlock()
}

func (tx *baseTx) currentFsmState() fsmContextState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.fsmState
}

// fsmSpinUnsafe feeds inputs into the machine until it settles. Caller must
// hold fsmMu; this is what serializes all events of one transaction.
func (tx *baseTx) fsmSpinUnsafe(in fsmInput) {
	for i := in; i != fsmInputNone; {
		if TransactionFSMDebug {
			fname := runtime.FuncForPC(reflect.ValueOf(tx.fsmState).Pointer()).Name()
			fname = fname[strings.LastIndex(fname, ".")+1:]
			tx.log.Debug().Str("tx", tx.key).Str("input", fsmString(i)).Str("state", fname).Msg("FSM transition")
		}
		i = tx.fsmState(i)
	}
}

func (tx *baseTx) fsmSpin(in fsmInput) {
	tx.fsmMu.Lock()
	tx.fsmSpinUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) fsmSpinResponse(in fsmInput, resp *Response) {
	tx.fsmMu.Lock()
	tx.fsmResp = resp
	tx.fsmSpinUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) fsmSpinRequest(in fsmInput, req *Request) {
	tx.fsmMu.Lock()
	switch {
	case req.IsAck():
		tx.fsmAck = req
	case req.IsCancel():
		tx.fsmCancel = req
	}
	tx.fsmSpinUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) fsmSpinError(in fsmInput, err error) {
	tx.fsmMu.Lock()
	tx.fsmErr = err
	tx.fsmSpinUnsafe(in)
	tx.fsmMu.Unlock()
}
