package sip

// The transaction FSMs are tables of state functions: the current state is a
// function consuming one input and returning a follow up input, fed back in
// until fsmInputNone. Actions run inside the transition before the next
// event is consumed.

type fsmInput int

// fsmActionState runs the side effects of a transition and may chain
// another input.
type fsmActionState func() fsmInput

// fsmContextState is one state of a transaction machine.
type fsmContextState func(s fsmInput) fsmInput

// TransactionFSMDebug traces every state change of every transaction.
var TransactionFSMDebug bool

// FSM inputs
const (
	fsmInputNone fsmInput = iota

	// client transaction inputs
	clientInput1xx
	clientInput2xx
	clientInput300Plus
	clientInputTimerRetrans
	clientInputTimerTimeout
	clientInputTimerWait
	clientInputTransportErr
	clientInputDelete

	// server transaction inputs
	serverInputRequest
	serverInputAck
	serverInputCancel
	serverInputUser1xx
	serverInputUser2xx
	serverInputUser300Plus
	serverInputInvalidMethod
	serverInputTimerRetrans
	serverInputTimerTimeout
	serverInputTimerWait
	serverInputTransportErr
	serverInputDelete
)

func fsmString(f fsmInput) string {
	switch f {
	case fsmInputNone:
		return "none"
	case clientInput1xx:
		return "client_1xx"
	case clientInput2xx:
		return "client_2xx"
	case clientInput300Plus:
		return "client_300_plus"
	case clientInputTimerRetrans:
		return "client_timer_retransmit"
	case clientInputTimerTimeout:
		return "client_timer_timeout"
	case clientInputTimerWait:
		return "client_timer_wait"
	case clientInputTransportErr:
		return "client_transport_err"
	case clientInputDelete:
		return "client_delete"
	case serverInputRequest:
		return "server_request"
	case serverInputAck:
		return "server_ack"
	case serverInputCancel:
		return "server_cancel"
	case serverInputUser1xx:
		return "server_user_1xx"
	case serverInputUser2xx:
		return "server_user_2xx"
	case serverInputUser300Plus:
		return "server_user_300_plus"
	case serverInputInvalidMethod:
		return "server_invalid_method"
	case serverInputTimerRetrans:
		return "server_timer_retransmit"
	case serverInputTimerTimeout:
		return "server_timer_timeout"
	case serverInputTimerWait:
		return "server_timer_wait"
	case serverInputTransportErr:
		return "server_transport_err"
	case serverInputDelete:
		return "server_delete"
	}
	return "unknown"
}
