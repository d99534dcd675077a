package sip

import (
	"time"
)

// INVITE client machine - RFC 3261 17.1.1.2:
// Calling -> Proceeding -> Completed -> Terminated.
// A 2xx terminates the transaction after pass up; 2xx retransmissions and
// their ACK belong to the TU.

func (tx *ClientTx) inviteStateCalling(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInput1xx:
		tx.fsmState, act = tx.inviteStateProceeding, tx.actInviteProceeding
	case clientInput2xx:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actPassupDelete
	case clientInput300Plus:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actInviteFinal
	case clientInputTimerRetrans:
		tx.fsmState, act = tx.inviteStateCalling, tx.actInviteResend
	case clientInputTimerTimeout:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateProceeding(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInput1xx:
		tx.fsmState, act = tx.inviteStateProceeding, tx.actPassup
	case clientInput2xx:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actPassupDelete
	case clientInput300Plus:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actInviteFinal
	case clientInputTransportErr:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateCompleted(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInput300Plus:
		// Every retransmitted final gets the cached ACK again, without the
		// TU hearing about it.
		tx.fsmState, act = tx.inviteStateCompleted, tx.actAckResend
	case clientInputTimerWait:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	case clientInputDelete:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	case clientInputTransportErr:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ClientTx) inviteStateTerminated(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInputDelete:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return fsmInputNone
	}
	return act()
}

// Non-INVITE client machine - RFC 3261 17.1.2.2:
// Trying -> Proceeding -> Completed -> Terminated.

func (tx *ClientTx) stateTrying(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInput1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actPassup
	case clientInput2xx, clientInput300Plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case clientInputTimerRetrans:
		tx.fsmState, act = tx.stateTrying, tx.actResendTrying
	case clientInputTimerTimeout:
		tx.fsmState, act = tx.stateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ClientTx) stateProceeding(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInput1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actPassup
	case clientInput2xx, clientInput300Plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case clientInputTimerRetrans:
		tx.fsmState, act = tx.stateProceeding, tx.actResendProceeding
	case clientInputTimerTimeout:
		tx.fsmState, act = tx.stateTerminated, tx.actTimeout
	case clientInputTransportErr:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ClientTx) stateCompleted(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	// Response retransmissions land here and are absorbed: no TU
	// notification, no resend.
	case clientInputTimerWait:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	case clientInputDelete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ClientTx) stateTerminated(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case clientInputDelete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	default:
		return fsmInputNone
	}
	return act()
}

// Actions

// actInviteResend fires on Timer A: retransmit and double, unbounded.
// Timer B caps the overall attempt.
func (tx *ClientTx) actInviteResend() fsmInput {
	tx.mu.Lock()
	tx.retransIn *= 2
	if tx.retransTimer != nil {
		tx.retransTimer.Reset(tx.retransIn)
	}
	tx.mu.Unlock()

	tx.resend()
	return fsmInputNone
}

// actResendTrying fires on Timer E in Trying: retransmit and double,
// capped at T2 - RFC 3261 17.1.2.2.
func (tx *ClientTx) actResendTrying() fsmInput {
	tx.mu.Lock()
	tx.retransIn *= 2
	if tx.retransIn > T2 {
		tx.retransIn = T2
	}
	if tx.retransTimer != nil {
		tx.retransTimer.Reset(tx.retransIn)
	}
	tx.mu.Unlock()

	tx.resend()
	return fsmInputNone
}

// actResendProceeding fires on Timer E in Proceeding: retransmit at a flat
// T2 interval.
func (tx *ClientTx) actResendProceeding() fsmInput {
	tx.mu.Lock()
	tx.retransIn = T2
	if tx.retransTimer != nil {
		tx.retransTimer.Reset(tx.retransIn)
	}
	tx.mu.Unlock()

	tx.resend()
	return fsmInputNone
}

func (tx *ClientTx) actInviteProceeding() fsmInput {
	tx.fsmPassUp()
	tx.stopRetransTimer()
	tx.stopTimeoutTimer()
	return fsmInputNone
}

// actInviteFinal enters Completed on a 3xx-6xx: ACK it, hand it to the TU
// and open the Timer D absorption window.
func (tx *ClientTx) actInviteFinal() fsmInput {
	tx.ack()
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.retransTimer != nil {
		tx.retransTimer.Stop()
		tx.retransTimer = nil
	}
	if tx.timeoutTimer != nil {
		tx.timeoutTimer.Stop()
		tx.timeoutTimer = nil
	}
	if tx.waitIn == 0 {
		tx.mu.Unlock()
		return clientInputDelete
	}
	tx.waitTimer = time.AfterFunc(tx.waitIn, func() {
		tx.fsmSpin(clientInputTimerWait)
	})
	tx.mu.Unlock()
	return fsmInputNone
}

// actFinal enters Completed on a non-INVITE final: pass up and open the
// Timer K absorption window.
func (tx *ClientTx) actFinal() fsmInput {
	tx.fsmPassUp()

	tx.mu.Lock()
	if tx.retransTimer != nil {
		tx.retransTimer.Stop()
		tx.retransTimer = nil
	}
	if tx.timeoutTimer != nil {
		tx.timeoutTimer.Stop()
		tx.timeoutTimer = nil
	}
	if tx.waitIn == 0 {
		tx.mu.Unlock()
		return clientInputDelete
	}
	tx.waitTimer = time.AfterFunc(tx.waitIn, func() {
		tx.fsmSpin(clientInputTimerWait)
	})
	tx.mu.Unlock()
	return fsmInputNone
}

func (tx *ClientTx) actAckResend() fsmInput {
	tx.ack()
	return fsmInputNone
}

func (tx *ClientTx) actPassup() fsmInput {
	tx.fsmPassUp()
	if tx.origin.IsInvite() {
		tx.stopRetransTimer()
	}
	return fsmInputNone
}

func (tx *ClientTx) actPassupDelete() fsmInput {
	tx.fsmPassUp()
	tx.stopRetransTimer()
	return clientInputDelete
}

func (tx *ClientTx) actTransErr() fsmInput {
	metricTxErrors.WithLabelValues("client_transport").Inc()
	tx.stopRetransTimer()
	return clientInputDelete
}

func (tx *ClientTx) actTimeout() fsmInput {
	metricTxErrors.WithLabelValues("client_timeout").Inc()
	tx.stopRetransTimer()
	return clientInputDelete
}

func (tx *ClientTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return fsmInputNone
}

func (tx *ClientTx) stopRetransTimer() {
	tx.mu.Lock()
	if tx.retransTimer != nil {
		tx.retransTimer.Stop()
		tx.retransTimer = nil
	}
	tx.mu.Unlock()
}

func (tx *ClientTx) stopTimeoutTimer() {
	tx.mu.Lock()
	if tx.timeoutTimer != nil {
		tx.timeoutTimer.Stop()
		tx.timeoutTimer = nil
	}
	tx.mu.Unlock()
}

// fsmPassUp hands the event response to the TU, blocking until it is
// consumed or the transaction dies.
func (tx *ClientTx) fsmPassUp() {
	resp := tx.fsmResp
	if resp == nil {
		return
	}
	select {
	case <-tx.done:
	case tx.responses <- resp:
	}
}
