package sip

import (
	"time"
)

// INVITE server machine - RFC 3261 17.2.1:
// Proceeding -> Completed -> Confirmed -> Terminated.
// A 2xx is sent once and terminates the transaction; the TU owns 2xx
// retransmission and its ACK within the dialog.

func (tx *ServerTx) inviteStateProceeding(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case serverInputRequest:
		tx.fsmState, act = tx.inviteStateProceeding, tx.actRespond
	case serverInputCancel:
		tx.fsmState, act = tx.inviteStateProceeding, tx.actCancel
	case serverInputUser1xx:
		tx.fsmState, act = tx.inviteStateProceeding, tx.actRespond
	case serverInputUser2xx:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actFinal2xx
	case serverInputUser300Plus:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actRespondComplete
	case serverInputTransportErr:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateCompleted(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case serverInputRequest:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actRespond
	case serverInputAck:
		tx.fsmState, act = tx.inviteStateConfirmed, tx.actConfirm
	case serverInputInvalidMethod:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actInvalidMethod
	case serverInputTimerRetrans:
		tx.fsmState, act = tx.inviteStateCompleted, tx.actRetransmitFinal
	case serverInputTimerTimeout:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTimeout
	case serverInputTransportErr:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateConfirmed(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	// Duplicate ACKs land here and are absorbed.
	case serverInputTimerWait:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	case serverInputDelete:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ServerTx) inviteStateTerminated(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case serverInputDelete:
		tx.fsmState, act = tx.inviteStateTerminated, tx.actDelete
	default:
		return fsmInputNone
	}
	return act()
}

// Non-INVITE server machine - RFC 3261 17.2.2:
// Trying -> Proceeding -> Completed -> Terminated.

func (tx *ServerTx) stateTrying(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	// Request retransmissions in Trying are absorbed: nothing to resend yet.
	case serverInputUser1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actRespond
	case serverInputUser2xx, serverInputUser300Plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case serverInputTransportErr:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ServerTx) stateProceeding(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case serverInputRequest:
		tx.fsmState, act = tx.stateProceeding, tx.actRespond
	case serverInputUser1xx:
		tx.fsmState, act = tx.stateProceeding, tx.actRespond
	case serverInputUser2xx, serverInputUser300Plus:
		tx.fsmState, act = tx.stateCompleted, tx.actFinal
	case serverInputTransportErr:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ServerTx) stateCompleted(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case serverInputRequest:
		tx.fsmState, act = tx.stateCompleted, tx.actRespond
	case serverInputTimerTimeout:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	case serverInputDelete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	case serverInputTransportErr:
		tx.fsmState, act = tx.stateTerminated, tx.actTransErr
	default:
		return fsmInputNone
	}
	return act()
}

func (tx *ServerTx) stateTerminated(s fsmInput) fsmInput {
	var act fsmActionState
	switch s {
	case serverInputDelete:
		tx.fsmState, act = tx.stateTerminated, tx.actDelete
	default:
		return fsmInputNone
	}
	return act()
}

// Actions

// actRespond sends the event response, or replays the cached one on a
// request retransmission. Nothing goes out while no response exists yet.
func (tx *ServerTx) actRespond() fsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}
	return fsmInputNone
}

// actRespondComplete enters Completed on a 3xx-6xx: send it, start the
// Timer G retransmission cycle on unreliable transports and always arm
// Timer H for the ACK wait.
func (tx *ServerTx) actRespondComplete() fsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}

	tx.mu.Lock()
	if !tx.reliable && tx.retransTimer == nil {
		tx.retransTimer = time.AfterFunc(tx.retransIn, func() {
			tx.fsmSpin(serverInputTimerRetrans)
		})
	}
	if tx.timeoutTimer == nil {
		tx.timeoutTimer = time.AfterFunc(Timer_H, func() {
			tx.fsmSpinError(
				serverInputTimerTimeout,
				wrapTimeoutError(errTimerHFired),
			)
		})
	}
	tx.mu.Unlock()
	return fsmInputNone
}

// actRetransmitFinal fires on Timer G: resend the final and double the
// interval, capped at T2.
func (tx *ServerTx) actRetransmitFinal() fsmInput {
	metricRetransmissions.WithLabelValues("server_response").Inc()
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}

	tx.mu.Lock()
	tx.retransIn *= 2
	if tx.retransIn > T2 {
		tx.retransIn = T2
	}
	if tx.retransTimer != nil {
		tx.retransTimer.Reset(tx.retransIn)
	}
	tx.mu.Unlock()
	return fsmInputNone
}

// actFinal2xx sends the 2xx and immediately terminates: retransmission of
// 2xx finals is the TU's duty inside the dialog.
func (tx *ServerTx) actFinal2xx() fsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}
	return serverInputDelete
}

// actFinal enters Completed for non-INVITE: send the final and absorb
// request retransmissions for Timer J.
func (tx *ServerTx) actFinal() fsmInput {
	if err := tx.passResp(); err != nil {
		return serverInputTransportErr
	}

	// RFC 3261 17.2.2: Timer J is 64*T1 on unreliable transports, zero on
	// reliable ones.
	if tx.reliable {
		return serverInputDelete
	}

	tx.mu.Lock()
	if tx.timeoutTimer == nil {
		tx.timeoutTimer = time.AfterFunc(Timer_J, func() {
			tx.fsmSpin(serverInputTimerTimeout)
		})
	}
	tx.mu.Unlock()
	return fsmInputNone
}

// actConfirm enters Confirmed on the ACK: stop the retransmission cycle
// and absorb duplicate ACKs for Timer I.
func (tx *ServerTx) actConfirm() fsmInput {
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
		tx.passAck()
		return serverInputDelete
	}
	tx.waitTimer = time.AfterFunc(tx.waitIn, func() {
		tx.fsmSpin(serverInputTimerWait)
	})
	tx.mu.Unlock()

	tx.passAck()
	return fsmInputNone
}

// actCancel answers the pending INVITE with 487 and lets the registered
// observer know - RFC 3261 9.2.
func (tx *ServerTx) actCancel() fsmInput {
	r := tx.fsmCancel
	if r == nil {
		return fsmInputNone
	}

	tx.log.Debug().Str("tx", tx.Key()).Msg("Passing 487 on CANCEL")
	tx.fsmResp = NewResponseFromRequest(tx.origin, StatusRequestTerminated, "Request Terminated", nil)
	tx.fsmErr = ErrTransactionCanceled

	tx.mu.Lock()
	onCancel := tx.onCancel
	tx.mu.Unlock()
	if onCancel != nil {
		onCancel(r)
	}

	return serverInputUser300Plus
}

func (tx *ServerTx) actInvalidMethod() fsmInput {
	metricTxErrors.WithLabelValues("server_invalid_method").Inc()
	tx.log.Warn().Str("tx", tx.Key()).Msg("Invalid method matched finished INVITE transaction")
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionInvalidMethod
	}
	return serverInputDelete
}

func (tx *ServerTx) actTransErr() fsmInput {
	metricTxErrors.WithLabelValues("server_transport").Inc()
	tx.log.Debug().Err(tx.fsmErr).Str("tx", tx.Key()).Msg("Transport error. Transaction will terminate")
	return serverInputDelete
}

func (tx *ServerTx) actTimeout() fsmInput {
	metricTxErrors.WithLabelValues("server_timeout").Inc()
	tx.log.Debug().Err(tx.fsmErr).Str("tx", tx.Key()).Msg("Timed out. Transaction will terminate")
	return serverInputDelete
}

func (tx *ServerTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return fsmInputNone
}

// passAck hands the ACK to the TU without ever blocking the machine.
func (tx *ServerTx) passAck() {
	r := tx.fsmAck
	if r == nil {
		return
	}
	select {
	case tx.acks <- r:
	default:
		go tx.ackSend(r)
	}
}

// passResp writes the cached last response to the wire.
func (tx *ServerTx) passResp() error {
	lastResp := tx.fsmResp
	if lastResp == nil {
		// Requests can retransmit before the TU produced any response.
		return nil
	}

	if err := tx.conn.WriteMsg(lastResp); err != nil {
		tx.log.Debug().Err(err).Str("res", lastResp.StartLine()).Str("tx", tx.Key()).Msg("fail to pass response")
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}
