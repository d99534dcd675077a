package sip

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientTransactionInviteFSM(t *testing.T) {
	oldD := Timer_D
	Timer_D = 30 * time.Millisecond
	t.Cleanup(func() { Timer_D = oldD })

	req, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCalling))
	require.Equal(t, 1, conn.Count())

	// PROCEEDING
	res100 := NewResponseFromRequest(req, StatusTrying, "Trying", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res100)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProceeding))

	// COMPLETED on 486: exactly one ACK goes out
	res486 := NewResponseFromRequest(req, StatusBusyHere, "Busy Here", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res486)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))
	require.Equal(t, 2, conn.Count())

	ack, ok := conn.Message(1).(*Request)
	require.True(t, ok)
	require.Equal(t, ACK, ack.Method)

	// A retransmitted final is ACKed again without the TU hearing about it.
	tx.Receive(res486)
	require.Equal(t, 3, conn.Count())
	require.Equal(t, ack, conn.Message(2).(*Request))

	// Timer D drains the transaction.
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction not terminated by timer D")
	}
}

func TestClientTransactionInviteAck(t *testing.T) {
	invite, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(invite)
	require.NoError(t, err)

	tx := NewClientTx(key, invite, conn, DefaultLogger())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	res486 := NewResponseFromRequest(invite, StatusBusyHere, "Busy Here", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res486)

	require.Equal(t, 2, conn.Count())
	ack := conn.Message(1).(*Request)

	// RFC 3261 17.1.1.3
	require.Equal(t, invite.Recipient.String(), ack.Recipient.String())
	inviteBranch, _ := invite.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	require.Equal(t, inviteBranch, ackBranch)
	require.Equal(t, invite.CSeq().SeqNo, ack.CSeq().SeqNo)
	require.Equal(t, ACK, ack.CSeq().MethodName)
	require.Equal(t, invite.CallID().Value(), ack.CallID().Value())
	require.Equal(t, invite.From().Value(), ack.From().Value())

	resTag, ok := res486.To().Params.Get("tag")
	require.True(t, ok)
	ackTag, ok := ack.To().Params.Get("tag")
	require.True(t, ok)
	require.Equal(t, resTag, ackTag)

	mf := ack.GetHeader("Max-Forwards")
	require.NotNil(t, mf)
	require.Equal(t, "70", mf.Value())
}

func TestClientTransactionInvite2xxTerminates(t *testing.T) {
	req, _, _ := testCreateInvite(t, "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	require.NoError(t, tx.Init())

	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	got := make(chan *Response, 1)
	go func() { got <- <-tx.Responses() }()
	tx.Receive(res200)

	select {
	case r := <-got:
		require.Equal(t, StatusOK, r.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("200 not passed up")
	}

	// 2xx hands off to the TU: the transaction dies at once and no ACK is
	// generated here.
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction not terminated on 2xx")
	}
	require.Equal(t, 1, conn.Count())
}

func TestClientTransactionNonInviteFSM(t *testing.T) {
	testSetTimers(t, 25*time.Millisecond, 100*time.Millisecond, 40*time.Millisecond)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateTrying))
	require.Equal(t, 1, conn.Count())

	// Timer E retransmits while no response arrives.
	require.Eventually(t, func() bool { return conn.Count() >= 2 }, time.Second, 5*time.Millisecond)

	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	got := make(chan *Response, 1)
	go func() { got <- <-tx.Responses() }()
	tx.Receive(res200)

	select {
	case r := <-got:
		require.Equal(t, StatusOK, r.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("200 not passed up")
	}
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateCompleted))

	// Duplicate finals are absorbed: no resend, no TU notification.
	sent := conn.Count()
	tx.Receive(res200)
	tx.Receive(res200)
	require.Equal(t, sent, conn.Count())

	// Timer K closes the absorption window.
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction not terminated by timer K")
	}
}

func TestClientTransactionNonInviteRetransmitSchedule(t *testing.T) {
	testSetTimers(t, 10*time.Millisecond, 40*time.Millisecond, 20*time.Millisecond)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	// Doubling interval caps at T2.
	require.Eventually(t, func() bool {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return tx.retransIn == T2
	}, time.Second, 5*time.Millisecond)
}

func TestClientTransactionTimeout(t *testing.T) {
	testSetTimers(t, 5*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	require.NoError(t, tx.Init())

	// Timer F fires after 64*T1 with nothing heard.
	select {
	case <-tx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transaction not timed out")
	}
	require.True(t, errors.Is(tx.Err(), ErrTransactionTimeout))
}

func TestClientTransactionReliableTransport(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "TCP", "127.0.0.2:5060")
	conn := &testConn{}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	require.NoError(t, tx.Init())

	// No retransmission timer on reliable transports.
	tx.mu.Lock()
	require.Nil(t, tx.retransTimer)
	tx.mu.Unlock()

	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res200)

	// No timer K either: terminate immediately.
	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("reliable transaction not terminated on final")
	}
	tx.mu.Lock()
	require.Nil(t, tx.waitTimer)
	tx.mu.Unlock()
}

func TestClientTransactionInitTransportError(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	conn := &testConn{writeErr: errors.New("socket gone")}
	key, err := MakeClientTxKey(req)
	require.NoError(t, err)

	tx := NewClientTx(key, req, conn, DefaultLogger())
	err = tx.Init()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTransactionTransport))
}
