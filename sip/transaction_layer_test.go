package sip

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talkio/siptx/fakes"
)

// testLayers wires a transaction layer onto a transport layer backed by an
// in-memory UDP listener. Outbound messages land in per-destination buffers.
func testLayers(t testing.TB, writers map[string]*bytes.Buffer) (*TransactionLayer, *TransportLayer) {
	t.Helper()

	wmap := make(map[string]io.Writer, len(writers))
	for addr, buf := range writers {
		wmap[addr] = buf
	}

	conn := &fakes.UDPConn{
		LAddr:   net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060},
		Reader:  bytes.NewBuffer(nil),
		Writers: wmap,
	}

	tpl := NewTransportLayer(nil, NewParser())
	tpl.udp.listeners = append(tpl.udp.listeners, &UDPConnection{
		PacketConn: conn,
		PacketAddr: "127.0.0.1:5060",
	})

	txl := NewTransactionLayer(tpl)
	return txl, tpl
}

func TestTransactionLayerServerRequest(t *testing.T) {
	writers := map[string]*bytes.Buffer{
		"127.0.0.2:5060": bytes.NewBuffer(nil),
	}
	txl, _ := testLayers(t, writers)

	handled := make(chan *ServerTx, 2)
	txl.OnRequest(func(req *Request, tx *ServerTx) {
		handled <- tx
	})

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")
	require.NoError(t, txl.handleRequest(req))

	var tx *ServerTx
	select {
	case tx = <-handled:
		require.NotNil(t, tx)
	case <-time.After(time.Second):
		t.Fatal("request handler not invoked")
	}
	defer tx.Terminate()

	// The retransmission matches the same transaction: the TU hears about
	// it exactly once.
	require.NoError(t, txl.handleRequest(req))
	select {
	case <-handled:
		t.Fatal("request handler invoked twice for retransmission")
	default:
	}

	// The TU responds through the layer.
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	respTx, err := txl.Respond(res)
	require.NoError(t, err)
	require.Same(t, tx, respTx)
	require.Eventually(t, func() bool { return writers["127.0.0.2:5060"].Len() > 0 }, time.Second, 5*time.Millisecond)
}

func TestTransactionLayerRespondWithoutTransaction(t *testing.T) {
	txl, _ := testLayers(t, map[string]*bytes.Buffer{})

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	req.SetSource("127.0.0.2:5060")
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)

	_, err := txl.Respond(res)
	require.True(t, errors.Is(err, ErrTransactionNotExists))
}

func TestTransactionLayerClientRequestDuplicate(t *testing.T) {
	writers := map[string]*bytes.Buffer{
		"127.0.0.99:5060": bytes.NewBuffer(nil),
	}
	txl, _ := testLayers(t, writers)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")

	tx, err := txl.Request(context.Background(), req)
	require.NoError(t, err)
	defer tx.Terminate()
	require.Positive(t, writers["127.0.0.99:5060"].Len())

	// Same request object means same Via branch: the key collides.
	_, err = txl.Request(context.Background(), req)
	require.True(t, errors.Is(err, ErrTransactionExists))
}

func TestTransactionLayerRejectsAck(t *testing.T) {
	txl, _ := testLayers(t, map[string]*bytes.Buffer{})

	ack := testCreateRequest(t, "ACK", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	_, err := txl.Request(context.Background(), ack)
	require.True(t, errors.Is(err, ErrTransactionACKNotAllowed))
}

func TestTransactionLayerUnmatchedResponse(t *testing.T) {
	txl, _ := testLayers(t, map[string]*bytes.Buffer{})

	unmatched := make(chan *Response, 1)
	txl.UnhandledResponseHandler(func(res *Response) {
		unmatched <- res
	})

	req := testCreateRequest(t, "INVITE", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)

	// A 200 retransmission after client transaction termination, or a
	// forked 2xx: no key matches, the TU gets it as is.
	require.NoError(t, txl.handleResponse(res))
	select {
	case r := <-unmatched:
		require.Equal(t, StatusOK, r.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("unmatched response not passed to TU")
	}
}

func TestTransactionLayerOutOfTransactionAck(t *testing.T) {
	txl, _ := testLayers(t, map[string]*bytes.Buffer{})

	handled := make(chan *ServerTx, 1)
	txl.OnRequest(func(req *Request, tx *ServerTx) {
		handled <- tx
	})

	// The ACK to a 2xx matches no transaction and belongs to the dialog.
	ack := testCreateRequest(t, "ACK", "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	ack.SetSource("127.0.0.2:5060")
	require.NoError(t, txl.handleRequest(ack))

	select {
	case tx := <-handled:
		require.Nil(t, tx)
	case <-time.After(time.Second):
		t.Fatal("out of transaction ACK not passed to TU")
	}
}

func TestTransactionLayerCancel(t *testing.T) {
	old := Timer_1xx
	Timer_1xx = time.Minute
	t.Cleanup(func() { Timer_1xx = old })

	writers := map[string]*bytes.Buffer{
		"127.0.0.2:5060": bytes.NewBuffer(nil),
	}
	txl, _ := testLayers(t, writers)

	handled := make(chan *ServerTx, 1)
	txl.OnRequest(func(req *Request, tx *ServerTx) {
		handled <- tx
	})

	invite, callid, ftag := testCreateInvite(t, "sip:127.0.0.1:5060", "UDP", "127.0.0.2:5060")
	invite.SetSource("127.0.0.2:5060")
	require.NoError(t, txl.handleRequest(invite))
	tx := <-handled
	defer tx.Terminate()

	branch, _ := invite.Via().Params.Get("branch")
	cancel := testCreateMessage(t, []string{
		"CANCEL sip:127.0.0.1:5060 SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=" + branch,
		"From: \"Alice\" <sip:alice@127.0.0.2:5060>;tag=" + ftag,
		"To: \"Bob\" <sip:127.0.0.1:5060>",
		"Call-ID: " + callid,
		"CSeq: 1 CANCEL",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)
	cancel.SetSource("127.0.0.2:5060")

	require.NoError(t, txl.handleRequest(cancel))

	// 487 for the INVITE plus 200 for the CANCEL.
	out := writers["127.0.0.2:5060"].String()
	require.Contains(t, out, "487 Request Terminated")
	require.Contains(t, out, "200 OK")
}

func TestTransactionLayerAdministrativeTerminate(t *testing.T) {
	writers := map[string]*bytes.Buffer{
		"127.0.0.99:5060": bytes.NewBuffer(nil),
	}
	txl, _ := testLayers(t, writers)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	tx, err := txl.Request(context.Background(), req)
	require.NoError(t, err)

	key, err := MakeClientTxKey(req)
	require.NoError(t, err)
	require.True(t, txl.Terminate(key))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction not terminated")
	}
	// The key is free again.
	require.False(t, txl.Terminate(key))
}

func TestTransactionLayerInboundResponseRouting(t *testing.T) {
	writers := map[string]*bytes.Buffer{
		"127.0.0.99:5060": bytes.NewBuffer(nil),
	}
	txl, _ := testLayers(t, writers)

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.99:5060", "UDP", "127.0.0.2:5060")
	tx, err := txl.Request(context.Background(), req)
	require.NoError(t, err)
	defer tx.Terminate()

	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	got := make(chan *Response, 1)
	go func() { got <- <-tx.Responses() }()
	require.NoError(t, txl.handleResponse(res))

	select {
	case r := <-got:
		require.Equal(t, StatusOK, r.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("response not routed into client transaction")
	}
}
