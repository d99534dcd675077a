package sip

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/talkio/siptx/fakes"
)

func TestStampReceivedRport(t *testing.T) {
	tpl := NewTransportLayer(nil, NewParser())

	req := testCreateRequest(t, "OPTIONS", "sip:bob@example.com", "UDP", "10.0.0.1:5060")
	req.SetTransport("UDP")
	req.SetSource("192.168.1.5:7000")

	tpl.stampReceived(req)

	via := req.Via()
	received, ok := via.Params.Get("received")
	require.True(t, ok)
	require.Equal(t, "192.168.1.5", received)
	rport, ok := via.Params.Get("rport")
	require.True(t, ok)
	require.Equal(t, "7000", rport)
}

func TestStampReceivedMatchingSource(t *testing.T) {
	tpl := NewTransportLayer(nil, NewParser())

	req := testCreateRequest(t, "OPTIONS", "sip:bob@example.com", "UDP", "10.0.0.1:5060")
	req.SetTransport("UDP")
	req.SetSource("10.0.0.1:5060")

	tpl.stampReceived(req)

	via := req.Via()
	require.False(t, via.Params.Has("received"))
	require.False(t, via.Params.Has("rport"))
}

func TestStampReceivedFillsRequestedRport(t *testing.T) {
	tpl := NewTransportLayer(nil, NewParser())

	branch := GenerateBranch()
	req := testCreateMessage(t, []string{
		"OPTIONS sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=" + branch + ";rport",
		"From: <sip:alice@10.0.0.1:5060>;tag=a",
		"To: <sip:bob@example.com>",
		"Call-ID: rport-fill",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)
	req.SetTransport("UDP")
	req.SetSource("10.0.0.1:5060")

	tpl.stampReceived(req)

	rport, ok := req.Via().Params.Get("rport")
	require.True(t, ok)
	require.Equal(t, "5060", rport)
}

func TestUDPConnectionWriteMsg(t *testing.T) {
	out := bytes.NewBuffer(nil)
	conn := &UDPConnection{
		PacketConn: &fakes.UDPConn{
			Reader:  bytes.NewBuffer(nil),
			Writers: map[string]io.Writer{"127.0.0.9:5060": out},
		},
		PacketAddr: "127.0.0.1:5060",
	}

	req := testCreateRequest(t, "OPTIONS", "sip:127.0.0.9:5060", "UDP", "127.0.0.1:5060")
	require.NoError(t, conn.WriteMsg(req))
	require.Contains(t, out.String(), "OPTIONS sip:127.0.0.9:5060 SIP/2.0\r\n")
}

func TestTCPConnectionWriteMsg(t *testing.T) {
	out := bytes.NewBuffer(nil)
	conn := &TCPConnection{
		Conn: &fakes.TCPConn{
			LAddr:  net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060},
			RAddr:  net.TCPAddr{IP: net.ParseIP("127.0.0.9"), Port: 5060},
			Reader: bytes.NewBuffer(nil),
			Writer: out,
		},
		refcount: 1,
	}

	res := NewResponseFromRequest(
		testCreateRequest(t, "OPTIONS", "sip:127.0.0.1:5060", "TCP", "127.0.0.9:5060"),
		StatusOK, "OK", nil,
	)
	require.NoError(t, conn.WriteMsg(res))
	require.Contains(t, out.String(), "SIP/2.0 200 OK\r\n")
}

func TestIsReliable(t *testing.T) {
	require.False(t, IsReliable("UDP"))
	require.True(t, IsReliable("TCP"))
	require.True(t, IsReliable("TLS"))
	require.True(t, IsReliable("WS"))
	require.False(t, IsReliable("udp"))
}

func TestDefaultPort(t *testing.T) {
	require.Equal(t, 5060, DefaultPort("UDP"))
	require.Equal(t, 5060, DefaultPort("TCP"))
	require.Equal(t, 5061, DefaultPort("TLS"))
	require.Equal(t, 80, DefaultPort("WS"))
	require.Equal(t, 443, DefaultPort("WSS"))
}
