package sip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAckRequestCopiesRouteOnce(t *testing.T) {
	invite := testCreateMessage(t, []string{
		"INVITE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.2:5060;branch=" + GenerateBranch(),
		"Route: <sip:proxy1.example.com;lr>",
		"Route: <sip:proxy2.example.com;lr>",
		"From: \"Alice\" <sip:alice@127.0.0.2:5060>;tag=a1",
		"To: \"Bob\" <sip:bob@example.com>",
		"Call-ID: route-copy",
		"CSeq: 7 INVITE",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)

	res := NewResponseFromRequest(invite, StatusNotFound, "Not Found", nil)
	ack := newAckRequestNon2xx(invite, res)

	routes := ack.GetHeaders("Route")
	require.Len(t, routes, 2)
	require.Equal(t, "<sip:proxy1.example.com;lr>", routes[0].Value())
	require.Equal(t, "<sip:proxy2.example.com;lr>", routes[1].Value())

	require.Equal(t, uint32(7), ack.CSeq().SeqNo)
	require.Equal(t, ACK, ack.CSeq().MethodName)
	require.Len(t, ack.GetHeaders("Via"), 1)
}

func TestAckRequestRecordRouteFallback(t *testing.T) {
	invite, _, _ := testCreateInvite(t, "sip:bob@example.com", "UDP", "127.0.0.2:5060")

	res := NewResponseFromRequest(invite, StatusNotFound, "Not Found", nil)
	rr1 := &RecordRouteHeader{Address: Uri{Host: "p1.example.com"}}
	rr2 := &RecordRouteHeader{Address: Uri{Host: "p2.example.com"}}
	res.AppendHeader(rr1)
	res.AppendHeader(rr2)

	ack := newAckRequestNon2xx(invite, res)

	// Without a Route set on the INVITE the Record-Route of the response is
	// used, reversed.
	routes := ack.GetHeaders("Route")
	require.Len(t, routes, 2)
	require.Equal(t, "<sip:p2.example.com>", routes[0].Value())
	require.Equal(t, "<sip:p1.example.com>", routes[1].Value())
}

func TestRequestDestination(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:bob@example.com:5080", "UDP", "127.0.0.2:5060")
	require.Equal(t, "example.com:5080", req.Destination())

	// Route wins over the request URI.
	route := &RouteHeader{Address: Uri{Host: "proxy.example.com", Port: 5090}}
	req.PrependHeader(route)
	require.Equal(t, "proxy.example.com:5090", req.Destination())

	// An explicitly set destination wins over everything.
	req.SetDestination("10.0.0.9:5060")
	require.Equal(t, "10.0.0.9:5060", req.Destination())
}

func TestRequestSourceFromVia(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:bob@example.com", "UDP", "10.0.0.1:5070")
	require.Equal(t, "10.0.0.1:5070", req.Source())

	via := req.Via()
	via.Params.Add("received", "192.168.1.5")
	via.Params.Add("rport", "7000")
	require.Equal(t, "192.168.1.5:7000", req.Source())
}
