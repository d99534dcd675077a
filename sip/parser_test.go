package sip

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	body := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"
	raw := strings.Join([]string{
		"INVITE sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK.abcdef;rport",
		"From: \"Alice\" <sip:alice@wonderland.com>;tag=1928301774",
		"To: Bob <sip:bob@example.com>",
		"Call-ID: a84b4c76e66710",
		"CSeq: 314159 INVITE",
		"Max-Forwards: 70",
		"Content-Type: application/sdp",
		"Content-Length: " + strconv.Itoa(len(body)),
		"",
		body,
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	require.Equal(t, INVITE, req.Method)
	require.Equal(t, "sip:bob@example.com", req.Recipient.String())

	via := req.Via()
	require.NotNil(t, via)
	require.Equal(t, "UDP", via.Transport)
	require.Equal(t, "10.0.0.1", via.Host)
	require.Equal(t, 5060, via.Port)
	branch, ok := via.Params.Get("branch")
	require.True(t, ok)
	require.Equal(t, "z9hG4bK.abcdef", branch)
	// rport requested without value
	rport, ok := via.Params.Get("rport")
	require.True(t, ok)
	require.Equal(t, "", rport)

	require.Equal(t, "Alice", req.From().DisplayName)
	tag, _ := req.From().Params.Get("tag")
	require.Equal(t, "1928301774", tag)

	require.Equal(t, uint32(314159), req.CSeq().SeqNo)
	require.Equal(t, INVITE, req.CSeq().MethodName)
	require.Equal(t, "a84b4c76e66710", req.CallID().Value())
	require.Equal(t, body, string(req.Body()))
}

func TestParseResponse(t *testing.T) {
	raw := strings.Join([]string{
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK.abcdef",
		"From: <sip:alice@wonderland.com>;tag=1928301774",
		"To: <sip:bob@example.com>;tag=8321234356",
		"Call-ID: a84b4c76e66710",
		"CSeq: 314159 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	res, ok := msg.(*Response)
	require.True(t, ok)
	require.Equal(t, 180, res.StatusCode)
	require.Equal(t, "Ringing", res.Reason)
	require.True(t, res.IsProvisional())
	tag, _ := res.To().Params.Get("tag")
	require.Equal(t, "8321234356", tag)
}

func TestParseViaMultiHop(t *testing.T) {
	raw := strings.Join([]string{
		"OPTIONS sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP p1.example.com;branch=z9hG4bK.hop1, SIP/2.0/TCP p2.example.com:5061;branch=z9hG4bK.hop2",
		"From: <sip:alice@wonderland.com>;tag=a",
		"To: <sip:bob@example.com>",
		"Call-ID: multihop",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	vias := msg.GetHeaders("Via")
	require.Len(t, vias, 2)

	top := msg.Via()
	require.Equal(t, "p1.example.com", top.Host)
	require.Equal(t, "UDP", top.Transport)

	second := vias[1].(*ViaHeader)
	require.Equal(t, "p2.example.com", second.Host)
	require.Equal(t, 5061, second.Port)
	require.Equal(t, "TCP", second.Transport)
}

func TestParseRoundTrip(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:bob@example.com", "UDP", "127.0.0.2:5060")

	reparsed, err := ParseMessage([]byte(req.String()))
	require.NoError(t, err)

	req2, ok := reparsed.(*Request)
	require.True(t, ok)
	require.Equal(t, req.StartLine(), req2.StartLine())
	require.Equal(t, req.Via().Value(), req2.Via().Value())
	require.Equal(t, req.CSeq().Value(), req2.CSeq().Value())
	require.Equal(t, req.String(), req2.String())
}

func TestParseMalformed(t *testing.T) {
	_, err := ParseMessage([]byte("HELLO WORLD\r\n\r\n"))
	require.Error(t, err)

	_, err = ParseMessage([]byte("OPTIONS sip:b@x SIP/2.0\nVia: missing-crlf\n\n"))
	require.Error(t, err)

	_, err = ParseMessage([]byte(""))
	require.Error(t, err)
}

func TestParseStream(t *testing.T) {
	p := NewParser()

	one := strings.Join([]string{
		"OPTIONS sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/TCP 10.0.0.1:5060;branch=z9hG4bK.s1",
		"From: <sip:alice@wonderland.com>;tag=a",
		"To: <sip:bob@example.com>",
		"Call-ID: stream-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 4",
		"",
		"ping",
	}, "\r\n")
	two := strings.Join([]string{
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/TCP 10.0.0.1:5060;branch=z9hG4bK.s1",
		"From: <sip:alice@wonderland.com>;tag=a",
		"To: <sip:bob@example.com>;tag=b",
		"Call-ID: stream-1",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	reader := bufio.NewReader(bytes.NewBufferString(one + two))

	msg1, err := p.ParseStream(reader)
	require.NoError(t, err)
	req, ok := msg1.(*Request)
	require.True(t, ok)
	require.Equal(t, "ping", string(req.Body()))

	msg2, err := p.ParseStream(reader)
	require.NoError(t, err)
	res, ok := msg2.(*Response)
	require.True(t, ok)
	require.Equal(t, 200, res.StatusCode)
}

func TestParseUriForms(t *testing.T) {
	var uri Uri
	require.NoError(t, ParseUri("sip:alice:secret@wonderland.com:5070;transport=tcp?subject=hi", &uri))
	require.Equal(t, "alice", uri.User)
	require.Equal(t, "secret", uri.Password)
	require.Equal(t, "wonderland.com", uri.Host)
	require.Equal(t, 5070, uri.Port)
	tp, _ := uri.UriParams.Get("transport")
	require.Equal(t, "tcp", tp)
	subj, _ := uri.Headers.Get("subject")
	require.Equal(t, "hi", subj)

	uri = Uri{}
	require.NoError(t, ParseUri("sips:bob@example.com", &uri))
	require.True(t, uri.Encrypted)

	uri = Uri{}
	require.NoError(t, ParseUri("sip:[::1]:5060;lr", &uri))
	require.Equal(t, "::1", uri.Host)
	require.Equal(t, 5060, uri.Port)
	require.True(t, uri.UriParams.Has("lr"))

	uri = Uri{}
	require.Error(t, ParseUri("http://example.com", &uri))
}
