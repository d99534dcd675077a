package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientTxKeyRequestResponseMatch(t *testing.T) {
	req, _, _ := testCreateInvite(t, "sip:bob@example.com", "UDP", "127.0.0.1:5060")
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)

	reqKey, err := MakeClientTxKey(req)
	require.NoError(t, err)
	resKey, err := MakeClientTxKey(res)
	require.NoError(t, err)

	require.Equal(t, reqKey, resKey)
	require.Equal(t, INVITE, reqKey.Method)
	require.True(t, strings.HasPrefix(reqKey.Branch, RFC3261BranchMagicCookie))
}

func TestServerTxKeyRequestResponseMatch(t *testing.T) {
	req := testCreateRequest(t, "OPTIONS", "sip:bob@example.com", "UDP", "127.0.0.1:5060")
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)

	reqKey, err := MakeServerTxKey(req, "")
	require.NoError(t, err)
	resKey, err := MakeServerTxKey(res, "")
	require.NoError(t, err)

	require.Equal(t, reqKey, resKey)
	require.Equal(t, "127.0.0.1:5060", reqKey.SentBy)
}

func TestServerTxKeyAckMatchesInvite(t *testing.T) {
	invite, callid, ftag := testCreateInvite(t, "sip:bob@example.com", "UDP", "127.0.0.1:5060")
	branch, _ := invite.Via().Params.Get("branch")

	ack := testCreateMessage(t, []string{
		"ACK sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + branch,
		"From: \"Alice\" <sip:alice@127.0.0.1:5060>;tag=" + ftag,
		"To: \"Bob\" <sip:bob@example.com>;tag=remote-1",
		"Call-ID: " + callid,
		"CSeq: 1 ACK",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)

	inviteKey, err := MakeServerTxKey(invite, "")
	require.NoError(t, err)
	ackKey, err := MakeServerTxKey(ack, "")
	require.NoError(t, err)

	require.Equal(t, inviteKey, ackKey)
	require.Equal(t, INVITE, ackKey.Method)
}

func TestServerTxKeySentByDistinguishes(t *testing.T) {
	// Same branch arriving from two different sent-by hosts must not match.
	branch := GenerateBranch()
	build := func(host string) *Request {
		return testCreateMessage(t, []string{
			"OPTIONS sip:bob@example.com SIP/2.0",
			"Via: SIP/2.0/UDP " + host + ";branch=" + branch,
			"From: \"Alice\" <sip:alice@" + host + ">;tag=a1",
			"To: \"Bob\" <sip:bob@example.com>",
			"Call-ID: distinct-sentby",
			"CSeq: 1 OPTIONS",
			"Content-Length: 0",
			"",
			"",
		}).(*Request)
	}

	key1, err := MakeServerTxKey(build("10.0.0.1:5060"), "")
	require.NoError(t, err)
	key2, err := MakeServerTxKey(build("10.0.0.2:5060"), "")
	require.NoError(t, err)

	require.NotEqual(t, key1, key2)
}

func TestServerTxKeyLegacyBranch(t *testing.T) {
	// RFC 2543 peers have no magic cookie: matching falls back to the
	// composite key.
	req := testCreateMessage(t, []string{
		"OPTIONS sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=oldstyle1",
		"From: \"Alice\" <sip:alice@127.0.0.1:5060>;tag=legacy-tag",
		"To: \"Bob\" <sip:bob@example.com>",
		"Call-ID: legacy-call",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)

	key, err := MakeServerTxKey(req, "")
	require.NoError(t, err)
	require.Empty(t, key.Branch)
	require.NotEmpty(t, key.Legacy)
	require.Contains(t, key.Legacy, "legacy-tag")
	require.Contains(t, key.Legacy, "legacy-call")
}

func TestClientTxKeyRequiresMagicCookie(t *testing.T) {
	req := testCreateMessage(t, []string{
		"OPTIONS sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=oldstyle1",
		"From: \"Alice\" <sip:alice@127.0.0.1:5060>;tag=a1",
		"To: \"Bob\" <sip:bob@example.com>",
		"Call-ID: nocookie",
		"CSeq: 1 OPTIONS",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)

	_, err := MakeClientTxKey(req)
	require.Error(t, err)
}

func TestTxKeyMissingVia(t *testing.T) {
	req := NewRequest(OPTIONS, Uri{Host: "example.com"})
	cseq := CSeqHeader{SeqNo: 1, MethodName: OPTIONS}
	req.AppendHeader(&cseq)

	_, err := MakeClientTxKey(req)
	require.Error(t, err)
	_, err = MakeServerTxKey(req, "")
	require.Error(t, err)
}

func TestTxKeyCancelAlias(t *testing.T) {
	invite, callid, ftag := testCreateInvite(t, "sip:bob@example.com", "UDP", "127.0.0.1:5060")
	branch, _ := invite.Via().Params.Get("branch")

	cancel := testCreateMessage(t, []string{
		"CANCEL sip:bob@example.com SIP/2.0",
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=" + branch,
		"From: \"Alice\" <sip:alice@127.0.0.1:5060>;tag=" + ftag,
		"To: \"Bob\" <sip:bob@example.com>",
		"Call-ID: " + callid,
		"CSeq: 1 CANCEL",
		"Content-Length: 0",
		"",
		"",
	}).(*Request)

	inviteKey, err := MakeServerTxKey(invite, "")
	require.NoError(t, err)
	cancelKey, err := MakeServerTxKey(cancel, INVITE)
	require.NoError(t, err)
	require.Equal(t, inviteKey, cancelKey)
}
