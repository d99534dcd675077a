package sip

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCreateMessage(t testing.TB, rawMsg []string) Message {
	msg, err := ParseMessage([]byte(strings.Join(rawMsg, "\r\n")))
	require.NoError(t, err)
	return msg
}

func testCreateRequest(t testing.TB, method string, targetSipUri string, transport, fromAddr string) *Request {
	branch := GenerateBranch()
	callid := "gotest-" + time.Now().Format(time.RFC3339Nano)
	ftag := fmt.Sprintf("%d", time.Now().UnixNano())
	return testCreateMessage(t, []string{
		method + " " + targetSipUri + " SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + fromAddr + ";branch=" + branch,
		"From: \"Alice\" <sip:alice@" + fromAddr + ">;tag=" + ftag,
		"To: \"Bob\" <" + targetSipUri + ">",
		"Call-ID: " + callid,
		"CSeq: 1 " + method,
		"Content-Length: 0",
		"",
		"",
	}).(*Request)
}

func testCreateInvite(t testing.TB, targetSipUri string, transport, fromAddr string) (r *Request, callid string, ftag string) {
	branch := GenerateBranch()
	callid = "gotest-" + time.Now().Format(time.RFC3339Nano)
	ftag = fmt.Sprintf("%d", time.Now().UnixNano())
	return testCreateMessage(t, []string{
		"INVITE " + targetSipUri + " SIP/2.0",
		"Via: SIP/2.0/" + transport + " " + fromAddr + ";branch=" + branch,
		"From: \"Alice\" <sip:alice@" + fromAddr + ">;tag=" + ftag,
		"To: \"Bob\" <" + targetSipUri + ">",
		"Call-ID: " + callid,
		"CSeq: 1 INVITE",
		"Content-Length: 0",
		"",
		"",
	}).(*Request), callid, ftag
}

// testConn records everything a transaction writes.
type testConn struct {
	mu       sync.Mutex
	messages []Message
	writeErr error
}

func (c *testConn) WriteMsg(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *testConn) Ref(i int) int          { return 0 }
func (c *testConn) TryClose() (int, error) { return 0, nil }
func (c *testConn) Close() error           { return nil }

func (c *testConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *testConn) Message(i int) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[i]
}

func (c *testConn) Last() Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// testSetTimers compresses the RFC timers for a test and restores the
// defaults on cleanup.
func testSetTimers(t testing.TB, t1, t2, t4 time.Duration) {
	SetTimers(t1, t2, t4)
	t.Cleanup(func() {
		SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
	})
}

func TestHeaderToLower(t *testing.T) {
	require.Equal(t, "via", HeaderToLower("Via"))
	require.Equal(t, "call-id", HeaderToLower("Call-ID"))
	require.Equal(t, "x-custom", HeaderToLower("X-Custom"))
	require.Equal(t, "already-lower", HeaderToLower("already-lower"))
}

func TestGenerateBranch(t *testing.T) {
	b1 := GenerateBranch()
	b2 := GenerateBranch()
	require.True(t, strings.HasPrefix(b1, RFC3261BranchMagicCookie))
	require.NotEqual(t, b1, b2)
}
