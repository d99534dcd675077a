package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// txKeySep joins key fields in the rendered form used by the registry and
// the logs.
const txKeySep = "|"

// TxKey identifies one live transaction in the registry.
type TxKey interface {
	fmt.Stringer
	txKey()
}

// ClientTxKey matches responses to client transactions - RFC 3261 17.1.3:
// the topmost Via branch plus the CSeq method.
type ClientTxKey struct {
	Branch string
	Method RequestMethod
}

func (ClientTxKey) txKey() {}

func (k ClientTxKey) String() string {
	return k.Branch + txKeySep + string(k.Method)
}

// ServerTxKey matches requests to server transactions - RFC 3261 17.2.3.
// Branches are not globally unique on the wire, so sent-by participates.
type ServerTxKey struct {
	Branch string
	Method RequestMethod
	// SentBy is host:port of the topmost Via, with the transport default
	// port filled in.
	SentBy string
	// Legacy carries the RFC 2543 composite for requests without the magic
	// cookie; the other fields are empty then.
	Legacy string
}

func (ServerTxKey) txKey() {}

func (k ServerTxKey) String() string {
	if k.Legacy != "" {
		return k.Legacy
	}
	return k.Branch + txKeySep + k.SentBy + txKeySep + string(k.Method)
}

func isRFC3261Branch(branch string) bool {
	return branch != "" &&
		strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, RFC3261BranchMagicCookie) != ""
}

// MakeClientTxKey builds the client key from a request or its response.
// Both sides derive the method from CSeq, so a matched pair always yields
// equal keys. An ACK matches the INVITE client transaction.
func MakeClientTxKey(msg Message) (ClientTxKey, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return ClientTxKey{}, fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}

	via := msg.Via()
	if via == nil {
		return ClientTxKey{}, fmt.Errorf("'Via' header not found or empty in message '%s'", MessageShortString(msg))
	}

	branch, ok := via.Params.Get("branch")
	if !ok || !isRFC3261Branch(branch) {
		return ClientTxKey{}, fmt.Errorf("'branch' not found or empty in 'Via' header of message '%s'", MessageShortString(msg))
	}

	return ClientTxKey{
		Branch: branch,
		Method: method,
	}, nil
}

// MakeServerTxKey builds the server key from a request or a response the
// server sent. ACKs map onto the INVITE server transaction. asMethod
// overrides the method for CANCEL matching - RFC 3261 9.2.
func MakeServerTxKey(msg Message, asMethod RequestMethod) (ServerTxKey, error) {
	via := msg.Via()
	if via == nil {
		return ServerTxKey{}, fmt.Errorf("'Via' header not found or empty in message '%s'", MessageShortString(msg))
	}

	cseq := msg.CSeq()
	if cseq == nil {
		return ServerTxKey{}, fmt.Errorf("'CSeq' header not found in message '%s'", MessageShortString(msg))
	}

	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	branch, _ := via.Params.Get("branch")
	if isRFC3261Branch(branch) {
		port := via.Port
		if port <= 0 {
			port = DefaultPort(via.Transport)
		}
		return ServerTxKey{
			Branch: branch,
			Method: method,
			SentBy: via.Host + ":" + strconv.Itoa(port),
		}, nil
	}

	// RFC 2543 compliant fallback
	from := msg.From()
	if from == nil {
		return ServerTxKey{}, fmt.Errorf("'From' header not found in message '%s'", MessageShortString(msg))
	}
	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return ServerTxKey{}, fmt.Errorf("'tag' param not found in 'From' header of message '%s'", MessageShortString(msg))
	}
	callID := msg.CallID()
	if callID == nil {
		return ServerTxKey{}, fmt.Errorf("'Call-ID' header not found in message '%s'", MessageShortString(msg))
	}

	var builder strings.Builder
	builder.WriteString(fromTag)
	builder.WriteString(txKeySep)
	builder.WriteString(string(*callID))
	builder.WriteString(txKeySep)
	builder.WriteString(string(method))
	builder.WriteString(txKeySep)
	builder.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	builder.WriteString(txKeySep)
	builder.WriteString(via.Value())

	return ServerTxKey{Legacy: builder.String()}, nil
}
