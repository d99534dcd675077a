package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Request - RFC 3261 7.1.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri
}

// NewRequest creates the base for building a sip Request. No headers are
// added; AppendHeader and SetBody complete the message.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	req := &Request{}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{
		fields: make([]Header, 0, 10),
	}
	req.Method = method
	req.Recipient = *recipient.Clone()
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s recipient=%s transport=%s source=%s",
		req.Method,
		req.Recipient.String(),
		req.Transport(),
		req.Source(),
	)
}

// StartLine returns the Request Line - RFC 3261 7.1.
func (req *Request) StartLine() string {
	var buffer strings.Builder
	req.StartLineWrite(&buffer)
	return buffer.String()
}

func (req *Request) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(string(req.Method))
	buffer.WriteString(" ")
	req.Recipient.StringWrite(buffer)
	buffer.WriteString(" ")
	buffer.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var buffer strings.Builder
	req.StringWrite(&buffer)
	return buffer.String()
}

func (req *Request) StringWrite(buffer io.StringWriter) {
	// The start-line, each message-header line, and the empty line MUST be
	// terminated by CRLF, even when the message body is absent.
	req.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	req.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if req.body != nil {
		buffer.WriteString(string(req.body))
	}
}

func (req *Request) IsInvite() bool {
	return req.Method == INVITE
}

func (req *Request) IsAck() bool {
	return req.Method == ACK
}

func (req *Request) IsCancel() bool {
	return req.Method == CANCEL
}

// Transport resolves the transport the request travels over: an explicitly
// set value, the transport param of the target URI, the top Via, or the
// default protocol, in that order.
func (req *Request) Transport() string {
	if tp := req.MessageData.Transport(); tp != "" {
		return tp
	}

	var tp string
	if via := req.Via(); via != nil && via.Transport != "" {
		tp = via.Transport
	} else {
		tp = DefaultProtocol
	}

	uri := &req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = &hdr.Address
	}
	if val, ok := uri.UriParams.Get("transport"); ok && val != "" {
		tp = ASCIIToUpper(val)
	}

	if uri.IsEncrypted() {
		switch tp {
		case TransportTCP:
			tp = TransportTLS
		case TransportWS:
			tp = TransportWSS
		}
	}
	return tp
}

// Source returns the host:port the request was received from. Parsed
// requests have it set by the transport; otherwise it is derived from the
// top Via with received/rport applied - RFC 3581 4.
func (req *Request) Source() string {
	if src := req.MessageData.Source(); src != "" {
		return src
	}

	via := req.Via()
	if via == nil {
		return ""
	}

	host := via.Host
	port := via.Port
	if port == 0 {
		port = DefaultPort(req.Transport())
	}
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Destination returns the host:port the request should be sent to: an
// explicitly set value, the first Route, or the request URI.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}

	uri := &req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = &hdr.Address
	}

	port := uri.Port
	if port == 0 {
		port = DefaultPort(req.Transport())
	}
	return fmt.Sprintf("%s:%d", uri.Host, port)
}

// Clone performs a deep copy except the body, which is shared.
func (req *Request) Clone() *Request {
	newReq := NewRequest(req.Method, req.Recipient)
	newReq.SipVersion = req.SipVersion
	for _, h := range req.CloneHeaders() {
		newReq.AppendHeader(h)
	}
	if req.body != nil {
		newReq.SetBody(req.Body())
	}
	newReq.SetTransport(req.MessageData.Transport())
	newReq.SetSource(req.MessageData.Source())
	newReq.SetDestination(req.MessageData.Destination())
	return newReq
}

// newAckRequestNon2xx builds the transaction layer ACK for a non-2xx final
// response - RFC 3261 17.1.1.3. This is not the dialog ACK used for 2xx.
func newAckRequestNon2xx(inviteRequest *Request, inviteResponse *Response) *Request {
	ackRequest := NewRequest(ACK, inviteRequest.Recipient)
	ackRequest.SipVersion = inviteRequest.SipVersion

	// The ACK MUST contain a single Via header field, and this MUST be equal
	// to the top Via header field of the original request.
	if via := inviteRequest.Via(); via != nil {
		ackRequest.AppendHeader(via.Clone())
	}

	maxForwards := MaxForwardsHeader(70)
	ackRequest.AppendHeader(&maxForwards)

	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}

	// To of the INVITE, with the tag the final response carried.
	if h := inviteRequest.To(); h != nil {
		to := h.headerClone().(*ToHeader)
		if rh := inviteResponse.To(); rh != nil {
			if tag, ok := rh.Params.Get("tag"); ok {
				if to.Params == nil {
					to.Params = NewParams()
				}
				to.Params.Add("tag", tag)
			}
		}
		ackRequest.AppendHeader(to)
	}

	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}

	if h := inviteRequest.CSeq(); h != nil {
		// Same sequence number as the INVITE, method ACK.
		cseq := h.headerClone().(*CSeqHeader)
		cseq.MethodName = ACK
		ackRequest.AppendHeader(cseq)
	}

	if routes := inviteRequest.GetHeaders("Route"); len(routes) > 0 {
		CopyHeaders("Route", inviteRequest, ackRequest)
	} else {
		// RFC 2543 6.29 fallback: reversed Record-Route of the response.
		hdrs := inviteResponse.GetHeaders("Record-Route")
		for i := len(hdrs) - 1; i >= 0; i-- {
			if rr, ok := hdrs[i].(*RecordRouteHeader); ok {
				ackRequest.AppendHeader(&RouteHeader{Address: *rr.Address.Clone()})
			}
		}
	}

	ackRequest.SetBody(nil)
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.MessageData.Source())
	// The ACK MUST be sent to the same address, port, and transport to which
	// the original request was sent - RFC 3261 17.1.1.2.
	ackRequest.SetDestination(inviteRequest.Destination())
	return ackRequest
}
