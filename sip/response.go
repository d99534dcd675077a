package sip

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response - RFC 3261 7.2.
type Response struct {
	MessageData

	StatusCode int    // e.g. 200
	Reason     string // e.g. "OK"
}

// NewResponse creates the base structure of a response.
func NewResponse(statusCode int, reason string) *Response {
	res := &Response{}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{
		fields: make([]Header, 0, 10),
	}
	res.StatusCode = statusCode
	res.Reason = reason
	return res
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s transport=%s source=%s",
		res.StatusCode,
		res.Reason,
		res.Transport(),
		res.Source(),
	)
}

// StartLine returns the Status Line - RFC 3261 7.2.
func (res *Response) StartLine() string {
	var buffer strings.Builder
	res.StartLineWrite(&buffer)
	return buffer.String()
}

func (res *Response) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(res.SipVersion)
	buffer.WriteString(" ")
	buffer.WriteString(strconv.Itoa(res.StatusCode))
	buffer.WriteString(" ")
	buffer.WriteString(res.Reason)
}

func (res *Response) String() string {
	var buffer strings.Builder
	res.StringWrite(&buffer)
	return buffer.String()
}

func (res *Response) StringWrite(buffer io.StringWriter) {
	res.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	res.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if res.body != nil {
		buffer.WriteString(string(res.body))
	}
}

func (res *Response) IsProvisional() bool {
	return res.StatusCode < 200
}

func (res *Response) IsSuccess() bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (res *Response) IsRedirection() bool {
	return res.StatusCode >= 300 && res.StatusCode < 400
}

func (res *Response) IsClientError() bool {
	return res.StatusCode >= 400 && res.StatusCode < 500
}

func (res *Response) IsServerError() bool {
	return res.StatusCode >= 500 && res.StatusCode < 600
}

func (res *Response) IsGlobalError() bool {
	return res.StatusCode >= 600
}

func (res *Response) IsCancel() bool {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName == CANCEL
	}
	return false
}

func (res *Response) Transport() string {
	if tp := res.MessageData.Transport(); tp != "" {
		return tp
	}
	if via := res.Via(); via != nil && via.Transport != "" {
		return via.Transport
	}
	return DefaultProtocol
}

// Destination returns the host:port the response should be sent to, derived
// from the top Via with received/rport applied - RFC 3581 4.
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}

	via := res.Via()
	if via == nil {
		return ""
	}

	host := via.Host
	port := via.Port
	if port == 0 {
		port = DefaultPort(res.Transport())
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

func (res *Response) Clone() *Response {
	newRes := NewResponse(res.StatusCode, res.Reason)
	newRes.SipVersion = res.SipVersion
	for _, h := range res.CloneHeaders() {
		newRes.AppendHeader(h)
	}
	if res.body != nil {
		newRes.SetBody(res.Body())
	}
	newRes.SetTransport(res.MessageData.Transport())
	newRes.SetSource(res.MessageData.Source())
	newRes.SetDestination(res.MessageData.Destination())
	return newRes
}

// NewResponseFromRequest builds a response the way RFC 3261 8.2.6 demands:
// Via set copied in order, From/To/Call-ID/CSeq mirrored, a To tag added on
// everything above 100, and rport echoed when the request asked for it.
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion

	CopyHeaders("Record-Route", req, res)
	CopyHeaders("Via", req, res)
	if h := req.From(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.To(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(h.headerClone())
	}

	if via := res.Via(); via != nil {
		// RFC 3581 4: fill the requested rport with the observed source.
		if val, ok := via.Params.Get("rport"); ok && val == "" {
			if host, port, err := ParseAddr(req.Source()); err == nil {
				via.Params.Add("rport", strconv.Itoa(port))
				via.Params.Add("received", host)
			}
		}
	}

	// 8.2.6.2: the same To tag must be used for all responses to the request;
	// 100 Trying is the exception that may go without one.
	if statusCode != StatusTrying {
		if h := res.To(); h != nil && !h.Params.Has("tag") {
			if h.Params == nil {
				h.Params = NewParams()
			}
			h.Params.Add("tag", uuid.NewString())
		}
	}

	res.SetBody(body)
	res.SetTransport(req.Transport())
	res.SetDestination(req.Source())
	return res
}

func ParseAddrIP(addr string) (net.IP, int, error) {
	host, port, err := ParseAddr(addr)
	if err != nil {
		return nil, 0, err
	}
	return net.ParseIP(host), port, nil
}
