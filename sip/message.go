package sip

import (
	"io"

	uuid "github.com/satori/go.uuid"
)

// MessageHandler consumes parsed messages coming off a transport.
type MessageHandler func(msg Message)

type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// Method names are defined here as constants for convenience.
const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// Response status codes used by this package.
const (
	StatusTrying            = 100
	StatusRinging           = 180
	StatusOK                = 200
	StatusBadRequest        = 400
	StatusUnauthorized      = 401
	StatusNotFound          = 404
	StatusRequestTimeout    = 408
	StatusBusyHere          = 486
	StatusRequestTerminated = 487
	StatusInternalError     = 500
	StatusNotImplemented    = 501
	StatusServiceUnavail    = 503
)

type MessageID string

func NextMessageID() MessageID {
	return MessageID(uuid.Must(uuid.NewV4()).String())
}

// Message is either a Request or a Response.
type Message interface {
	// StartLine returns the request or status line.
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String returns the RFC 3261 wire form.
	String() string
	StringWrite(io.StringWriter)
	// Short returns brief message info for logging.
	Short() string

	// Headers returns all message headers in order.
	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	AppendHeader(header Header)
	PrependHeader(header ...Header)
	ReplaceHeader(header Header)
	RemoveHeader(name string)
	CloneHeaders() []Header

	/* Direct access to the headers the transaction layer reads on every message */
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CallID() *CallIDHeader
	CSeq() *CSeqHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Route() *RouteHeader

	Body() []byte
	SetBody(body []byte)

	// Transport this message arrived on or should be sent over: UDP, TCP, ...
	Transport() string
	SetTransport(tp string)
	// Source address host:port the message was received from.
	Source() string
	SetSource(src string)
	// Destination address host:port this message should be sent to.
	Destination() string
	SetDestination(dest string)
}

// MessageData is shared between Request and Response.
type MessageData struct {
	headers
	SipVersion string

	body []byte
	tp   string

	// internal routing only
	src  string
	dest string
}

func (msg *MessageData) Body() []byte {
	return msg.body
}

// SetBody sets the body and maintains 'Content-Length'.
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body

	length := ContentLengthHeader(len(body))
	if hdr := msg.ContentLength(); hdr != nil {
		if length == *hdr {
			return
		}
		msg.ReplaceHeader(&length)
		return
	}
	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string {
	return msg.tp
}

func (msg *MessageData) SetTransport(tp string) {
	msg.tp = ASCIIToUpper(tp)
}

func (msg *MessageData) Source() string {
	return msg.src
}

func (msg *MessageData) SetSource(src string) {
	msg.src = src
}

func (msg *MessageData) Destination() string {
	return msg.dest
}

func (msg *MessageData) SetDestination(dest string) {
	msg.dest = dest
}
