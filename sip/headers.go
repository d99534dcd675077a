package sip

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Header is a single SIP header field.
type Header interface {
	// Name returns the canonical header name.
	Name() string
	// Value returns the rendered field value without the name.
	Value() string
	String() string
	// StringWrite renders name and value into w, reusing a single buffer.
	StringWrite(w io.StringWriter)

	headerClone() Header
}

// HeaderClone exposes cloning of any header to other packages.
func HeaderClone(h Header) Header {
	return h.headerClone()
}

// headers keeps field order as received plus direct pointers to the headers
// the transaction layer needs on every message.
type headers struct {
	fields []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callID        *CallIDHeader
	cseq          *CSeqHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
	route         *RouteHeader
}

func (hs *headers) String() string {
	buffer := strings.Builder{}
	hs.StringWrite(&buffer)
	return buffer.String()
}

func (hs *headers) StringWrite(buffer io.StringWriter) {
	for i, header := range hs.fields {
		if i > 0 {
			buffer.WriteString("\r\n")
		}
		header.StringWrite(buffer)
	}
	buffer.WriteString("\r\n")
}

// AppendHeader adds header at the end of the list.
func (hs *headers) AppendHeader(header Header) {
	hs.fields = append(hs.fields, header)
	hs.cachePointer(header)
}

func (hs *headers) cachePointer(header Header) {
	switch m := header.(type) {
	case *ViaHeader:
		if hs.via == nil {
			hs.via = m
		}
	case *FromHeader:
		hs.from = m
	case *ToHeader:
		hs.to = m
	case *CallIDHeader:
		hs.callID = m
	case *CSeqHeader:
		hs.cseq = m
	case *ContentLengthHeader:
		hs.contentLength = m
	case *ContentTypeHeader:
		hs.contentType = m
	case *RouteHeader:
		if hs.route == nil {
			hs.route = m
		}
	}
}

// PrependHeader adds headers to the front of the list. A Via prepended this
// way becomes the new topmost Via.
func (hs *headers) PrependHeader(headers ...Header) {
	newOrder := make([]Header, 0, len(hs.fields)+len(headers))
	newOrder = append(newOrder, headers...)
	newOrder = append(newOrder, hs.fields...)
	hs.fields = newOrder
	for _, h := range headers {
		if via, ok := h.(*ViaHeader); ok {
			hs.via = via
			continue
		}
		hs.cachePointer(h)
	}
}

// ReplaceHeader swaps the first header with the same name.
func (hs *headers) ReplaceHeader(header Header) {
	name := HeaderToLower(header.Name())
	for i, h := range hs.fields {
		if HeaderToLower(h.Name()) == name {
			hs.fields[i] = header
			hs.cachePointer(header)
			return
		}
	}
	hs.AppendHeader(header)
}

// RemoveHeader removes all headers with the given name.
func (hs *headers) RemoveHeader(name string) {
	name = HeaderToLower(name)
	filtered := hs.fields[:0]
	for _, h := range hs.fields {
		if HeaderToLower(h.Name()) == name {
			continue
		}
		filtered = append(filtered, h)
	}
	hs.fields = filtered

	switch name {
	case "via":
		hs.via = nil
	case "from":
		hs.from = nil
	case "to":
		hs.to = nil
	case "call-id":
		hs.callID = nil
	case "cseq":
		hs.cseq = nil
	case "content-length":
		hs.contentLength = nil
	case "content-type":
		hs.contentType = nil
	case "route":
		hs.route = nil
	}
}

// Headers returns all message headers in order.
func (hs *headers) Headers() []Header {
	return hs.fields
}

// GetHeaders returns all headers with the given name.
func (hs *headers) GetHeaders(name string) []Header {
	var hds []Header
	nameLower := HeaderToLower(name)
	for _, h := range hs.fields {
		if HeaderToLower(h.Name()) == nameLower {
			hds = append(hds, h)
		}
	}
	return hds
}

// GetHeader returns the first header with the given name or nil.
func (hs *headers) GetHeader(name string) Header {
	nameLower := HeaderToLower(name)
	for _, h := range hs.fields {
		if HeaderToLower(h.Name()) == nameLower {
			return h
		}
	}
	return nil
}

// CloneHeaders returns deep copies of all headers.
func (hs *headers) CloneHeaders() []Header {
	hdrs := make([]Header, 0, len(hs.fields))
	for _, h := range hs.fields {
		hdrs = append(hdrs, h.headerClone())
	}
	return hdrs
}

// Via returns the topmost Via header or nil.
func (hs *headers) Via() *ViaHeader { return hs.via }

func (hs *headers) From() *FromHeader { return hs.from }

func (hs *headers) To() *ToHeader { return hs.to }

func (hs *headers) CallID() *CallIDHeader { return hs.callID }

func (hs *headers) CSeq() *CSeqHeader { return hs.cseq }

func (hs *headers) ContentLength() *ContentLengthHeader { return hs.contentLength }

func (hs *headers) ContentType() *ContentTypeHeader { return hs.contentType }

// Route returns the first Route header or nil.
func (hs *headers) Route() *RouteHeader { return hs.route }

// ViaHeader is a single Via hop. Comma separated hops on one field line are
// split into separate ViaHeader entries by the parser, topmost first.
type ViaHeader struct {
	// Transport in upper case: UDP, TCP, TLS, WS, WSS.
	Transport string
	Host      string
	// Zero when the sent-by carried no port.
	Port   int
	Params HeaderParams
}

func (h *ViaHeader) Name() string { return "Via" }

// SentBy renders the sent-by production: host with optional port.
func (h *ViaHeader) SentBy() string {
	if h.Port > 0 {
		return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
	}
	return h.Host
}

func (h *ViaHeader) Value() string {
	var buffer strings.Builder
	h.ValueStringWrite(&buffer)
	return buffer.String()
}

func (h *ViaHeader) ValueStringWrite(buffer io.StringWriter) {
	buffer.WriteString("SIP/2.0/")
	buffer.WriteString(h.Transport)
	buffer.WriteString(" ")
	buffer.WriteString(h.Host)
	if h.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(h.Port))
	}
	if h.Params.Length() > 0 {
		buffer.WriteString(";")
		h.Params.ToStringWrite(';', buffer)
	}
}

func (h *ViaHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ViaHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.ValueStringWrite(buffer)
}

func (h *ViaHeader) Clone() *ViaHeader {
	if h == nil {
		return nil
	}
	return &ViaHeader{
		Transport: h.Transport,
		Host:      h.Host,
		Port:      h.Port,
		Params:    h.Params.Clone(),
	}
}

func (h *ViaHeader) headerClone() Header { return h.Clone() }

// FromHeader - RFC 3261 8.1.1.3.
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) Name() string { return "From" }

func (h *FromHeader) Value() string {
	var buffer strings.Builder
	nameAddrStringWrite(&buffer, h.DisplayName, &h.Address, h.Params)
	return buffer.String()
}

func (h *FromHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *FromHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	nameAddrStringWrite(buffer, h.DisplayName, &h.Address, h.Params)
}

func (h *FromHeader) headerClone() Header {
	if h == nil {
		return (*FromHeader)(nil)
	}
	return &FromHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

// ToHeader - RFC 3261 8.1.1.2.
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) Name() string { return "To" }

func (h *ToHeader) Value() string {
	var buffer strings.Builder
	nameAddrStringWrite(&buffer, h.DisplayName, &h.Address, h.Params)
	return buffer.String()
}

func (h *ToHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ToHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	nameAddrStringWrite(buffer, h.DisplayName, &h.Address, h.Params)
}

func (h *ToHeader) headerClone() Header {
	if h == nil {
		return (*ToHeader)(nil)
	}
	return &ToHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

func nameAddrStringWrite(buffer io.StringWriter, display string, addr *Uri, params HeaderParams) {
	if display != "" {
		buffer.WriteString("\"")
		buffer.WriteString(display)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	addr.StringWrite(buffer)
	buffer.WriteString(">")
	if params.Length() > 0 {
		buffer.WriteString(";")
		params.ToStringWrite(';', buffer)
	}
}

// CallIDHeader - 'Call-ID'.
type CallIDHeader string

func (h *CallIDHeader) Name() string { return "Call-ID" }

func (h *CallIDHeader) Value() string { return string(*h) }

func (h *CallIDHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *CallIDHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *CallIDHeader) headerClone() Header { return h }

// CSeqHeader pairs a sequence number with the method - RFC 3261 8.1.1.5.
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	return fmt.Sprintf("%d %s", h.SeqNo, h.MethodName)
}

func (h *CSeqHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *CSeqHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(strconv.Itoa(int(h.SeqNo)))
	buffer.WriteString(" ")
	buffer.WriteString(string(h.MethodName))
}

func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		return (*CSeqHeader)(nil)
	}
	return &CSeqHeader{
		SeqNo:      h.SeqNo,
		MethodName: h.MethodName,
	}
}

type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string { return "Max-Forwards" }

func (h *MaxForwardsHeader) Value() string { return strconv.Itoa(int(*h)) }

func (h *MaxForwardsHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *MaxForwardsHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *MaxForwardsHeader) headerClone() Header { return h }

type ContentLengthHeader uint32

func (h *ContentLengthHeader) Name() string { return "Content-Length" }

func (h *ContentLengthHeader) Value() string { return strconv.Itoa(int(*h)) }

func (h *ContentLengthHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentLengthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ContentLengthHeader) headerClone() Header { return h }

type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string { return "Content-Type" }

func (h *ContentTypeHeader) Value() string { return string(*h) }

func (h *ContentTypeHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentTypeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ContentTypeHeader) headerClone() Header { return h }

// RouteHeader holds one route set entry. Comma separated sets are split into
// separate RouteHeader entries by the parser.
type RouteHeader struct {
	Address Uri
}

func (h *RouteHeader) Name() string { return "Route" }

func (h *RouteHeader) Value() string {
	var buffer strings.Builder
	buffer.WriteString("<")
	h.Address.StringWrite(&buffer)
	buffer.WriteString(">")
	return buffer.String()
}

func (h *RouteHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *RouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *RouteHeader) headerClone() Header {
	return &RouteHeader{Address: *h.Address.Clone()}
}

type RecordRouteHeader struct {
	Address Uri
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }

func (h *RecordRouteHeader) Value() string {
	var buffer strings.Builder
	buffer.WriteString("<")
	h.Address.StringWrite(&buffer)
	buffer.WriteString(">")
	return buffer.String()
}

func (h *RecordRouteHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *RecordRouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *RecordRouteHeader) headerClone() Header {
	return &RecordRouteHeader{Address: *h.Address.Clone()}
}

// GenericHeader carries a header this package does not natively parse.
// The contents are relayed opaque, including any parameters.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string { return h.HeaderName }

func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *GenericHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return (*GenericHeader)(nil)
	}
	return &GenericHeader{
		HeaderName: h.HeaderName,
		Contents:   h.Contents,
	}
}

// NewHeader creates a generic, unparsed header.
func NewHeader(name, value string) Header {
	return &GenericHeader{
		HeaderName: name,
		Contents:   value,
	}
}

// CopyHeaders copies all headers of one type from one message to another,
// appending after any headers already present.
func CopyHeaders(name string, from, to Message) {
	for _, h := range from.GetHeaders(name) {
		to.AppendHeader(h.headerClone())
	}
}
