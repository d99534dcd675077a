package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// The maximum permissible CSeq number in a SIP message (2**31 - 1).
// C.f. RFC 3261 S. 8.1.1.5.
const maxCseq = 2147483647

// A HeaderParser turns a raw field value into one or more Header objects.
// Comma separated field values come back as multiple headers, in order.
type HeaderParser func(nameLower string, value string) ([]Header, error)

type HeadersParser map[string]HeaderParser

// The default table is kept minimal to avoid parse overhead; everything not
// listed here becomes a GenericHeader. Single letter keys are the RFC 3261
// compact forms.
var headersParsers = HeadersParser{
	"via":            parserVia,
	"v":              parserVia,
	"from":           parserFrom,
	"f":              parserFrom,
	"to":             parserTo,
	"t":              parserTo,
	"call-id":        parserCallID,
	"i":              parserCallID,
	"cseq":           parserCSeq,
	"max-forwards":   parserMaxForwards,
	"content-length": parserContentLength,
	"l":              parserContentLength,
	"content-type":   parserContentType,
	"c":              parserContentType,
	"route":          parserRoute,
	"record-route":   parserRecordRoute,
}

// DefaultHeadersParser returns the built in header table. It can be copied,
// extended and handed to NewParser.
func DefaultHeadersParser() HeadersParser {
	m := make(HeadersParser, len(headersParsers))
	for k, v := range headersParsers {
		m[k] = v
	}
	return m
}

// parseMsgHeader parses one full header line and appends results to msg.
func (hp HeadersParser) parseMsgHeader(msg Message, line string) error {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return fmt.Errorf("field name with no value in header: %q", line)
	}

	name := strings.TrimSpace(line[:colon])
	nameLower := HeaderToLower(name)
	value := strings.TrimSpace(line[colon+1:])

	parser, ok := hp[nameLower]
	if !ok {
		// Unknown header types are forwarded opaque; validation is up to
		// the consumer.
		msg.AppendHeader(NewHeader(name, value))
		return nil
	}

	headers, err := parser(nameLower, value)
	if err != nil {
		return err
	}
	for _, h := range headers {
		msg.AppendHeader(h)
	}
	return nil
}

// parserVia parses a Via field. RFC 3261 treats comma separated hops as
// multiple values of one field; we represent each hop as its own header,
// topmost first.
func parserVia(nameLower string, value string) ([]Header, error) {
	var out []Header
	for _, section := range strings.Split(value, ",") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		hop, err := parseViaHop(section)
		if err != nil {
			return nil, err
		}
		out = append(out, hop)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty Via header")
	}
	return out, nil
}

func parseViaHop(section string) (*ViaHeader, error) {
	// sent-protocol: "SIP" "/" "2.0" "/" transport
	slash := strings.IndexByte(section, '/')
	if slash < 0 {
		return nil, fmt.Errorf("malformed protocol name in Via header: '%s'", section)
	}
	if name := strings.TrimSpace(section[:slash]); !UriIsSIP(name) {
		return nil, fmt.Errorf("unsupported protocol '%s' in Via header", name)
	}
	section = section[slash+1:]

	slash = strings.IndexByte(section, '/')
	if slash < 0 {
		return nil, fmt.Errorf("malformed protocol version in Via header")
	}
	section = section[slash+1:]

	space := strings.IndexAny(section, abnfWs)
	if space < 0 {
		return nil, fmt.Errorf("malformed transport in Via header")
	}

	hop := &ViaHeader{
		Transport: ASCIIToUpper(strings.TrimSpace(section[:space])),
		Params:    NewParams(),
	}
	section = strings.TrimLeft(section[space+1:], abnfWs)

	sentBy := section
	if semi := paramsIndex(section); semi >= 0 {
		sentBy = section[:semi]
		params, err := UnmarshalParams(section[semi+1:], ';', hop.Params)
		if err != nil {
			return nil, err
		}
		hop.Params = params
	}

	var uri Uri
	if err := parseHostPort(strings.TrimSpace(sentBy), &uri); err != nil {
		return nil, fmt.Errorf("malformed sent-by in Via header: %w", err)
	}
	hop.Host = uri.Host
	hop.Port = uri.Port
	return hop, nil
}

func parserFrom(nameLower string, value string) ([]Header, error) {
	h := FromHeader{Params: NewParams()}
	if err := parseNameAddr(value, &h.DisplayName, &h.Address, &h.Params); err != nil {
		return nil, err
	}
	return []Header{&h}, nil
}

func parserTo(nameLower string, value string) ([]Header, error) {
	h := ToHeader{Params: NewParams()}
	if err := parseNameAddr(value, &h.DisplayName, &h.Address, &h.Params); err != nil {
		return nil, err
	}
	return []Header{&h}, nil
}

// parseNameAddr parses the name-addr / addr-spec production used by
// From, To and friends: [ display-name ] <uri> *( ";" param )
func parseNameAddr(value string, displayName *string, uri *Uri, params *HeaderParams) error {
	value = strings.TrimSpace(value)

	open := strings.IndexByte(value, '<')
	if open < 0 {
		// addr-spec without angle brackets; everything after ';' is treated
		// as header params.
		if semi := strings.IndexByte(value, ';'); semi >= 0 {
			p, err := UnmarshalParams(value[semi+1:], ';', *params)
			if err != nil {
				return err
			}
			*params = p
			value = value[:semi]
		}
		return ParseUri(strings.TrimSpace(value), uri)
	}

	display := strings.TrimSpace(value[:open])
	*displayName = strings.Trim(display, "\"")

	closing := strings.IndexByte(value[open:], '>')
	if closing < 0 {
		return fmt.Errorf("unclosed angle bracket in '%s'", value)
	}
	closing += open

	if err := ParseUri(value[open+1:closing], uri); err != nil {
		return err
	}

	rest := strings.TrimSpace(value[closing+1:])
	if strings.HasPrefix(rest, ";") {
		p, err := UnmarshalParams(rest[1:], ';', *params)
		if err != nil {
			return err
		}
		*params = p
	}
	return nil
}

func parserCallID(nameLower string, value string) ([]Header, error) {
	if value == "" {
		return nil, fmt.Errorf("empty Call-ID body")
	}
	callID := CallIDHeader(value)
	return []Header{&callID}, nil
}

func parserCSeq(nameLower string, value string) ([]Header, error) {
	ind := strings.IndexAny(value, abnfWs)
	if ind < 1 || len(value)-ind < 2 {
		return nil, fmt.Errorf("CSeq field should have precisely one whitespace section: '%s'", value)
	}

	seqno, err := strconv.ParseUint(value[:ind], 10, 32)
	if err != nil {
		return nil, err
	}
	if seqno > maxCseq {
		return nil, fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value 2**31 - 1", seqno)
	}

	cseq := CSeqHeader{
		SeqNo:      uint32(seqno),
		MethodName: RequestMethod(ASCIIToUpper(strings.TrimSpace(value[ind+1:]))),
	}
	return []Header{&cseq}, nil
}

func parserMaxForwards(nameLower string, value string) ([]Header, error) {
	val, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return nil, err
	}
	maxfwd := MaxForwardsHeader(val)
	return []Header{&maxfwd}, nil
}

func parserContentLength(nameLower string, value string) ([]Header, error) {
	val, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return nil, err
	}
	length := ContentLengthHeader(val)
	return []Header{&length}, nil
}

func parserContentType(nameLower string, value string) ([]Header, error) {
	if value == "" {
		return nil, fmt.Errorf("empty Content-Type body")
	}
	ct := ContentTypeHeader(value)
	return []Header{&ct}, nil
}

func parserRoute(nameLower string, value string) ([]Header, error) {
	var out []Header
	err := parseRouteSet(value, func(uri Uri) {
		out = append(out, &RouteHeader{Address: uri})
	})
	return out, err
}

func parserRecordRoute(nameLower string, value string) ([]Header, error) {
	var out []Header
	err := parseRouteSet(value, func(uri Uri) {
		out = append(out, &RecordRouteHeader{Address: uri})
	})
	return out, err
}

func parseRouteSet(value string, push func(uri Uri)) error {
	for _, section := range strings.Split(value, ",") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		section = strings.TrimPrefix(section, "<")
		section = strings.TrimSuffix(section, ">")
		var uri Uri
		if err := ParseUri(section, &uri); err != nil {
			return err
		}
		push(uri)
	}
	return nil
}

// UnmarshalParams appends key=value pairs split by sep into params.
// Quoted values are unwrapped.
func UnmarshalParams(s string, sep byte, params HeaderParams) (HeaderParams, error) {
	for _, part := range strings.Split(s, string(sep)) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			key := part[:eq]
			val := strings.Trim(part[eq+1:], "\"")
			params = params.Add(key, val)
		} else {
			params = params.Add(part, "")
		}
	}
	return params, nil
}
