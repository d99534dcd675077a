package sip

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrParseLineNoCRLF     = errors.New("line has no CRLF")
	ErrParseInvalidMessage = errors.New("invalid SIP message")
)

var bufReader = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// ParseMessage converts data to a sip message using the default parser.
func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser turns wire data into Request / Response values.
type Parser struct {
	log            zerolog.Logger
	headersParsers HeadersParser
}

type ParserOption func(p *Parser)

// WithParserLogger overrides the parser logger.
func WithParserLogger(logger zerolog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithHeadersParsers overrides the header table. Keep the table small;
// every entry costs on the parse hot path.
func WithHeadersParsers(m HeadersParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = m
	}
}

func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:            DefaultLogger().With().Str("caller", "Parser").Logger(),
		headersParsers: headersParsers,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// ParseSIP converts data to a sip message. The buffer must contain one full
// message.
func (p *Parser) ParseSIP(data []byte) (Message, error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err := ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := nextLine(reader)
		if err != nil {
			if err == io.EOF {
				return nil, ErrParseInvalidMessage
			}
			return nil, err
		}

		if len(line) == 0 {
			// End of the header section.
			break
		}

		if err := p.headersParsers.parseMsgHeader(msg, line); err != nil {
			p.log.Info().Err(err).Str("line", line).Msg("skip header due to error")
		}
	}

	contentLength := bodyLength(msg, reader.Len())
	if contentLength <= 0 {
		return msg, nil
	}

	body := make([]byte, contentLength)
	total, err := reader.Read(body)
	if err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	// RFC 3261 - 18.3.
	if total != contentLength {
		return nil, fmt.Errorf("incomplete message body: read %d bytes, expected %d bytes", total, contentLength)
	}

	msg.SetBody(body)
	return msg, nil
}

// ParseStream reads exactly one message off a stream oriented transport,
// framing the body on Content-Length - RFC 3261 18.3.
func (p *Parser) ParseStream(reader *bufio.Reader) (Message, error) {
	startLine, err := readLineCRLF(reader)
	if err != nil {
		return nil, err
	}
	// Stream keep-alives are CRLF sequences between messages.
	for len(startLine) == 0 {
		startLine, err = readLineCRLF(reader)
		if err != nil {
			return nil, err
		}
	}

	msg, err := ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := readLineCRLF(reader)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		if err := p.headersParsers.parseMsgHeader(msg, line); err != nil {
			p.log.Info().Err(err).Str("line", line).Msg("skip header due to error")
		}
	}

	// On streams the Content-Length header is mandatory framing.
	hdr := msg.ContentLength()
	if hdr == nil || *hdr == 0 {
		return msg, nil
	}

	body := make([]byte, int(*hdr))
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	msg.SetBody(body)
	return msg, nil
}

// ParseLine detects the message kind from the start line and constructs the
// empty message.
func ParseLine(startLine string) (Message, error) {
	if isRequest(startLine) {
		recipient := Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}
		m := NewRequest(method, recipient)
		m.SipVersion = sipVersion
		return m, nil
	}

	if isResponse(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}
		m := NewResponse(statusCode, reason)
		m.SipVersion = sipVersion
		return m, nil
	}
	return nil, fmt.Errorf("transmission beginning '%s' is not a SIP message", startLine)
}

// nextLine reads until CRLF - RFC 3261 7: every line of the header section
// must be CRLF terminated, including the empty line.
func nextLine(reader *bytes.Buffer) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return line, err
	}

	lenline := len(line)
	if lenline < 2 || line[lenline-2] != '\r' {
		return line, ErrParseLineNoCRLF
	}
	return line[:lenline-2], nil
}

func readLineCRLF(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return line, err
	}
	lenline := len(line)
	if lenline < 2 || line[lenline-2] != '\r' {
		return line, ErrParseLineNoCRLF
	}
	return line[:lenline-2], nil
}

// bodyLength returns the number of body bytes to consume. The header value
// wins when present; remaining buffer size is the datagram fallback.
func bodyLength(msg Message, remaining int) int {
	if hdr := msg.ContentLength(); hdr != nil {
		return int(*hdr)
	}
	return remaining
}

// isRequest is a heuristic: any RFC 3261 compliant request passes, invalid
// transmissions may too.
func isRequest(startLine string) bool {
	// Request lines contain precisely two spaces, and the last part is the
	// SIP version.
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) != 3 {
		return false
	}
	return strings.HasPrefix(parts[2], "SIP/")
}

func isResponse(startLine string) bool {
	return strings.HasPrefix(startLine, "SIP/")
}

// ParseRequestLine parses e.g. "INVITE sip:bob@example.com SIP/2.0".
func ParseRequestLine(requestLine string, recipient *Uri) (method RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("request line should have 2 spaces: '%s'", requestLine)
	}

	method = RequestMethod(ASCIIToUpper(parts[0]))
	sipVersion = parts[2]
	if err := ParseUri(parts[1], recipient); err != nil {
		return method, sipVersion, err
	}
	if recipient.Wildcard {
		return method, sipVersion, fmt.Errorf("wildcard URI '*' not permitted in request line: '%s'", requestLine)
	}
	return method, sipVersion, nil
}

// ParseStatusLine parses e.g. "SIP/2.0 200 OK".
func ParseStatusLine(statusLine string) (sipVersion string, statusCode int, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		return "", 0, "", fmt.Errorf("status line has too few spaces: '%s'", statusLine)
	}

	sipVersion = parts[0]
	code, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return sipVersion, 0, "", fmt.Errorf("invalid status code: '%s'", parts[1])
	}
	return sipVersion, int(code), strings.Join(parts[2:], " "), nil
}
