package sip

import (
	"io"
	"strconv"
	"strings"
)

// Uri is a sip / sips URI - RFC 3261 19.1.
type Uri struct {
	// Encrypted is true for a SIPS URI.
	Encrypted bool
	// Wildcard is the special '*' Contact URI.
	Wildcard bool

	// The 'joe' in sip:joe@example.com. May be empty.
	User string
	// RFC 3261 strongly recommends against passwords in URIs. Parsed anyway.
	Password string
	// Domain or textual IP address.
	Host string
	// Zero when absent.
	Port int

	// Params following host[:port] as ;key=value pairs.
	UriParams HeaderParams
	// Headers of the URI after '?', joined by '&'.
	Headers HeaderParams
}

func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	if uri.Wildcard {
		buffer.WriteString("*")
		return
	}

	if uri.Encrypted {
		buffer.WriteString("sips:")
	} else {
		buffer.WriteString("sip:")
	}

	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	buffer.WriteString(uri.Host)
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		uri.UriParams.ToStringWrite(';', buffer)
	}

	if uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		uri.Headers.ToStringWrite('&', buffer)
	}
}

// Clone returns a copy with params detached.
func (uri *Uri) Clone() *Uri {
	c := *uri
	c.UriParams = uri.UriParams.Clone()
	c.Headers = uri.Headers.Clone()
	return &c
}

// HostPort renders host:port with the port omitted when unset.
func (uri *Uri) HostPort() string {
	if uri.Port > 0 {
		return uri.Host + ":" + strconv.Itoa(uri.Port)
	}
	return uri.Host
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}
