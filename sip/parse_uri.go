package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseUri parses sip/sips uri into the given struct - RFC 3261 19.1.1.
func ParseUri(uriStr string, uri *Uri) error {
	if uriStr == "*" {
		uri.Wildcard = true
		return nil
	}

	colon := strings.IndexByte(uriStr, ':')
	if colon < 0 {
		return fmt.Errorf("missing protocol scheme in uri '%s'", uriStr)
	}

	scheme := uriStr[:colon]
	switch {
	case UriIsSIP(scheme):
	case UriIsSIPS(scheme):
		uri.Encrypted = true
	default:
		return fmt.Errorf("unsupported uri scheme '%s'", scheme)
	}
	rest := uriStr[colon+1:]

	// uri headers trail after '?'
	if hi := strings.IndexByte(rest, '?'); hi >= 0 {
		params, err := UnmarshalParams(rest[hi+1:], '&', NewParams())
		if err != nil {
			return err
		}
		uri.Headers = params
		rest = rest[:hi]
	}

	// userinfo
	if ai := strings.IndexByte(rest, '@'); ai >= 0 {
		userinfo := rest[:ai]
		rest = rest[ai+1:]
		if pi := strings.IndexByte(userinfo, ':'); pi >= 0 {
			uri.User = userinfo[:pi]
			uri.Password = userinfo[pi+1:]
		} else {
			uri.User = userinfo
		}
	}

	// uri params after host part
	if pi := paramsIndex(rest); pi >= 0 {
		params, err := UnmarshalParams(rest[pi+1:], ';', NewParams())
		if err != nil {
			return err
		}
		uri.UriParams = params
		rest = rest[:pi]
	}

	return parseHostPort(rest, uri)
}

// paramsIndex finds the ';' starting uri params, skipping an IPv6 reference.
func paramsIndex(hostport string) int {
	start := 0
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return -1
		}
		start = end
	}
	ind := strings.IndexByte(hostport[start:], ';')
	if ind < 0 {
		return -1
	}
	return start + ind
}

func parseHostPort(hostport string, uri *Uri) error {
	if hostport == "" {
		return fmt.Errorf("empty host in uri")
	}

	if strings.HasPrefix(hostport, "[") {
		// IPv6 reference
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return fmt.Errorf("unclosed IPv6 reference in '%s'", hostport)
		}
		uri.Host = hostport[1:end]
		rest := hostport[end+1:]
		if rest == "" {
			return nil
		}
		if !strings.HasPrefix(rest, ":") {
			return fmt.Errorf("unexpected trailer after IPv6 reference in '%s'", hostport)
		}
		port, err := strconv.Atoi(rest[1:])
		if err != nil {
			return fmt.Errorf("invalid port in '%s': %w", hostport, err)
		}
		uri.Port = port
		return nil
	}

	if ci := strings.IndexByte(hostport, ':'); ci >= 0 {
		port, err := strconv.Atoi(hostport[ci+1:])
		if err != nil {
			return fmt.Errorf("invalid port in '%s': %w", hostport, err)
		}
		uri.Host = hostport[:ci]
		uri.Port = port
		return nil
	}

	uri.Host = hostport
	return nil
}
