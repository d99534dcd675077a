package sip

import (
	"io"
	"strings"
)

// headerKV is a single key-value pair of URI or header params.
type headerKV struct {
	K string
	V string
}

// HeaderParams are ordered key value params as they appear on the wire.
type HeaderParams []headerKV

// NewParams creates an empty set of parameters.
func NewParams() HeaderParams {
	// Typical counts: URI 1-2, Via 1-3, Route 1
	return make(HeaderParams, 0, 3)
}

func (hp HeaderParams) index(key string) int {
	for i, kv := range hp {
		if kv.K == key {
			return i
		}
	}
	return -1
}

// Get returns a value for a given key, if it exists.
func (hp HeaderParams) Get(key string) (string, bool) {
	if i := hp.index(key); i >= 0 {
		return hp[i].V, true
	}
	return "", false
}

// GetOr returns a value for a given key, or a default if it doesn't exist.
func (hp HeaderParams) GetOr(key, def string) string {
	if i := hp.index(key); i >= 0 {
		return hp[i].V
	}
	return def
}

// Has checks whether key exists, with or without a value.
func (hp HeaderParams) Has(key string) bool {
	return hp.index(key) >= 0
}

// Add sets key to val, overwriting an existing entry.
func (hp *HeaderParams) Add(key string, val string) HeaderParams {
	if i := hp.index(key); i >= 0 {
		(*hp)[i].V = val
	} else {
		*hp = append(*hp, headerKV{K: key, V: val})
	}
	return *hp
}

// Remove deletes all entries with the given key.
func (hp *HeaderParams) Remove(key string) HeaderParams {
	for {
		i := hp.index(key)
		if i < 0 {
			return *hp
		}
		*hp = append((*hp)[:i], (*hp)[i+1:]...)
	}
}

// Length returns number of params.
func (hp HeaderParams) Length() int {
	return len(hp)
}

// Clone copies the underlying slice.
func (hp HeaderParams) Clone() HeaderParams {
	if hp == nil {
		return nil
	}
	c := make(HeaderParams, len(hp))
	copy(c, hp)
	return c
}

// ToString renders params separated by sep. Values are not escaped; that
// must have happened before they were stored.
func (hp HeaderParams) ToString(sep byte) string {
	var buffer strings.Builder
	hp.ToStringWrite(sep, &buffer)
	return buffer.String()
}

// ToStringWrite is ToString against a caller provided buffer.
func (hp HeaderParams) ToStringWrite(sep byte, buffer io.StringWriter) {
	sepstr := string(sep)
	for i, kv := range hp {
		if i > 0 {
			buffer.WriteString(sepstr)
		}
		buffer.WriteString(kv.K)
		if kv.V == "" {
			// Params can be valueless like ;lr;
			continue
		}
		if strings.ContainsAny(kv.V, abnfWs) {
			buffer.WriteString("=\"")
			buffer.WriteString(kv.V)
			buffer.WriteString("\"")
		} else {
			buffer.WriteString("=")
			buffer.WriteString(kv.V)
		}
	}
}

// Equals compares two param sets ignoring order.
func (hp HeaderParams) Equals(other HeaderParams) bool {
	if len(hp) != len(other) {
		return false
	}
	for _, kv := range hp {
		v, ok := other.Get(kv.K)
		if !ok || v != kv.V {
			return false
		}
	}
	return true
}
