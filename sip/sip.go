package sip

import "strings"

const (
	// RFC3261BranchMagicCookie must prefix every Via branch generated by an
	// RFC 3261 compliant element.
	RFC3261BranchMagicCookie = "z9hG4bK"
)

var (
	// SIPDebug is a raw message tracing switch. No transport in this
	// package reads it, so setting it has no effect.
	SIPDebug bool
)

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
	return sb.String()
}

// GenerateTagN returns random tag value for From/To headers.
func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}
