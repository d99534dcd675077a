package sip

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var defLogger = log.Logger

// SetDefaultLogger replaces the logger used by the sip package wherever a
// more specific one was not provided. Must be called before constructing
// any layer.
func SetDefaultLogger(l zerolog.Logger) {
	defLogger = l
}

func DefaultLogger() zerolog.Logger {
	return defLogger
}
