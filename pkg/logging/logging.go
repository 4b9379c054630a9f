package logging

import (
	"io"
	"strings"

	"code.cloudfoundry.org/lager"
)

// NewLogger returns a lager logger writing JSON lines to w at the given
// level. Unknown levels fall back to info.
func NewLogger(component, level string, w io.Writer) lager.Logger {
	logger := lager.NewLogger(component)
	logger.RegisterSink(lager.NewWriterSink(w, minLevel(level)))
	return logger
}

func minLevel(level string) lager.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return lager.DEBUG
	case "error":
		return lager.ERROR
	case "fatal":
		return lager.FATAL
	default:
		return lager.INFO
	}
}
