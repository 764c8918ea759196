package supervisor

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// logWriter drains sidecar output into the structured log.
type logWriter struct {
	service string
	stderr  bool
}

func (w *logWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg == "" {
		return len(p), nil
	}
	if w.stderr {
		log.Warn().Str("source", w.service).Msg(msg)
	} else {
		log.Debug().Str("source", w.service).Msg(msg)
	}
	return len(p), nil
}
