package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest returns the global logger with the request's correlation fields
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.Logger
	}

	return log.With().
		Str("request_id", GetRequestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()
}
