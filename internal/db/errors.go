package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrPageNotFound   = errors.New("page not found")
)

// isRetryableError reports whether a database error is worth retrying.
// Constraint and data errors are never retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58": // connection, resources, operator intervention, system
			return true
		case "40": // serialization failure, deadlock
			return true
		default:
			return false
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, connErr := range []string{
		"connection refused",
		"connection reset",
		"bad connection",
		"broken pipe",
		"no such host",
		"too many clients",
	} {
		if strings.Contains(msg, connErr) {
			return true
		}
	}

	return false
}
