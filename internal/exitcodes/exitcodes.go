// Package exitcodes maps cycle outcomes to process exit codes. Schedulers
// such as cron or a Kubernetes CronJob use IsRecoverable to decide whether
// to retry before the next regular tick.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// Exit codes. Success covers both DONE and SKIPPED cycles.
const (
	Success         = 0
	ConfigError     = 1
	ConnectionError = 2
	SyncError       = 3
	ValidationError = 4
	Cancelled       = 5
	HistoryError    = 6
	IOError         = 7
	Busy            = 8
)

type codeInfo struct {
	desc        string
	recoverable bool
}

var codes = map[int]codeInfo{
	Success:         {"success", false},
	ConfigError:     {"configuration error", false},
	ConnectionError: {"connection error (recoverable)", true},
	SyncError:       {"sync error", false},
	ValidationError: {"validation error", false},
	Cancelled:       {"cancelled (recoverable)", true},
	HistoryError:    {"history error", false},
	IOError:         {"I/O error (recoverable)", true},
	Busy:            {"cycle already in progress (recoverable)", true},
}

// ExitError pins an exit code to an error.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// messageRule classifies driver and library errors that reach the CLI
// without a typed wrapper. Rules are tried in order.
type messageRule struct {
	code   int
	match  []string
	unless []string
}

var messageRules = []messageRule{
	{code: IOError, match: []string{"no such file", "file not found", "permission denied", "is a directory", "not a directory"}},
	{code: Busy, match: []string{"cycle in progress", "already running"}},
	{
		code:   ConfigError,
		match:  []string{"yaml:", "json:", "unmarshal", "invalid configuration", "missing required", "invalid value", "parsing config", "catalog"},
		unless: []string{"connection", "connect", "dial"},
	},
	{code: ConnectionError, match: []string{"connection", "connect", "dial", "refused", "timeout", "unreachable", "no such host", "network", "ping", "login failed", "authentication"}},
	{code: Cancelled, match: []string{"cancel", "interrupt"}},
	{code: HistoryError, match: []string{"history", "state file", "run not found"}},
}

// FromError picks the exit code for err. Anything unclassified is a
// SyncError.
func FromError(err error) int {
	if err == nil {
		return Success
	}
	if code, ok := typed(err); ok {
		return code
	}

	msg := strings.ToLower(err.Error())
	for _, r := range messageRules {
		if containsAny(msg, r.match) && !containsAny(msg, r.unless) {
			return r.code
		}
	}
	return SyncError
}

func typed(err error) (int, bool) {
	var (
		exitErr      *ExitError
		connErr      *syncerr.ConnectivityError
		transformErr *syncerr.TransformError
		stageErr     syncerr.StageError
		pathErr      *os.PathError
	)
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled, true
	case errors.As(err, &connErr):
		return ConnectionError, true
	case errors.As(err, &transformErr):
		return ValidationError, true
	case errors.As(err, &stageErr):
		return SyncError, true
	case errors.As(err, &pathErr):
		return IOError, true
	}
	return 0, false
}

// IsRecoverable reports whether a retry may succeed without operator action.
func IsRecoverable(code int) bool {
	return codes[code].recoverable
}

// Description returns a short human-readable label for code.
func Description(code int) string {
	if info, ok := codes[code]; ok {
		return info.desc
	}
	return "unknown error"
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
