package exitcodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

func TestFromErrorTyped(t *testing.T) {
	ora := errors.New("ORA-00942: table or view does not exist")
	cases := map[string]struct {
		err  error
		want int
	}{
		"nil":                  {nil, Success},
		"flag check down":      {&syncerr.ConnectivityError{Op: syncerr.StageFlagCheck, Store: "source", Cause: ora}, ConnectionError},
		"flag reset wrapped":   {fmt.Errorf("cycle abc: %w", &syncerr.ConnectivityError{Op: syncerr.StageFlagReset, Store: "source", Cause: ora}), ConnectionError},
		"extraction":           {&syncerr.ExtractionError{EntityName: "itens", Cause: ora}, SyncError},
		"load":                 {&syncerr.LoadError{EntityName: "itens", Cause: ora}, SyncError},
		"reverse":              {&syncerr.ReverseSyncError{Cause: ora}, SyncError},
		"bad value":            {&syncerr.TransformError{EntityName: "itens", Field: "qtd", Value: "x"}, ValidationError},
		"cancelled mid load":   {fmt.Errorf("load: %w", context.Canceled), Cancelled},
		"cycle timeout":        {fmt.Errorf("extract: %w", context.DeadlineExceeded), Cancelled},
		"queries file missing": {&os.PathError{Op: "open", Path: "/etc/erp-aps-sync/queries.txt", Err: os.ErrNotExist}, IOError},
		"pinned code":          {NewExitError(&syncerr.LoadError{EntityName: "itens", Cause: ora}, Busy), Busy},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := FromError(tc.err); got != tc.want {
				t.Errorf("FromError(%v) = %s, want %s", tc.err, Description(got), Description(tc.want))
			}
		})
	}
}

func TestFromErrorMessages(t *testing.T) {
	cases := []struct {
		msg  string
		want int
	}{
		{"open config.yaml: no such file or directory", IOError},
		{"sync cycle in progress", Busy},
		{"yaml: line 3: mapping values are not allowed", ConfigError},
		{"invalid catalog: duplicate entity itens", ConfigError},
		{"invalid value for source: dial tcp 10.0.0.5:1521", ConnectionError},
		{"dial tcp: connection refused", ConnectionError},
		{"mssql: login failed for user 'aps'", ConnectionError},
		{"operation interrupted", Cancelled},
		{"opening history database: disk full", HistoryError},
		{"run not found: 1a2b3c4d", HistoryError},
		{"something unexpected happened", SyncError},
	}
	for _, tc := range cases {
		if got := FromError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("FromError(%q) = %s, want %s", tc.msg, Description(got), Description(tc.want))
		}
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	inner := &syncerr.ReverseSyncError{Cause: errors.New("mirror locked")}
	err := fmt.Errorf("serve: %w", NewExitError(inner, ConnectionError))

	if FromError(err) != ConnectionError {
		t.Errorf("FromError = %d, want %d", FromError(err), ConnectionError)
	}
	var rse *syncerr.ReverseSyncError
	if !errors.As(err, &rse) {
		t.Error("ExitError must unwrap to its cause")
	}
	if got := NewExitError(inner, SyncError).Error(); got != inner.Error() {
		t.Errorf("Error() = %q, want %q", got, inner.Error())
	}
}

func TestRecoverableAndDescription(t *testing.T) {
	for code := Success; code <= Busy; code++ {
		info, ok := codes[code]
		if !ok {
			t.Fatalf("code %d has no description", code)
		}
		if Description(code) != info.desc {
			t.Errorf("Description(%d) = %q", code, Description(code))
		}
	}
	for _, code := range []int{ConnectionError, Cancelled, IOError, Busy} {
		if !IsRecoverable(code) {
			t.Errorf("%s should be recoverable", Description(code))
		}
	}
	for _, code := range []int{Success, ConfigError, SyncError, ValidationError, HistoryError, 42} {
		if IsRecoverable(code) {
			t.Errorf("%d (%s) should not be recoverable", code, Description(code))
		}
	}
	if Description(42) != "unknown error" {
		t.Errorf("Description(42) = %q", Description(42))
	}
}
