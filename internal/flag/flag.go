// Package flag reads and resets the control flag that gates sync cycles.
package flag

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// Flag values.
const (
	Run  = "S"
	Idle = "N"
)

// Gate accesses the control flag row in the source store.
type Gate struct {
	store store.Store
	cfg   config.FlagConfig
}

// New creates a Gate over the flag row described by cfg.
func New(s store.Store, cfg config.FlagConfig) *Gate {
	return &Gate{store: s, cfg: cfg}
}

// Name returns the flag parameter name.
func (g *Gate) Name() string { return g.cfg.Name }

func (g *Gate) selectSQL() string {
	d := g.store.Dialect()
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		d.QuoteIdentifier(g.cfg.ValueColumn), d.QualifyTable(g.cfg.Table),
		d.QuoteIdentifier(g.cfg.ParamColumn), d.Placeholder(1))
}

func (g *Gate) updateSQL() string {
	d := g.store.Dialect()
	return fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		d.QualifyTable(g.cfg.Table), d.QuoteIdentifier(g.cfg.ValueColumn), d.Placeholder(1),
		d.QuoteIdentifier(g.cfg.ParamColumn), d.Placeholder(2))
}

// Value returns the stored flag value, trimmed. A missing row reads as "".
func (g *Gate) Value(ctx context.Context) (string, error) {
	rows, err := g.store.Query(ctx, g.selectSQL(), g.cfg.Name)
	if err != nil {
		return "", err
	}
	if rows.Len() == 0 || len(rows.Values[0]) == 0 || rows.Values[0][0] == nil {
		return "", nil
	}
	switch v := rows.Values[0][0].(type) {
	case []byte:
		return strings.TrimSpace(string(v)), nil
	default:
		return strings.TrimSpace(fmt.Sprint(v)), nil
	}
}

// Check reports whether a cycle should run. It has no side effects.
func (g *Gate) Check(ctx context.Context) (bool, error) {
	v, err := g.Value(ctx)
	if err != nil {
		return false, &syncerr.ConnectivityError{Op: syncerr.StageFlagCheck, Store: "source", Cause: err}
	}
	logging.Debug("Control flag %s = %q", g.cfg.Name, v)
	return v == Run, nil
}

// Reset sets the flag to "N" and reads it back.
func (g *Gate) Reset(ctx context.Context) error {
	if _, err := g.store.Exec(ctx, g.updateSQL(), Idle, g.cfg.Name); err != nil {
		return &syncerr.ConnectivityError{Op: syncerr.StageFlagReset, Store: "source", Cause: err}
	}

	v, err := g.Value(ctx)
	if err != nil {
		return &syncerr.ConnectivityError{Op: syncerr.StageFlagReset, Store: "source", Cause: err}
	}
	if v != Idle {
		return &syncerr.ConnectivityError{
			Op:    syncerr.StageFlagReset,
			Store: "source",
			Cause: fmt.Errorf("%w: %s is %q, expected %q", syncerr.ErrFlagNotReset, g.cfg.Name, v, Idle),
		}
	}
	logging.Info("Control flag %s reset to %s", g.cfg.Name, Idle)
	return nil
}
