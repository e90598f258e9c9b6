package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
)

// TableCheck is the validation outcome for one table.
type TableCheck struct {
	Entity  string   `json:"entity"`
	Table   string   `json:"table"`
	OK      bool     `json:"ok"`
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Validate compares the catalog and the reverse-sync tables against the
// live schemas: every mapped destination column and key must exist.
func (o *Orchestrator) Validate(ctx context.Context) ([]TableCheck, error) {
	var checks []TableCheck
	for _, spec := range o.catalog.Entries() {
		want := append(spec.DestColumns(), spec.KeyColumns()...)
		checks = append(checks, checkTable(ctx, o.dest, spec.Name, spec.DestinationTable, want))
	}

	rev := o.config.Reverse
	revCols := append(append([]string(nil), rev.Columns...), rev.KeyColumns...)
	checks = append(checks,
		checkTable(ctx, o.dest, "reverse source", rev.SourceTable, revCols),
		checkTable(ctx, o.source, "reverse mirror", rev.MirrorTable, revCols),
	)

	logging.Info("Validation Results:")
	logging.Info("-------------------")
	var failed int
	for _, c := range checks {
		switch {
		case c.Error != "":
			logging.Error("%-20s %-35s ERROR: %s", c.Entity, c.Table, c.Error)
		case !c.OK:
			logging.Error("%-20s %-35s FAIL missing %s", c.Entity, c.Table, strings.Join(c.Missing, ", "))
		default:
			logging.Info("%-20s %-35s OK", c.Entity, c.Table)
		}
		if !c.OK {
			failed++
		}
	}

	if failed > 0 {
		return checks, fmt.Errorf("catalog validation failed: %d of %d tables", failed, len(checks))
	}
	return checks, nil
}

func checkTable(ctx context.Context, s store.Store, entity, table string, want []string) TableCheck {
	c := TableCheck{Entity: entity, Table: table}
	cols, err := s.Columns(ctx, table)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	if len(cols) == 0 {
		c.Error = "table not found"
		return c
	}

	have := make(map[string]bool, len(cols))
	for _, col := range cols {
		have[strings.ToLower(col.Name)] = true
	}
	seen := make(map[string]bool, len(want))
	for _, w := range want {
		k := strings.ToLower(w)
		if have[k] || seen[k] {
			continue
		}
		seen[k] = true
		c.Missing = append(c.Missing, w)
	}
	c.OK = len(c.Missing) == 0
	return c
}
