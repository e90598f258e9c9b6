// Package transform shapes extracted rows into destination rows.
//
// Transform is pure: it only reads the extracted RowSet and the entity's
// column mapping. A value no coercion accepts fails the whole entity.
package transform

import (
	"errors"

	"github.com/johndauphine/erp-aps-sync/internal/catalog"
	"github.com/johndauphine/erp-aps-sync/internal/extract"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

// ErrNullRequired is the cause recorded when a required column is null and
// has no default.
var ErrNullRequired = errors.New("null value in required column")

// RowSet is a destination-shaped result: Columns follow the mapping order
// and every row holds one coerced value per column.
type RowSet struct {
	Entity  string
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (r *RowSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Transform maps rows through spec's column mapping.
func Transform(spec catalog.EntitySpec, rows *extract.RowSet) (*RowSet, error) {
	out := &RowSet{Entity: spec.Name, Columns: spec.DestColumns()}
	if rows == nil {
		return out, nil
	}

	// Resolve source positions once; -1 marks an optional field the
	// extraction did not return.
	pos := make([]int, len(spec.Columns))
	for i, m := range spec.Columns {
		pos[i] = rows.Index(m.Source)
	}

	out.Rows = make([][]any, 0, len(rows.Rows))
	for r, src := range rows.Rows {
		dst := make([]any, len(spec.Columns))
		for i, m := range spec.Columns {
			var raw any
			if pos[i] >= 0 && pos[i] < len(src) {
				raw = src[pos[i]]
			}
			v, err := value(m, raw)
			if err != nil {
				return nil, &syncerr.TransformError{
					EntityName: spec.Name,
					Field:      m.Source,
					Row:        r,
					Value:      raw,
					Cause:      err,
				}
			}
			dst[i] = v
		}
		out.Rows = append(out.Rows, dst)
	}
	return out, nil
}

func value(m catalog.ColumnMapping, raw any) (any, error) {
	v, err := Coerce(m.Coercion, raw)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}
	if m.HasDefault {
		return Coerce(m.Coercion, m.Default)
	}
	if m.Required {
		return nil, ErrNullRequired
	}
	return nil, nil
}
