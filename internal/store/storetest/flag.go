package storetest

import (
	"sync"

	"github.com/johndauphine/erp-aps-sync/internal/store"
)

// Flag emulates the control flag row of a parameter table.
type Flag struct {
	mu      sync.Mutex
	value   string
	present bool

	// ReadErr fails every read; WriteErr fails every update.
	ReadErr  error
	WriteErr error
	// IgnoreWrites accepts updates without storing them.
	IgnoreWrites bool

	reads  int
	writes int
}

// InstallFlag answers reads and updates of table on s with a single flag
// row holding value.
func InstallFlag(s *Store, table, value string) *Flag {
	f := &Flag{value: value, present: true}
	qualified := s.Dialect().QualifyTable(table)

	s.OnQuery("FROM "+qualified, func(args []any) (*store.Rows, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reads++
		if f.ReadErr != nil {
			return nil, f.ReadErr
		}
		if !f.present {
			return RowsOf([]string{"value"}), nil
		}
		return RowsOf([]string{"value"}, []any{f.value}), nil
	})
	s.OnExec("UPDATE "+qualified, func(args []any) (int64, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writes++
		if f.WriteErr != nil {
			return 0, f.WriteErr
		}
		if f.IgnoreWrites || !f.present {
			return 0, nil
		}
		f.value = args[0].(string)
		return 1, nil
	})
	return f
}

// Value returns the stored value.
func (f *Flag) Value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set stores v.
func (f *Flag) Set(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value, f.present = v, true
}

// Remove deletes the row.
func (f *Flag) Remove() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = false
}

// Reads returns the number of read attempts.
func (f *Flag) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Writes returns the number of update attempts.
func (f *Flag) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}
