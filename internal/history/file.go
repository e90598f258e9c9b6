package history

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/erp-aps-sync/internal/engine"
)

// DefaultFileRuns is how many runs the file backend keeps by default.
const DefaultFileRuns = 50

// File keeps the most recent runs in a single YAML file.
type File struct {
	path string
	max  int

	mu   sync.RWMutex
	data *fileData
}

// fileData is the YAML structure for the state file.
type fileData struct {
	Runs []engine.SyncRun `yaml:"runs"`
}

// NewFile creates a file backend keeping at most max runs (DefaultFileRuns
// when max is 0). An existing file is loaded.
func NewFile(path string, max int) (*File, error) {
	if max <= 0 {
		max = DefaultFileRuns
	}
	f := &File{path: path, max: max, data: &fileData{}}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, f.data); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
	}
	return f, nil
}

// save writes the current state to the YAML file.
func (f *File) save() error {
	data, err := yaml.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Record prepends run, replacing an earlier run with the same ID, and trims
// the file to its size limit.
func (f *File) Record(_ context.Context, run *engine.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	runs := []engine.SyncRun{*run}
	for _, r := range f.data.Runs {
		if r.RunID != run.RunID {
			runs = append(runs, r)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	if len(runs) > f.max {
		runs = runs[:f.max]
	}
	f.data.Runs = runs
	return f.save()
}

// Recent returns up to limit runs, newest first.
func (f *File) Recent(_ context.Context, limit int) ([]engine.SyncRun, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.data.Runs) {
		limit = len(f.data.Runs)
	}
	return append([]engine.SyncRun(nil), f.data.Runs[:limit]...), nil
}

// Get returns the run with runID or ErrNotFound.
func (f *File) Get(_ context.Context, runID string) (*engine.SyncRun, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, r := range f.data.Runs {
		if r.RunID == runID {
			run := r
			return &run, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
}

// Prune deletes runs that started before cutoff.
func (f *File) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.data.Runs[:0]
	var pruned int64
	for _, r := range f.data.Runs {
		if r.StartTime.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	f.data.Runs = kept
	if pruned == 0 {
		return 0, nil
	}
	return pruned, f.save()
}

// Close is a no-op; every change is already on disk.
func (f *File) Close() error {
	return nil
}
