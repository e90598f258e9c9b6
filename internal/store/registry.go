package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/johndauphine/erp-aps-sync/internal/config"
)

// Options carries settings that are not part of the connection config.
type Options struct {
	// Role is "source" or "destination" and appears in errors.
	Role string
	// RowsPerBatch bounds the rows per upsert statement or bulk copy.
	RowsPerBatch int
}

// Driver opens stores of one database engine. Engine packages register a
// Driver from init, so importing internal/store/<engine> for side effects
// makes its type usable in config.
type Driver interface {
	Name() string
	Aliases() []string
	Open(ctx context.Context, cfg config.StoreConfig, opts Options) (Store, error)
}

type registry struct {
	mu      sync.RWMutex
	byName  map[string]Driver
	primary []string
}

var drivers = &registry{byName: map[string]Driver{}}

// Register makes d available under its name and aliases. Names are
// case-insensitive; registering a taken name panics.
func Register(d Driver) {
	drivers.mu.Lock()
	defer drivers.mu.Unlock()

	keys := append([]string{d.Name()}, d.Aliases()...)
	for _, k := range keys {
		if _, taken := drivers.byName[strings.ToLower(k)]; taken {
			panic(fmt.Sprintf("store: driver name %q registered twice", k))
		}
	}
	for _, k := range keys {
		drivers.byName[strings.ToLower(k)] = d
	}
	drivers.primary = append(drivers.primary, d.Name())
	slices.Sort(drivers.primary)
}

// Get returns the driver registered under name or one of its aliases.
func Get(name string) (Driver, error) {
	drivers.mu.RLock()
	d, ok := drivers.byName[strings.ToLower(name)]
	drivers.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store type %q (available: %s)", name, strings.Join(Available(), ", "))
	}
	return d, nil
}

// Available lists primary driver names in sorted order.
func Available() []string {
	drivers.mu.RLock()
	defer drivers.mu.RUnlock()
	return slices.Clone(drivers.primary)
}

// Open connects the store described by cfg using the driver for cfg.Type.
func Open(ctx context.Context, cfg config.StoreConfig, opts Options) (Store, error) {
	d, err := Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	s, err := d.Open(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s store (%s): %w", opts.Role, d.Name(), err)
	}
	return s, nil
}
