// Package catalog holds the static table of entities a sync cycle moves from
// the ERP to the scheduling database.
//
// A Catalog is built once at startup and is immutable: Entries and Lookup
// hand out copies, so callers cannot change the mapping a running cycle uses.
package catalog

import (
	"fmt"
	"strings"

	"github.com/johndauphine/erp-aps-sync/internal/store"
)

// Coercion names the conversion applied to one field.
type Coercion string

const (
	// Infer is resolved from the destination column type at startup.
	Infer    Coercion = ""
	Any      Coercion = "any"
	String   Coercion = "string"
	Int      Coercion = "int"
	Float    Coercion = "float"
	Bool     Coercion = "bool"
	Date     Coercion = "date"
	DateTime Coercion = "datetime"
	Time     Coercion = "time"
)

// ParseCoercion validates a configured column type.
func ParseCoercion(s string) (Coercion, error) {
	switch c := Coercion(strings.ToLower(strings.TrimSpace(s))); c {
	case Infer, Any, String, Int, Float, Bool, Date, DateTime, Time:
		return c, nil
	case "integer", "bigint":
		return Int, nil
	case "decimal", "numeric", "number":
		return Float, nil
	case "boolean":
		return Bool, nil
	case "timestamp":
		return DateTime, nil
	case "text":
		return String, nil
	default:
		return Infer, fmt.Errorf("unknown column type %q", s)
	}
}

// CoercionForSQLType maps a destination column data type to a coercion.
func CoercionForSQLType(dataType string) Coercion {
	switch strings.ToLower(dataType) {
	case "int", "integer", "bigint", "smallint", "tinyint":
		return Int
	case "bit", "boolean":
		return Bool
	case "money", "smallmoney", "decimal", "numeric", "float", "real", "double precision":
		return Float
	case "varchar", "nvarchar", "char", "nchar", "text", "ntext", "character varying", "character":
		return String
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset",
		"timestamp", "timestamp without time zone", "timestamp with time zone":
		return DateTime
	case "date":
		return Date
	case "time", "time without time zone":
		return Time
	default:
		return Any
	}
}

// ColumnMapping maps one extracted field to one destination column.
type ColumnMapping struct {
	Source   string
	Dest     string
	Coercion Coercion
	// Default replaces null when HasDefault is set.
	Default    any
	HasDefault bool
	// Required rejects null values that have no default.
	Required bool
	// Optional allows the source field to be absent from the extraction;
	// the column is then written as null (or Default).
	Optional bool
	Key      bool
}

// Extraction references the producer of an entity's rows. Exactly one of
// Function and Query is set.
type Extraction struct {
	Function string
	Query    string
}

// SQL renders the extraction for the source dialect.
func (e Extraction) SQL(d store.Dialect) string {
	if e.Query != "" {
		return strings.TrimRight(strings.TrimSpace(e.Query), ";")
	}
	return d.TableFunctionQuery(e.Function)
}

func (e Extraction) String() string {
	if e.Query != "" {
		return "query"
	}
	return e.Function
}

// EntitySpec describes one synchronized entity.
type EntitySpec struct {
	Name             string
	Extraction       Extraction
	DestinationTable string
	Columns          []ColumnMapping

	// keys configured before the columns were resolved.
	keys []string
}

// KeyColumns returns the destination key columns in mapping order.
func (e EntitySpec) KeyColumns() []string {
	var keys []string
	for _, c := range e.Columns {
		if c.Key {
			keys = append(keys, c.Dest)
		}
	}
	return keys
}

// DestColumns returns destination column names in mapping order.
func (e EntitySpec) DestColumns() []string {
	cols := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		cols[i] = c.Dest
	}
	return cols
}

func (e EntitySpec) clone() EntitySpec {
	c := e
	c.Columns = append([]ColumnMapping(nil), e.Columns...)
	c.keys = append([]string(nil), e.keys...)
	return c
}

func (e EntitySpec) validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity without a name")
	}
	if (e.Extraction.Function == "") == (e.Extraction.Query == "") {
		return fmt.Errorf("entity %s: exactly one of function or query is required", e.Name)
	}
	if e.DestinationTable == "" {
		return fmt.Errorf("entity %s: destination table is required", e.Name)
	}
	if len(e.Columns) == 0 {
		return fmt.Errorf("entity %s: no column mappings", e.Name)
	}
	seen := make(map[string]bool, len(e.Columns))
	for _, c := range e.Columns {
		if c.Dest == "" || c.Source == "" {
			return fmt.Errorf("entity %s: column mapping needs source and dest", e.Name)
		}
		key := strings.ToLower(c.Dest)
		if seen[key] {
			return fmt.Errorf("entity %s: duplicate destination column %s", e.Name, c.Dest)
		}
		seen[key] = true
		if _, err := ParseCoercion(string(c.Coercion)); err != nil {
			return fmt.Errorf("entity %s column %s: %w", e.Name, c.Dest, err)
		}
	}
	for _, k := range e.keys {
		if !seen[strings.ToLower(k)] {
			return fmt.Errorf("entity %s: key column %s has no column mapping", e.Name, k)
		}
	}
	if len(e.KeyColumns()) == 0 {
		return fmt.Errorf("entity %s: no key columns (set key_columns or add a primary key to %s)", e.Name, e.DestinationTable)
	}
	return nil
}

// Catalog is an ordered, immutable set of entities.
type Catalog struct {
	specs []EntitySpec
	index map[string]int
}

// New validates specs and builds a catalog in the given order. Columns left
// with an inferred coercion are treated as Any.
func New(specs []EntitySpec) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("invalid catalog: no entities")
	}
	c := &Catalog{index: make(map[string]int, len(specs))}
	for _, s := range specs {
		s = s.clone()
		for i := range s.Columns {
			if s.Columns[i].Coercion == Infer {
				s.Columns[i].Coercion = Any
			}
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("invalid catalog: %w", err)
		}
		key := strings.ToLower(s.Name)
		if _, dup := c.index[key]; dup {
			return nil, fmt.Errorf("invalid catalog: duplicate entity %s", s.Name)
		}
		c.index[key] = len(c.specs)
		c.specs = append(c.specs, s)
	}
	return c, nil
}

// Entries returns copies of the specs in catalog order.
func (c *Catalog) Entries() []EntitySpec {
	out := make([]EntitySpec, len(c.specs))
	for i, s := range c.specs {
		out[i] = s.clone()
	}
	return out
}

// Lookup returns the spec named name (case-insensitive).
func (c *Catalog) Lookup(name string) (EntitySpec, bool) {
	i, ok := c.index[strings.ToLower(name)]
	if !ok {
		return EntitySpec{}, false
	}
	return c.specs[i].clone(), true
}

// Len returns the number of entities.
func (c *Catalog) Len() int { return len(c.specs) }

// Names returns entity names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.specs))
	for i, s := range c.specs {
		names[i] = s.Name
	}
	return names
}
