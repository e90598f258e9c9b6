package catalog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/logging"
	"github.com/johndauphine/erp-aps-sync/internal/store"
)

var (
	functionPrefix = regexp.MustCompile(`(?i)^fc_return_rs(?:_rel)?_`)
	callNoise      = regexp.MustCompile(`[();\s]`)
	tableFunction  = regexp.MustCompile(`(?i)table\(([^)]+?)\s*\)`)
	fromClause     = regexp.MustCompile(`(?i)\bfrom\s+([\w.\[\]"]+)`)
)

// DeriveDestination names the destination table of a table-function entity:
// the last dotted segment without the fc_return_rs_ / fc_return_rs_rel_
// prefix, lowercased, qualified with schema. "estoques" is renamed to match
// the scheduling database's singular table name.
func DeriveDestination(function, schema string) string {
	name := DeriveName(function)
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// DeriveName returns the unqualified destination name for function.
func DeriveName(function string) string {
	fn := strings.TrimSpace(function)
	if i := strings.Index(fn, "("); i >= 0 {
		fn = fn[:i]
	}
	if i := strings.LastIndex(fn, "."); i >= 0 {
		fn = fn[i+1:]
	}
	fn = functionPrefix.ReplaceAllString(fn, "")
	fn = strings.ToLower(callNoise.ReplaceAllString(fn, ""))
	return strings.ReplaceAll(fn, "estoques", "estoque")
}

// FromConfig converts configured entities into specs. Entities without
// column mappings are resolved later against the destination schema.
func FromConfig(entities []config.EntityConfig, destSchema string) ([]EntitySpec, error) {
	specs := make([]EntitySpec, 0, len(entities))
	for i, e := range entities {
		spec := EntitySpec{
			Name:             e.Name,
			Extraction:       Extraction{Function: e.Function, Query: e.Query},
			DestinationTable: e.DestinationTable,
			keys:             append([]string(nil), e.KeyColumns...),
		}
		if spec.DestinationTable == "" && e.Function != "" {
			spec.DestinationTable = DeriveDestination(e.Function, destSchema)
		}
		if spec.Name == "" {
			_, spec.Name = store.SplitTable(spec.DestinationTable, "")
		}

		keySet := make(map[string]bool, len(e.KeyColumns))
		for _, k := range e.KeyColumns {
			keySet[strings.ToLower(k)] = true
		}

		for j, col := range e.Columns {
			coercion, err := ParseCoercion(col.Type)
			if err != nil {
				return nil, fmt.Errorf("entities[%d].columns[%d]: %w", i, j, err)
			}
			m := ColumnMapping{
				Source:     col.Source,
				Dest:       col.Dest,
				Coercion:   coercion,
				Default:    col.Default,
				HasDefault: col.Default != nil,
				Required:   col.Required,
			}
			if m.Source == "" {
				m.Source = m.Dest
			}
			if m.Dest == "" {
				m.Dest = strings.ToLower(m.Source)
			}
			m.Key = keySet[strings.ToLower(m.Dest)]
			spec.Columns = append(spec.Columns, m)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadQueriesFile reads entities from a SQL file holding one commented
// "--SELECT ..." statement per line.
func LoadQueriesFile(path, destSchema string) ([]config.EntityConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening queries file: %w", err)
	}
	defer f.Close()
	return ParseQueries(f, destSchema)
}

// ParseQueries parses "--SELECT * FROM TABLE(pkg.fc_return_rs_x);" lines.
// Other lines are ignored. The destination is derived from the function
// (or table) each statement reads.
func ParseQueries(r io.Reader, destSchema string) ([]config.EntityConfig, error) {
	var out []config.EntityConfig
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(strings.ToLower(line), "--select") {
			continue
		}
		stmt := strings.TrimSpace(strings.TrimLeft(line, "-"))
		stmt = strings.ReplaceAll(stmt, ";", "")

		// TABLE(fn) calls become function entities so the source dialect
		// renders the call; plain selects run as written.
		var e config.EntityConfig
		var source string
		if m := tableFunction.FindStringSubmatch(stmt); m != nil {
			source = strings.TrimSpace(m[1])
			e.Function = source
		} else if m := fromClause.FindStringSubmatch(stmt); m != nil {
			source = strings.NewReplacer("[", "", "]", "", `"`, "").Replace(m[1])
			e.Query = stmt
		} else {
			return nil, fmt.Errorf("queries file line %d: cannot find a source in %q", lineNo, stmt)
		}

		e.Name = DeriveName(source)
		e.DestinationTable = DeriveDestination(source, destSchema)
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading queries file: %w", err)
	}
	return out, nil
}

// SchemaSource reports destination columns; store.Store satisfies it.
type SchemaSource interface {
	Columns(ctx context.Context, table string) ([]store.Column, error)
}

// Resolve completes specs against the destination schema:
//   - entities without mappings get one optional column per destination
//     column, typed from the column's data type, with integer and boolean
//     nulls defaulting to 0 and false;
//   - inferred coercions are typed from the matching destination column;
//   - entities without keys take the destination primary key.
//
// Specs that are already complete are returned unchanged without a lookup.
func Resolve(ctx context.Context, schemas SchemaSource, specs []EntitySpec) ([]EntitySpec, error) {
	out := make([]EntitySpec, len(specs))
	for i, s := range specs {
		s = s.clone()
		if !needsSchema(s) {
			out[i] = s
			continue
		}

		cols, err := schemas.Columns(ctx, s.DestinationTable)
		if err != nil {
			return nil, fmt.Errorf("resolving entity %s: %w", s.Name, err)
		}

		if len(s.Columns) == 0 {
			s.Columns = columnsFromSchema(cols)
			logging.Debug("Entity %s: %d columns discovered from %s", s.Name, len(s.Columns), s.DestinationTable)
		} else {
			byName := make(map[string]store.Column, len(cols))
			for _, c := range cols {
				byName[strings.ToLower(c.Name)] = c
			}
			for j, m := range s.Columns {
				if m.Coercion != Infer {
					continue
				}
				if c, ok := byName[strings.ToLower(m.Dest)]; ok {
					s.Columns[j].Coercion = CoercionForSQLType(c.DataType)
				}
			}
		}

		keys := s.keys
		if len(keys) == 0 && len(s.KeyColumns()) == 0 {
			keys = store.PrimaryKey(cols)
		}
		if len(keys) > 0 {
			set := make(map[string]bool, len(keys))
			for _, k := range keys {
				set[strings.ToLower(k)] = true
			}
			for j := range s.Columns {
				s.Columns[j].Key = set[strings.ToLower(s.Columns[j].Dest)]
			}
		}
		out[i] = s
	}
	return out, nil
}

func needsSchema(s EntitySpec) bool {
	if len(s.Columns) == 0 || len(s.KeyColumns()) == 0 {
		return true
	}
	for _, c := range s.Columns {
		if c.Coercion == Infer {
			return true
		}
	}
	return false
}

func columnsFromSchema(cols []store.Column) []ColumnMapping {
	out := make([]ColumnMapping, len(cols))
	for i, c := range cols {
		m := ColumnMapping{
			Source:   c.Name,
			Dest:     c.Name,
			Coercion: CoercionForSQLType(c.DataType),
			Optional: true,
		}
		switch m.Coercion {
		case Int:
			m.Default, m.HasDefault = int64(0), true
		case Bool:
			m.Default, m.HasDefault = false, true
		}
		out[i] = m
	}
	return out
}
