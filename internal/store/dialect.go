package store

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresDialect renders PostgreSQL SQL.
type PostgresDialect struct {
	Schema string
}

func (PostgresDialect) Name() string { return "postgres" }

// QuoteIdentifier quotes a PostgreSQL identifier, escaping embedded quotes.
func (PostgresDialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d PostgresDialect) QualifyTable(table string) string {
	schema, name := SplitTable(table, d.DefaultSchema())
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(name)
}

func (PostgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (PostgresDialect) TableFunctionQuery(function string) string {
	return "SELECT * FROM " + functionCall(function)
}

func (d PostgresDialect) ProcedureCall(name string, params []string) string {
	args := make([]string, len(params))
	for i, p := range params {
		args[i] = fmt.Sprintf("%s => %s", strings.ToLower(p), d.Placeholder(i+1))
	}
	return fmt.Sprintf("CALL %s(%s)", name, strings.Join(args, ", "))
}

func (d PostgresDialect) DefaultSchema() string {
	if d.Schema == "" {
		return "public"
	}
	return d.Schema
}

// MSSQLDialect renders SQL Server T-SQL.
type MSSQLDialect struct {
	Schema string
}

func (MSSQLDialect) Name() string { return "mssql" }

// QuoteIdentifier quotes a SQL Server identifier, escaping embedded ].
func (MSSQLDialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d MSSQLDialect) QualifyTable(table string) string {
	schema, name := SplitTable(table, d.DefaultSchema())
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(name)
}

func (MSSQLDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (MSSQLDialect) TableFunctionQuery(function string) string {
	return "SELECT * FROM " + functionCall(function)
}

func (d MSSQLDialect) ProcedureCall(name string, params []string) string {
	args := make([]string, len(params))
	for i, p := range params {
		args[i] = fmt.Sprintf("@%s = %s", p, d.Placeholder(i+1))
	}
	return fmt.Sprintf("EXEC %s %s", name, strings.Join(args, ", "))
}

func (d MSSQLDialect) DefaultSchema() string {
	if d.Schema == "" {
		return "dbo"
	}
	return d.Schema
}

// functionCall normalizes "pkg.fn", "pkg.fn()" and "pkg.fn();" to "pkg.fn()".
func functionCall(function string) string {
	fn := strings.TrimSpace(function)
	fn = strings.TrimRight(fn, "; ")
	if !strings.HasSuffix(fn, ")") {
		fn += "()"
	}
	return fn
}
