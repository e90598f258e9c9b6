package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
source:
  type: postgres
  host: erp-db
  database: erp
  user: svc_aps
  password: secret
destination:
  type: mssql
  host: aps-db
  database: OPCENTER
  user: sa
  password: other
entities:
  - name: itens
    function: pkg_integra_aps.fc_return_rs_itens
reverse:
  key_columns: [id_programacao]
`

func TestMSSQLDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		database string
		wantUser string
		wantPass string
		wantDB   string
	}{
		{"plain credentials", "admin", "secret", "mydb", "admin", "secret", "mydb"},
		{"password with @", "admin", "pass@word", "mydb", "admin", "pass%40word", "mydb"},
		{"password with colon", "admin", "pass:word", "mydb", "admin", "pass%3Aword", "mydb"},
		{"user with @", "user@domain", "secret", "mydb", "user%40domain", "secret", "mydb"},
		{"database with spaces", "admin", "secret", "my database", "admin", "secret", "my+database"},
		{"complex password", "admin", "P@ss:w/rd?123", "mydb", "admin", "P%40ss%3Aw%2Frd%3F123", "mydb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := buildMSSQLDSN("localhost", 1433, tt.database, tt.user, tt.password, "true", false)

			if !strings.HasPrefix(dsn, "sqlserver://") {
				t.Errorf("MSSQL DSN has wrong scheme: %q", dsn)
			}
			if !strings.Contains(dsn, tt.wantUser+":") {
				t.Errorf("MSSQL DSN missing encoded user %q in %q", tt.wantUser, dsn)
			}
			if !strings.Contains(dsn, ":"+tt.wantPass+"@") {
				t.Errorf("MSSQL DSN missing encoded password %q in %q", tt.wantPass, dsn)
			}
			if !strings.Contains(dsn, "database="+tt.wantDB) {
				t.Errorf("MSSQL DSN missing encoded database %q in %q", tt.wantDB, dsn)
			}
		})
	}
}

func TestPostgresDSNURLEncoding(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		password string
		wantUser string
		wantPass string
	}{
		{"plain credentials", "admin", "secret", "admin", "secret"},
		{"password with @", "admin", "pass@word", "admin", "pass%40word"},
		{"password with slash", "admin", "pass/word", "admin", "pass%2Fword"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := buildPostgresDSN("localhost", 5432, "erp", tt.user, tt.password, "disable")
			want := "postgres://" + tt.wantUser + ":" + tt.wantPass + "@localhost:5432/erp?sslmode=disable"
			if dsn != want {
				t.Errorf("DSN = %q, want %q", dsn, want)
			}
		})
	}
}

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"source port", cfg.Source.Port, 5432},
		{"source schema", cfg.Source.Schema, "public"},
		{"destination port", cfg.Destination.Port, 1433},
		{"destination schema", cfg.Destination.Schema, "dbo"},
		{"flag table", cfg.Flag.Table, "tb_config"},
		{"flag value column", cfg.Flag.ValueColumn, "value"},
		{"flag name", cfg.Flag.Name, DefaultFlagName},
		{"workers", cfg.Sync.Workers, 4},
		{"schedule", cfg.Sync.Schedule, DefaultSchedule},
		{"upsert batch", cfg.Sync.UpsertBatchSize, 1000},
		{"history days", cfg.Sync.HistoryDays, 30},
		{"reverse source", cfg.Reverse.SourceTable, DefaultReverseSourceTable},
		{"reverse mirror", cfg.Reverse.MirrorTable, "tb_lsb_int_programacao"},
		{"alert procedure", cfg.AlertProcedure.Procedure, "PC_SEND_MAIL"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.CycleTimeoutDuration() != 30*time.Minute {
		t.Errorf("CycleTimeoutDuration() = %v, want 30m", cfg.CycleTimeoutDuration())
	}
}

func TestStoreTypeAliases(t *testing.T) {
	yaml := strings.Replace(minimalYAML, "type: mssql", "type: SQLServer", 1)
	yaml = strings.Replace(yaml, "type: postgres", "type: postgresql", 1)
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	if cfg.Source.Type != "postgres" || cfg.Destination.Type != "mssql" {
		t.Errorf("types = %q/%q, want postgres/mssql", cfg.Source.Type, cfg.Destination.Type)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing source host",
			mutate:  func(s string) string { return strings.Replace(s, "host: erp-db", "", 1) },
			wantErr: "source.host is required",
		},
		{
			name:    "bad destination type",
			mutate:  func(s string) string { return strings.Replace(s, "type: mssql", "type: oracle", 1) },
			wantErr: "destination.type must be",
		},
		{
			name: "function and query both set",
			mutate: func(s string) string {
				return strings.Replace(s, "function: pkg_integra_aps.fc_return_rs_itens",
					"function: f\n    query: SELECT 1\n    destination_table: dbo.x", 1)
			},
			wantErr: "exactly one of function or query",
		},
		{
			name: "query without destination",
			mutate: func(s string) string {
				return strings.Replace(s, "function: pkg_integra_aps.fc_return_rs_itens", "query: SELECT 1", 1)
			},
			wantErr: "destination_table is required",
		},
		{
			name:    "missing reverse keys",
			mutate:  func(s string) string { return strings.Replace(s, "key_columns: [id_programacao]", "", 1) },
			wantErr: "reverse.key_columns",
		},
		{
			name:    "bad cycle timeout",
			mutate:  func(s string) string { return s + "sync:\n  cycle_timeout: soon\n" },
			wantErr: "sync.cycle_timeout",
		},
		{
			name:    "slack without webhook",
			mutate:  func(s string) string { return s + "slack:\n  enabled: true\n" },
			wantErr: "slack.webhook_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.mutate(minimalYAML)))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBytesExpandsEnv(t *testing.T) {
	t.Setenv("APS_DB_PASSWORD", "from-env")
	yaml := strings.Replace(minimalYAML, "password: other", "password: ${APS_DB_PASSWORD}", 1)
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	if cfg.Destination.Password != "from-env" {
		t.Errorf("Destination.Password = %q, want from-env", cfg.Destination.Password)
	}
}

func TestConnStringPrefersDSN(t *testing.T) {
	s := StoreConfig{Type: "postgres", DSN: "postgres://u@h/db"}
	if got := s.ConnString(); got != "postgres://u@h/db" {
		t.Errorf("ConnString() = %q", got)
	}
}

func TestSanitized(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML + "slack:\n  enabled: true\n  webhook_url: https://hooks.example/x\n"))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	s := cfg.Sanitized()
	if s.Source.Password != "[REDACTED]" || s.Destination.Password != "[REDACTED]" {
		t.Error("passwords should be redacted")
	}
	if s.Slack.WebhookURL != "[REDACTED]" {
		t.Error("webhook should be redacted")
	}
	if cfg.Source.Password != "secret" {
		t.Error("Sanitized must not modify the original")
	}
}

func TestLoadResolvesQueriesFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	content := minimalYAML + "sync:\n  queries_file: queries.sql\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithOptions(path, LoadOptions{SuppressWarnings: true})
	if err != nil {
		t.Fatalf("LoadWithOptions() error: %v", err)
	}
	want := filepath.Join(dir, "queries.sql")
	if cfg.Sync.QueriesFile != want {
		t.Errorf("QueriesFile = %q, want %q", cfg.Sync.QueriesFile, want)
	}
}
