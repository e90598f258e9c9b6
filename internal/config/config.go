package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/erp-aps-sync/internal/logging"
)

// Control flag defaults match the ERP's TB_CONFIG parameter table.
const (
	DefaultFlagTable       = "TB_CONFIG"
	DefaultFlagParamColumn = "PARAM"
	DefaultFlagValueColumn = "VALUE"
	DefaultFlagName        = "RODA_INTEGRACAO_APS"

	DefaultReverseSourceTable = "LSB_INT_Programacao"
	DefaultReverseMirrorTable = "TB_LSB_INT_PROGRAMACAO"

	DefaultSchedule = "@every 5m"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the sync engine
type Config struct {
	Source         StoreConfig          `yaml:"source"`
	Destination    StoreConfig          `yaml:"destination"`
	Flag           FlagConfig           `yaml:"flag"`
	Sync           SyncConfig           `yaml:"sync"`
	Entities       []EntityConfig       `yaml:"entities"`
	Reverse        ReverseConfig        `yaml:"reverse"`
	Slack          SlackConfig          `yaml:"slack"`
	AlertProcedure AlertProcedureConfig `yaml:"alert_procedure"`
}

// StoreConfig holds connection settings for the ERP (source) or the APS
// scheduling database (destination).
type StoreConfig struct {
	Type            string `yaml:"type"` // "mssql" or "postgres"
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full (default: require)
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true (default: true)
	MaxConnections  int    `yaml:"max_connections"`
	// DSN overrides every connection field above when set.
	DSN string `yaml:"dsn"`
}

// FlagConfig locates the control flag row in the source store.
type FlagConfig struct {
	Table       string `yaml:"table"`
	ParamColumn string `yaml:"param_column"`
	ValueColumn string `yaml:"value_column"`
	Name        string `yaml:"name"`
}

// SyncConfig holds cycle behavior settings
type SyncConfig struct {
	Workers         int    `yaml:"workers"`           // concurrent extractions
	Schedule        string `yaml:"schedule"`          // cron expression or @every <duration>
	CycleTimeout    string `yaml:"cycle_timeout"`     // upper bound for one cycle
	UpsertBatchSize int    `yaml:"upsert_batch_size"` // MSSQL bulk copy batch hint
	QueriesFile     string `yaml:"queries_file"`      // optional "--SELECT ..." file of table-function entities
	DataDir         string `yaml:"data_dir"`
	StateFile       string `yaml:"state_file"` // YAML history instead of SQLite
	HistoryDays     int    `yaml:"history_days"`
	Progress        string `yaml:"progress"` // auto, always, never
}

// EntityConfig declares one catalog entry.
type EntityConfig struct {
	Name             string         `yaml:"name"`
	Function         string         `yaml:"function"` // table function producing the rows
	Query            string         `yaml:"query"`    // verbatim query, alternative to function
	DestinationTable string         `yaml:"destination_table"`
	KeyColumns       []string       `yaml:"key_columns"`
	Columns          []ColumnConfig `yaml:"columns"`
}

// ColumnConfig maps one extracted field to one destination column.
type ColumnConfig struct {
	Source   string `yaml:"source"`
	Dest     string `yaml:"dest"`
	Type     string `yaml:"type"` // string, int, float, bool, date, datetime, time, any
	Default  any    `yaml:"default"`
	Required bool   `yaml:"required"` // null without default is an error
}

// ReverseConfig describes the scheduling-results copy back to the ERP.
type ReverseConfig struct {
	SourceTable string   `yaml:"source_table"` // destination-side results table
	MirrorTable string   `yaml:"mirror_table"` // source-side mirror table
	KeyColumns  []string `yaml:"key_columns"`
	Columns     []string `yaml:"columns"` // empty copies every column
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
	NotifyDone bool   `yaml:"notify_done"` // also post successful cycles
}

// AlertProcedureConfig calls a mail procedure in the source store on failure.
type AlertProcedureConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Procedure string `yaml:"procedure"`
	Sender    string `yaml:"sender"`
	Recipient string `yaml:"recipient"`
	Subject   string `yaml:"subject"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if who, fix := exposure(path); who != "" && !opts.SuppressWarnings {
		logging.Warn("Config file %s is readable by %s and holds store credentials; run: %s", path, who, fix)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}

	// A relative queries file is resolved against the config directory.
	if cfg.Sync.QueriesFile != "" && !filepath.IsAbs(cfg.Sync.QueriesFile) {
		cfg.Sync.QueriesFile = filepath.Join(filepath.Dir(path), cfg.Sync.QueriesFile)
	}
	return cfg, nil
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for run history.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".erp-aps-sync")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *StoreConfig) applyDefaults() {
	s.Type = strings.ToLower(s.Type)
	switch s.Type {
	case "sqlserver":
		s.Type = "mssql"
	case "postgresql", "pg":
		s.Type = "postgres"
	}
	if s.Port == 0 {
		if s.Type == "postgres" {
			s.Port = 5432
		} else {
			s.Port = 1433
		}
	}
	if s.Schema == "" {
		if s.Type == "postgres" {
			s.Schema = "public"
		} else {
			s.Schema = "dbo"
		}
	}
	if s.SSLMode == "" {
		s.SSLMode = "require"
	}
	if s.Encrypt == "" {
		s.Encrypt = "true"
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 8
	}
}

func (c *Config) applyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "postgres"
	}
	if c.Destination.Type == "" {
		c.Destination.Type = "mssql"
	}
	c.Source.applyDefaults()
	c.Destination.applyDefaults()

	// The flag and mirror tables live in the source store; PostgreSQL folds
	// unquoted names to lowercase.
	srcIdent := func(name string) string {
		if c.Source.Type == "postgres" {
			return strings.ToLower(name)
		}
		return name
	}
	if c.Flag.Table == "" {
		c.Flag.Table = srcIdent(DefaultFlagTable)
	}
	if c.Flag.ParamColumn == "" {
		c.Flag.ParamColumn = srcIdent(DefaultFlagParamColumn)
	}
	if c.Flag.ValueColumn == "" {
		c.Flag.ValueColumn = srcIdent(DefaultFlagValueColumn)
	}
	if c.Flag.Name == "" {
		c.Flag.Name = DefaultFlagName
	}

	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = DefaultSchedule
	}
	if c.Sync.CycleTimeout == "" {
		c.Sync.CycleTimeout = "30m"
	}
	if c.Sync.UpsertBatchSize == 0 {
		c.Sync.UpsertBatchSize = 1000
	}
	if c.Sync.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Sync.DataDir = filepath.Join(home, ".erp-aps-sync")
	} else {
		c.Sync.DataDir = expandTilde(c.Sync.DataDir)
	}
	c.Sync.StateFile = expandTilde(c.Sync.StateFile)
	c.Sync.QueriesFile = expandTilde(c.Sync.QueriesFile)
	if c.Sync.HistoryDays == 0 {
		c.Sync.HistoryDays = 30
	}
	if c.Sync.Progress == "" {
		c.Sync.Progress = "auto"
	}

	if c.Reverse.SourceTable == "" {
		c.Reverse.SourceTable = DefaultReverseSourceTable
	}
	if c.Reverse.MirrorTable == "" {
		c.Reverse.MirrorTable = srcIdent(DefaultReverseMirrorTable)
	}

	if c.AlertProcedure.Procedure == "" {
		c.AlertProcedure.Procedure = "PC_SEND_MAIL"
	}
	if c.AlertProcedure.Subject == "" {
		c.AlertProcedure.Subject = "Falha na integração APS"
	}
	if c.Slack.Username == "" {
		c.Slack.Username = "erp-aps-sync"
	}
}

func (s *StoreConfig) validate(role string) error {
	if s.Type != "mssql" && s.Type != "postgres" {
		return fmt.Errorf("%s.type must be 'mssql' or 'postgres', got '%s'", role, s.Type)
	}
	if s.DSN != "" {
		return nil
	}
	if s.Host == "" {
		return fmt.Errorf("%s.host is required", role)
	}
	if s.Database == "" {
		return fmt.Errorf("%s.database is required", role)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if _, err := time.ParseDuration(c.Sync.CycleTimeout); err != nil {
		return fmt.Errorf("sync.cycle_timeout: invalid value %q: %w", c.Sync.CycleTimeout, err)
	}
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("sync.schedule: invalid value %q: %w", c.Sync.Schedule, err)
	}
	switch c.Sync.Progress {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("sync.progress must be 'auto', 'always' or 'never'")
	}

	if len(c.Entities) == 0 && c.Sync.QueriesFile == "" {
		return fmt.Errorf("missing required entities (or sync.queries_file)")
	}
	for i, e := range c.Entities {
		if e.Name == "" && e.Function == "" {
			return fmt.Errorf("entities[%d]: name or function is required", i)
		}
		if (e.Function == "") == (e.Query == "") {
			return fmt.Errorf("entities[%d]: exactly one of function or query is required", i)
		}
		if e.Query != "" && e.DestinationTable == "" {
			return fmt.Errorf("entities[%d]: destination_table is required for query entities", i)
		}
		for j, col := range e.Columns {
			if col.Source == "" && col.Dest == "" {
				return fmt.Errorf("entities[%d].columns[%d]: source or dest is required", i, j)
			}
		}
	}

	if len(c.Reverse.KeyColumns) == 0 {
		return fmt.Errorf("missing required reverse.key_columns")
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	if c.AlertProcedure.Enabled && c.AlertProcedure.Recipient == "" {
		return fmt.Errorf("alert_procedure.recipient is required when alert_procedure is enabled")
	}
	return nil
}

// CycleTimeoutDuration returns the parsed sync.cycle_timeout.
func (c *Config) CycleTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Sync.CycleTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// ConnString returns the driver connection string for the store.
func (s *StoreConfig) ConnString() string {
	if s.DSN != "" {
		return s.DSN
	}
	if s.Type == "postgres" {
		return buildPostgresDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.SSLMode)
	}
	return buildMSSQLDSN(s.Host, s.Port, s.Database, s.User, s.Password, s.Encrypt, s.TrustServerCert)
}

func buildMSSQLDSN(host string, port int, database, user, password, encrypt string, trustServerCert bool) string {
	trustCert := "false"
	if trustServerCert {
		trustCert = "true"
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s&TrustServerCertificate=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, url.QueryEscape(database), encrypt, trustCert)
}

func buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, url.PathEscape(database), sslMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c

	sanitized.Source.Password = "[REDACTED]"
	sanitized.Destination.Password = "[REDACTED]"
	if sanitized.Source.DSN != "" {
		sanitized.Source.DSN = "[REDACTED]"
	}
	if sanitized.Destination.DSN != "" {
		sanitized.Destination.DSN = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
