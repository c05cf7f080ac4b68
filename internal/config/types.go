package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
// Secrets may be left blank and supplied through the environment; see Runtime.
type Config struct {
	Source         SourceConfig   `json:"source"`
	RequiredFields []string       `json:"required_fields,omitempty"`
	Fields         FieldsConfig   `json:"fields,omitempty"`
	Poll           PollConfig     `json:"poll"`
	Snapshot       SnapshotConfig `json:"snapshot"`
	Render         RenderConfig   `json:"render"`
	Mail           MailConfig     `json:"mail"`
	Storage        *StorageConfig `json:"storage,omitempty"`
	Telegram       TelegramConfig `json:"telegram,omitempty"`
	Logging        LoggingConfig  `json:"logging"`
	Ops            OpsConfig      `json:"ops,omitempty"`
}

// SourceConfig selects and configures the table reader.
//
// Driver-specific keys are flat so a config only carries what it uses:
//
//	sheets: spreadsheet_id, range, credentials_file | api_key, base_url
//	xlsx:   path, sheet
//	csv:    path
//	sql:    sql_driver, dsn, table, columns, order_by
type SourceConfig struct {
	Driver string `json:"driver"`

	SpreadsheetID   string `json:"spreadsheet_id,omitempty"`
	Range           string `json:"range,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
	APIKey          string `json:"api_key,omitempty"` // env WELCOME_SHEETS_API_KEY
	BaseURL         string `json:"base_url,omitempty"`

	Path  string `json:"path,omitempty"`
	Sheet string `json:"sheet,omitempty"`

	SQLDriver string   `json:"sql_driver,omitempty"`
	DSN       string   `json:"dsn,omitempty"` // env WELCOME_SQL_DSN
	Table     string   `json:"table,omitempty"`
	Columns   []string `json:"columns,omitempty"`
	OrderBy   string   `json:"order_by,omitempty"`
}

// FieldsConfig maps hire attributes onto column headers. Blank entries use
// the onboarding form's headers.
type FieldsConfig struct {
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	JoiningDate string `json:"joining_date,omitempty"`
	Mentor      string `json:"mentor,omitempty"`
	Department  string `json:"department,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// PollConfig controls cycle timing.
//
// Defaults:
//   - schedule: "30s"
//   - fetch_timeout: "30s"
//   - timezone: local (cron schedules only)
type PollConfig struct {
	Schedule     string `json:"schedule"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// SnapshotConfig controls the JSON mirror of each fetch.
// Enabled is a pointer so an omitted section keeps the mirror on.
type SnapshotConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"` // default: sheet_data.json
}

type RenderConfig struct {
	TemplatePath string  `json:"template_path"`
	FontPath     string  `json:"font_path"`
	FontSize     float64 `json:"font_size,omitempty"`  // default: 40
	OutputDir    string  `json:"output_dir,omitempty"` // default: output
	Color        string  `json:"color,omitempty"`      // hex, default #000000
}

// MailConfig controls SMTP delivery.
//
// Example:
//
//	"mail": { "sender": "hr@example.com", "password": "", "attach_mode": "inline" }
//
// password falls back to env WELCOME_SMTP_PASSWORD (do not commit it).
type MailConfig struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Subject    string `json:"subject,omitempty"`

	BodyTemplate     string `json:"body_template,omitempty"`
	BodyTemplatePath string `json:"body_template_path,omitempty"`
	BodyFormat       string `json:"body_format,omitempty"` // html | markdown
	AttachMode       string `json:"attach_mode,omitempty"` // inline | attachment

	Timeout       string  `json:"timeout,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional notification ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./welcomebot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TelegramConfig controls the HR operator chat.
type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token,omitempty"` // env WELCOME_TELEGRAM_TOKEN
	ChatID    int64  `json:"chat_id,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
	SendPhoto *bool  `json:"send_photo,omitempty"` // default true
	BaseURL   string `json:"base_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the health/metrics HTTP server.
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:9090").
//   - A non-loopback addr requires a token or allow_insecure.
//   - /healthz is never gated by the token.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof
}
