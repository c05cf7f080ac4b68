// Package source provides the table readers behind sheet.Source.
//
// Drivers:
//   - "sheets": Google Sheets values API (service account or API key)
//   - "xlsx":   local workbook
//   - "csv":    local CSV export
//   - "sql":    a MySQL or PostgreSQL table
package source

import (
	"errors"
	"strings"
	"time"

	"welcomebot/internal/sheet"
	logx "welcomebot/pkg/logx"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	Driver  string
	Timeout time.Duration

	Sheets SheetsConfig
	File   FileConfig
	SQL    SQLConfig
}

type SheetsConfig struct {
	SpreadsheetID   string
	Range           string // A1 range or worksheet title; default "Sheet1"
	CredentialsFile string // service account JSON
	APIKey          string // used when CredentialsFile is empty
	BaseURL         string // default https://sheets.googleapis.com
}

type FileConfig struct {
	Path  string
	Sheet string // xlsx only; default first worksheet
}

type SQLConfig struct {
	Driver  string // mysql | postgres
	DSN     string
	Table   string
	Columns []string // default all
	OrderBy string
}

// Open returns the configured source.
func Open(cfg Config, log logx.Logger) (sheet.Source, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sheets", "gsheets", "google":
		return openSheets(cfg, log)
	case "xlsx", "excel":
		return openXLSX(cfg)
	case "csv":
		return openCSV(cfg)
	case "sql", "mysql", "postgres", "postgresql":
		if driver != "sql" && cfg.SQL.Driver == "" {
			cfg.SQL.Driver = driver
		}
		return openSQL(cfg, log)
	default:
		return nil, errors.New("unknown source driver: " + driver)
	}
}
