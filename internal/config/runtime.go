package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"welcomebot/internal/mailer"
	"welcomebot/internal/ops"
	"welcomebot/internal/render"
	"welcomebot/internal/schedule"
	"welcomebot/internal/sheet"
	"welcomebot/internal/source"
	"welcomebot/internal/storage"
	"welcomebot/internal/telegram"
	logx "welcomebot/pkg/logx"
)

// Environment fallbacks for secrets left blank in the file.
const (
	EnvSMTPPassword  = "WELCOME_SMTP_PASSWORD"
	EnvSheetsAPIKey  = "WELCOME_SHEETS_API_KEY"
	EnvSQLDSN        = "WELCOME_SQL_DSN"
	EnvTelegramToken = "WELCOME_TELEGRAM_TOKEN"
)

const (
	DefaultSchedule     = "30s"
	DefaultSnapshotPath = "sheet_data.json"
	DefaultOpsAddr      = "127.0.0.1:9090"
)

// Runtime is the validated, immutable form of Config, split per component.
// A reload builds a new Runtime; nothing mutates one after construction.
type Runtime struct {
	Source   source.Config
	Fields   sheet.Fields
	Required []string

	Schedule     schedule.Spec
	Location     *time.Location
	FetchTimeout time.Duration
	SnapshotPath string // empty disables the mirror

	Render   render.Config
	Mail     mailer.Config
	Storage  storage.Config
	Telegram TelegramRuntime
	Logging  logx.Config
	Ops      OpsRuntime
}

type TelegramRuntime struct {
	Enabled bool
	telegram.Config
}

type OpsRuntime struct {
	Enabled bool
	ops.Config
}

// BuildRuntime validates cfg and resolves defaults and secrets. getenv is
// usually os.Getenv; it is only consulted for blank secret fields.
func BuildRuntime(cfg *Config, getenv func(string) string) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	var errs []error
	rt := &Runtime{}

	// source
	fetchTimeout, err := ParseDurationOrDefault("poll.fetch_timeout", cfg.Poll.FetchTimeout, source.DefaultTimeout)
	errs = appendErr(errs, err)
	rt.FetchTimeout = fetchTimeout
	rt.Source = buildSource(cfg.Source, fetchTimeout, getenv)
	errs = appendErr(errs, validateSource(rt.Source))

	// fields
	rt.Fields = sheet.Fields{
		Name:        strings.TrimSpace(cfg.Fields.Name),
		Email:       strings.TrimSpace(cfg.Fields.Email),
		JoiningDate: strings.TrimSpace(cfg.Fields.JoiningDate),
		Mentor:      strings.TrimSpace(cfg.Fields.Mentor),
		Department:  strings.TrimSpace(cfg.Fields.Department),
		Duration:    strings.TrimSpace(cfg.Fields.Duration),
	}.WithDefaults()
	rt.Required = rt.Fields.Required()
	if len(cfg.RequiredFields) > 0 {
		rt.Required = rt.Required[:0]
		for _, f := range cfg.RequiredFields {
			if f = strings.TrimSpace(f); f != "" {
				rt.Required = append(rt.Required, f)
			}
		}
		if len(rt.Required) == 0 {
			errs = append(errs, errors.New("required_fields: no non-blank entries"))
		}
	}

	// poll
	raw := strings.TrimSpace(cfg.Poll.Schedule)
	if raw == "" {
		raw = DefaultSchedule
	}
	if rt.Schedule, err = schedule.Parse(raw); err != nil {
		errs = append(errs, fmt.Errorf("poll.schedule: %w", err))
	}
	rt.Location = time.Local
	if tz := strings.TrimSpace(cfg.Poll.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("poll.timezone: %w", err))
		} else {
			rt.Location = loc
		}
	}

	// snapshot
	if cfg.Snapshot.Enabled == nil || *cfg.Snapshot.Enabled {
		rt.SnapshotPath = strings.TrimSpace(cfg.Snapshot.Path)
		if rt.SnapshotPath == "" {
			rt.SnapshotPath = DefaultSnapshotPath
		}
	}

	// render
	rc, err := buildRender(cfg.Render, rt.Fields)
	errs = appendErr(errs, err)
	rt.Render = rc

	// mail
	mc, err := buildMail(cfg.Mail, getenv)
	errs = appendErr(errs, err)
	rt.Mail = mc

	// storage
	if cfg.Storage != nil {
		busy, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		errs = appendErr(errs, err)
		rt.Storage = storage.Config{
			Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
			Path:        strings.TrimSpace(cfg.Storage.Path),
			BusyTimeout: busy,
		}
		switch rt.Storage.Driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", rt.Storage.Driver))
		}
	}

	// telegram
	tg := cfg.Telegram
	rt.Telegram = TelegramRuntime{
		Enabled: tg.Enabled,
		Config: telegram.Config{
			Token:     firstNonEmpty(tg.Token, getenv(EnvTelegramToken)),
			ChatID:    tg.ChatID,
			ThreadID:  tg.ThreadID,
			SendPhoto: tg.SendPhoto == nil || *tg.SendPhoto,
			BaseURL:   strings.TrimSpace(tg.BaseURL),
		},
	}
	if tg.Enabled {
		if rt.Telegram.Token == "" {
			errs = append(errs, fmt.Errorf("telegram.token: required when telegram is enabled (or set %s)", EnvTelegramToken))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id: required when telegram is enabled"))
		}
	}

	// logging
	rt.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && tg.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}

	// ops
	rt.Ops = OpsRuntime{
		Enabled: cfg.Ops.Enabled,
		Config: ops.Config{
			Addr:          strings.TrimSpace(cfg.Ops.Addr),
			Token:         strings.TrimSpace(cfg.Ops.Token),
			AllowInsecure: cfg.Ops.AllowInsecure,
			Pprof:         cfg.Ops.Pprof,
		},
	}
	if rt.Ops.Addr == "" {
		rt.Ops.Addr = DefaultOpsAddr
	}
	if rt.Ops.Enabled {
		errs = appendErr(errs, rt.Ops.Check())
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return rt, nil
}

func buildSource(sc SourceConfig, timeout time.Duration, getenv func(string) string) source.Config {
	cols := make([]string, 0, len(sc.Columns))
	for _, c := range sc.Columns {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return source.Config{
		Driver:  strings.ToLower(strings.TrimSpace(sc.Driver)),
		Timeout: timeout,
		Sheets: source.SheetsConfig{
			SpreadsheetID:   strings.TrimSpace(sc.SpreadsheetID),
			Range:           strings.TrimSpace(sc.Range),
			CredentialsFile: strings.TrimSpace(sc.CredentialsFile),
			APIKey:          firstNonEmpty(sc.APIKey, getenv(EnvSheetsAPIKey)),
			BaseURL:         strings.TrimSpace(sc.BaseURL),
		},
		File: source.FileConfig{
			Path:  strings.TrimSpace(sc.Path),
			Sheet: strings.TrimSpace(sc.Sheet),
		},
		SQL: source.SQLConfig{
			Driver:  strings.ToLower(strings.TrimSpace(sc.SQLDriver)),
			DSN:     firstNonEmpty(sc.DSN, getenv(EnvSQLDSN)),
			Table:   strings.TrimSpace(sc.Table),
			Columns: cols,
			OrderBy: strings.TrimSpace(sc.OrderBy),
		},
	}
}

func validateSource(sc source.Config) error {
	switch sc.Driver {
	case "", "sheets", "gsheets", "google":
		if sc.Sheets.SpreadsheetID == "" {
			return errors.New("source.spreadsheet_id: required for the sheets driver")
		}
		if sc.Sheets.CredentialsFile != "" {
			if _, err := os.Stat(sc.Sheets.CredentialsFile); err != nil {
				return fmt.Errorf("source.credentials_file: %w", err)
			}
		}
	case "xlsx", "excel", "csv":
		if sc.File.Path == "" {
			return fmt.Errorf("source.path: required for the %s driver", sc.Driver)
		}
	case "sql", "mysql", "postgres", "postgresql":
		if sc.SQL.DSN == "" {
			return fmt.Errorf("source.dsn: required for the sql driver (or set %s)", EnvSQLDSN)
		}
		if sc.SQL.Table == "" {
			return errors.New("source.table: required for the sql driver")
		}
	default:
		return fmt.Errorf("source.driver: unknown driver %q", sc.Driver)
	}
	return nil
}

func buildRender(rc RenderConfig, fields sheet.Fields) (render.Config, error) {
	var errs []error
	out := render.Config{
		TemplatePath: strings.TrimSpace(rc.TemplatePath),
		FontPath:     strings.TrimSpace(rc.FontPath),
		FontSize:     rc.FontSize,
		OutputDir:    strings.TrimSpace(rc.OutputDir),
		Fields:       fields,
	}
	if out.TemplatePath == "" {
		errs = append(errs, errors.New("render.template_path: required"))
	}
	if out.FontPath == "" {
		errs = append(errs, errors.New("render.font_path: required"))
	}
	if rc.FontSize < 0 {
		errs = append(errs, errors.New("render.font_size: must be >= 0"))
	}
	c, err := render.ParseColor(rc.Color)
	if err != nil {
		errs = append(errs, fmt.Errorf("render.color: %w", err))
	}
	out.Color = c
	return out, errors.Join(errs...)
}

func buildMail(mc MailConfig, getenv func(string) string) (mailer.Config, error) {
	var errs []error
	out := mailer.Config{
		Host:       strings.TrimSpace(mc.Host),
		Port:       mc.Port,
		Sender:     strings.TrimSpace(mc.Sender),
		SenderName: strings.TrimSpace(mc.SenderName),
		Username:   strings.TrimSpace(mc.Username),
		Password:   firstNonEmpty(mc.Password, getenv(EnvSMTPPassword)),
		Subject:    mc.Subject,
		Body:       mc.BodyTemplate,
		BodyFormat: strings.ToLower(strings.TrimSpace(mc.BodyFormat)),
		AttachMode: strings.ToLower(strings.TrimSpace(mc.AttachMode)),
		RetryMax:   mc.RetryMax,
		RatePerSec: mc.RatePerSec,
	}
	if out.Sender == "" {
		errs = append(errs, errors.New("mail.sender: required"))
	}
	if mc.Port < 0 || mc.Port > 65535 {
		errs = append(errs, fmt.Errorf("mail.port: out of range: %d", mc.Port))
	}
	if mc.RetryMax < 0 {
		errs = append(errs, errors.New("mail.retry_max: must be >= 0"))
	}
	if mc.RatePerSec < 0 {
		errs = append(errs, errors.New("mail.rate_per_sec: must be >= 0"))
	}
	switch out.BodyFormat {
	case "", "html", "markdown", "md":
	default:
		errs = append(errs, fmt.Errorf("mail.body_format: unknown format %q", mc.BodyFormat))
	}
	switch out.AttachMode {
	case "", mailer.AttachInline, mailer.AttachAttachment:
	default:
		errs = append(errs, fmt.Errorf("mail.attach_mode: unknown mode %q", mc.AttachMode))
	}
	if p := strings.TrimSpace(mc.BodyTemplatePath); p != "" {
		if out.Body != "" {
			errs = append(errs, errors.New("mail: set body_template or body_template_path, not both"))
		} else if b, err := os.ReadFile(p); err != nil {
			errs = append(errs, fmt.Errorf("mail.body_template_path: %w", err))
		} else {
			out.Body = string(b)
		}
	}

	var err error
	out.Timeout, err = ParseDurationField("mail.timeout", mc.Timeout)
	errs = appendErr(errs, err)
	out.RetryBase, err = ParseDurationField("mail.retry_base", mc.RetryBase)
	errs = appendErr(errs, err)
	out.RetryMaxDelay, err = ParseDurationField("mail.retry_max_delay", mc.RetryMaxDelay)
	errs = appendErr(errs, err)

	return out, errors.Join(errs...)
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
