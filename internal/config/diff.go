package config

import (
	"reflect"
	"sort"
	"strings"

	logx "welcomebot/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) structured
// attrs safe to log (never passwords, tokens, API keys or DSNs), and (3) the
// changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 24)

	// Source (never log api key or dsn)
	oldSrc, newSrc := oldCfg.Source, newCfg.Source
	if !sameSourceShape(oldSrc, newSrc) ||
		strings.TrimSpace(oldSrc.APIKey) != strings.TrimSpace(newSrc.APIKey) ||
		strings.TrimSpace(oldSrc.DSN) != strings.TrimSpace(newSrc.DSN) {
		changed = append(changed, "source")
		restart = append(restart, "source")
		attrs = append(attrs,
			logx.String("source.driver", strings.TrimSpace(newSrc.Driver)),
			logx.Bool("source.api_key_set", strings.TrimSpace(newSrc.APIKey) != ""),
			logx.Bool("source.dsn_set", strings.TrimSpace(newSrc.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.RequiredFields, newCfg.RequiredFields) || oldCfg.Fields != newCfg.Fields {
		changed = append(changed, "fields")
		attrs = append(attrs, logx.Strs("required_fields", newCfg.RequiredFields))
	}

	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.schedule", strings.TrimSpace(newCfg.Poll.Schedule)),
			logx.String("poll.fetch_timeout", strings.TrimSpace(newCfg.Poll.FetchTimeout)),
			logx.String("poll.timezone", strings.TrimSpace(newCfg.Poll.Timezone)),
		)
	}

	if boolOr(oldCfg.Snapshot.Enabled, true) != boolOr(newCfg.Snapshot.Enabled, true) ||
		strings.TrimSpace(oldCfg.Snapshot.Path) != strings.TrimSpace(newCfg.Snapshot.Path) {
		changed = append(changed, "snapshot")
		attrs = append(attrs,
			logx.Bool("snapshot.enabled", boolOr(newCfg.Snapshot.Enabled, true)),
			logx.String("snapshot.path", strings.TrimSpace(newCfg.Snapshot.Path)),
		)
	}

	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.String("render.template_path", newCfg.Render.TemplatePath),
			logx.String("render.font_path", newCfg.Render.FontPath),
			logx.Any("render.font_size", newCfg.Render.FontSize),
			logx.String("render.output_dir", newCfg.Render.OutputDir),
		)
	}

	// Mail (never log password)
	om, nm := oldCfg.Mail, newCfg.Mail
	pwChanged := om.Password != nm.Password
	om.Password, nm.Password = "", ""
	if om != nm || pwChanged {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.host", nm.Host),
			logx.Int("mail.port", nm.Port),
			logx.String("mail.sender", nm.Sender),
			logx.String("mail.attach_mode", nm.AttachMode),
			logx.String("mail.body_format", nm.BodyFormat),
			logx.Int("mail.retry_max", nm.RetryMax),
			logx.Bool("mail.password_changed", pwChanged),
		)
	}

	// Storage; nil means disabled.
	var oDriver, nDriver, oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.path_set", nPath != ""))
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		boolOr(ot.SendPhoto, true) != boolOr(nt.SendPhoto, true) ||
		strings.TrimSpace(ot.BaseURL) != strings.TrimSpace(nt.BaseURL) ||
		strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.send_photo", boolOr(nt.SendPhoto, true)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		restart = append(restart, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func sameSourceShape(a, b SourceConfig) bool {
	a.APIKey, b.APIKey = "", ""
	a.DSN, b.DSN = "", ""
	return reflect.DeepEqual(a, b)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
