package app

import (
	"context"
	"io"
	"os"
	"slices"

	"welcomebot/internal/config"
	"welcomebot/internal/render"
	"welcomebot/internal/sheet"
	"welcomebot/internal/source"
	logx "welcomebot/pkg/logx"
)

// CheckReport summarizes one dry fetch.
type CheckReport struct {
	Source   string   `json:"source"`
	Rows     int      `json:"rows"`
	Headers  []string `json:"headers,omitempty"`
	LastName string   `json:"last_name,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Schedule string   `json:"schedule"`
}

// Check validates the config at path and fetches the table once. Nothing
// is rendered, sent or mirrored.
func Check(ctx context.Context, path string, log logx.Logger, opts ...Option) (CheckReport, error) {
	o := options{getenv: os.Getenv}
	for _, fn := range opts {
		fn(&o)
	}
	rt, err := loadRuntime(path, o.getenv)
	if err != nil {
		return CheckReport{}, err
	}

	src, err := source.Open(rt.Source, log.With(logx.String("comp", "source")))
	if err != nil {
		return CheckReport{}, err
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}

	fctx, cancel := context.WithTimeout(ctx, rt.FetchTimeout)
	defer cancel()
	t, err := src.Fetch(fctx)
	if err != nil {
		return CheckReport{}, err
	}

	rep := CheckReport{Source: src.Name(), Rows: len(t), Schedule: rt.Schedule.String()}
	if last, ok := t.Last(); ok {
		rep.Headers = last.Keys()
		rep.LastName = last.Value(rt.Fields.Name)
		rep.Missing = last.Missing(rt.Required)
	}
	return rep, nil
}

// RenderPreview renders the welcome image for a hand-built record. values
// are keyed by column header; name fills the configured name column.
func RenderPreview(path, name string, values map[string]string, opts ...Option) (render.Artifact, error) {
	o := options{getenv: os.Getenv}
	for _, fn := range opts {
		fn(&o)
	}
	rt, err := loadRuntime(path, o.getenv)
	if err != nil {
		return render.Artifact{}, err
	}

	rec := sheet.RecordOf(rt.Fields.Name, name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		rec.Set(k, values[k])
	}
	return render.New(rt.Render).Render(rec)
}

func loadRuntime(path string, getenv func(string) string) (*config.Runtime, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	return config.BuildRuntime(cfg, getenv)
}
