package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
)

// DefaultBody is used when no body template is configured.
const DefaultBody = `<html>
<body>
<p>Hi {{.Name}},</p>
<p>Welcome to the team! We are excited to have you with us. Your welcome card is below.</p>
{{if .Inline}}<p><img src="{{.ImageSrc}}" alt="Welcome, {{.Name}}!"></p>{{end}}
<p>See you soon!</p>
</body>
</html>`

// BodyData is the template context.
type BodyData struct {
	Name     string
	ImageCID string
	ImageSrc template.URL
	Inline   bool
	Fields   map[string]string
}

func parseBody(src, format string) (*template.Template, error) {
	if strings.TrimSpace(src) == "" {
		src = DefaultBody
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "html":
	case "markdown", "md":
		// Smartypants would rewrite quotes inside template actions.
		r := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags &^ mdhtml.Smartypants})
		src = string(markdown.ToHTML([]byte(src), nil, r))
	default:
		return nil, fmt.Errorf("unknown body format: %s", format)
	}
	t, err := template.New("body").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return t, nil
}

func renderBody(t *template.Template, d BodyData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}
