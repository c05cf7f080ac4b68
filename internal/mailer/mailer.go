// Package mailer sends the welcome email carrying the rendered artifact.
//
// Send never returns an error; failures are reported in Result.Err as a
// *SendError so the poll loop can log them and move on.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/mail.v2"

	"welcomebot/internal/render"
	logx "welcomebot/pkg/logx"
)

const (
	ImageCID      = "image1"
	ImageFilename = "welcome_image.png"

	AttachInline     = "inline"
	AttachAttachment = "attachment"
)

type Config struct {
	Host       string
	Port       int
	Sender     string
	SenderName string
	Username   string // defaults to Sender
	Password   string
	Subject    string

	Body       string // template source
	BodyFormat string // html | markdown
	AttachMode string // inline | attachment

	Timeout       time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RatePerSec    float64
}

// Transport submits built messages. *mail.Dialer implements it.
type Transport interface {
	DialAndSend(m ...*mail.Message) error
}

// Envelope is one welcome email.
type Envelope struct {
	To       string
	Subject  string
	Name     string
	Artifact render.Artifact
	Fields   map[string]string
}

// Result reports a single send.
type Result struct {
	Recipient string
	Attempts  int
	Took      time.Duration
	Err       error
}

func (r Result) OK() bool { return r.Err == nil }

// SendError wraps an auth, connection, or submission failure.
type SendError struct {
	Recipient string
	Op        string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %s: %v", e.Recipient, e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Mailer struct {
	mu        sync.Mutex
	cfg       Config
	body      *template.Template
	transport Transport
	limiter   *rate.Limiter
	log       logx.Logger
}

// New builds a mailer that submits through an SMTP dialer built from cfg.
func New(cfg Config, log logx.Logger) (*Mailer, error) {
	return NewWithTransport(cfg, nil, log)
}

// NewWithTransport uses t instead of dialing SMTP. A nil t dials SMTP.
func NewWithTransport(cfg Config, t Transport, log logx.Logger) (*Mailer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Mailer{log: log}
	if err := m.apply(cfg, t); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply swaps in new settings. Callers apply between sends.
func (m *Mailer) Apply(cfg Config) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if _, ok := t.(*mail.Dialer); ok {
		t = nil
	}
	return m.apply(cfg, t)
}

func (m *Mailer) apply(cfg Config, t Transport) error {
	cfg = withDefaults(cfg)
	if strings.TrimSpace(cfg.Sender) == "" {
		return errors.New("mail: sender is required")
	}
	switch cfg.AttachMode {
	case AttachInline, AttachAttachment:
	default:
		return fmt.Errorf("mail: unknown attach_mode: %s", cfg.AttachMode)
	}
	body, err := parseBody(cfg.Body, cfg.BodyFormat)
	if err != nil {
		return fmt.Errorf("mail: %w", err)
	}
	if t == nil {
		t = newDialer(cfg)
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}

	m.mu.Lock()
	m.cfg = cfg
	m.body = body
	m.transport = t
	m.limiter = lim
	m.mu.Unlock()
	return nil
}

func withDefaults(cfg Config) Config {
	if cfg.Host == "" {
		cfg.Host = "smtp.gmail.com"
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Sender
	}
	if cfg.Subject == "" {
		cfg.Subject = "Welcome aboard!"
	}
	cfg.AttachMode = strings.ToLower(strings.TrimSpace(cfg.AttachMode))
	if cfg.AttachMode == "" {
		cfg.AttachMode = AttachInline
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return cfg
}

func newDialer(cfg Config) *mail.Dialer {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = cfg.Timeout
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	if cfg.Port == 465 {
		d.SSL = true
	} else {
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return d
}

func (m *Mailer) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Subject
}

// Send emails the artifact to a single recipient.
func (m *Mailer) Send(ctx context.Context, to, subject, name string, art render.Artifact) Result {
	return m.SendEnvelope(ctx, Envelope{To: to, Subject: subject, Name: name, Artifact: art})
}

func (m *Mailer) SendEnvelope(ctx context.Context, env Envelope) Result {
	start := time.Now()
	m.mu.Lock()
	cfg, body, t, lim := m.cfg, m.body, m.transport, m.limiter
	m.mu.Unlock()

	res := Result{Recipient: env.To}
	fail := func(op string, err error) Result {
		res.Err = &SendError{Recipient: env.To, Op: op, Err: err}
		res.Took = time.Since(start)
		return res
	}

	if strings.TrimSpace(env.To) == "" {
		return fail("validate", errors.New("empty recipient"))
	}
	if _, err := os.Stat(env.Artifact.Path); err != nil {
		return fail("attach", err)
	}
	msg, err := buildMessage(cfg, body, env)
	if err != nil {
		return fail("build", err)
	}
	if err := lim.Wait(ctx); err != nil {
		return fail("rate", err)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryMax+1; attempt++ {
		res.Attempts = attempt
		lastErr = submit(ctx, t, msg)
		if lastErr == nil {
			res.Took = time.Since(start)
			return res
		}
		if ctx.Err() != nil || attempt > cfg.RetryMax {
			break
		}
		delay := retryDelay(cfg, attempt)
		m.log.Warn("mail send failed; retrying",
			logx.String("to", env.To), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(lastErr))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fail("send", lastErr)
		}
	}
	return fail("send", lastErr)
}

func buildMessage(cfg Config, body *template.Template, env Envelope) (*mail.Message, error) {
	subject := env.Subject
	if strings.TrimSpace(subject) == "" {
		subject = cfg.Subject
	}
	inline := cfg.AttachMode == AttachInline

	content, err := renderBody(body, BodyData{
		Name:     env.Name,
		ImageCID: ImageCID,
		ImageSrc: template.URL("cid:" + ImageCID),
		Inline:   inline,
		Fields:   env.Fields,
	})
	if err != nil {
		return nil, err
	}

	msg := mail.NewMessage()
	if cfg.SenderName != "" {
		msg.SetAddressHeader("From", cfg.Sender, cfg.SenderName)
	} else {
		msg.SetHeader("From", cfg.Sender)
	}
	msg.SetHeader("To", env.To)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", content)

	if inline {
		msg.Embed(env.Artifact.Path,
			mail.Rename(ImageFilename),
			mail.SetHeader(map[string][]string{
				"Content-ID":      {"<" + ImageCID + ">"},
				"X-Attachment-Id": {ImageCID},
			}),
		)
	} else {
		msg.Attach(env.Artifact.Path, mail.Rename(ImageFilename))
	}
	return msg, nil
}

// submit runs the blocking SMTP exchange, returning early on cancellation.
// The dialer's own timeout bounds the abandoned exchange.
func submit(ctx context.Context, t Transport, msg *mail.Message) error {
	done := make(chan error, 1)
	go func() { done <- t.DialAndSend(msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
