package mailer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/mail.v2"

	"welcomebot/internal/render"
	logx "welcomebot/pkg/logx"
)

type fakeTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []*mail.Message
}

func (f *fakeTransport) DialAndSend(m ...*mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return f.errs[i]
	}
	f.sent = append(f.sent, m...)
	return nil
}

func artifact(t *testing.T) render.Artifact {
	t.Helper()
	p := filepath.Join(t.TempDir(), "welcome_ada.png")
	if err := os.WriteFile(p, []byte("\x89PNG fake"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return render.Artifact{Path: p, Width: 1, Height: 1}
}

func raw(t *testing.T, m *mail.Message) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	return buf.String()
}

func TestSendInline(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	m, err := NewWithTransport(Config{Sender: "hr@example.com", SenderName: "HR"}, ft, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := m.Send(context.Background(), "ada@example.com", "", "Ada", artifact(t))
	if !res.OK() {
		t.Fatalf("Send err = %v", res.Err)
	}
	if res.Attempts != 1 || res.Recipient != "ada@example.com" {
		t.Fatalf("Result = %+v", res)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(ft.sent))
	}

	msg := ft.sent[0]
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "ada@example.com" {
		t.Fatalf("To = %v", got)
	}
	if got := msg.GetHeader("Subject"); len(got) != 1 || got[0] != "Welcome aboard!" {
		t.Fatalf("Subject = %v, want default", got)
	}

	out := raw(t, msg)
	for _, want := range []string{
		"Content-ID: <image1>",
		"X-Attachment-Id: image1",
		"welcome_image.png",
		"Hi Ada,",
		"cid:image1",
		"multipart/related",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("message missing %q:\n%s", want, out)
		}
	}
}

func TestSendAttachmentMode(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	m, err := NewWithTransport(Config{Sender: "hr@example.com", AttachMode: "attachment"}, ft, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := m.Send(context.Background(), "ada@example.com", "Hello", "Ada", artifact(t))
	if !res.OK() {
		t.Fatalf("Send err = %v", res.Err)
	}
	out := raw(t, ft.sent[0])
	if !strings.Contains(out, "Content-Disposition: attachment") {
		t.Fatalf("expected attachment disposition:\n%s", out)
	}
	if strings.Contains(out, "cid:image1") {
		t.Fatal("attachment mode should not reference the inline image")
	}
}

func TestSendFailureIsTypedResult(t *testing.T) {
	t.Parallel()
	authErr := errors.New("535 authentication failed")
	ft := &fakeTransport{errs: []error{authErr}}
	m, err := NewWithTransport(Config{Sender: "hr@example.com"}, ft, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := m.Send(context.Background(), "ada@example.com", "", "Ada", artifact(t))
	if res.OK() {
		t.Fatal("expected failure")
	}
	var se *SendError
	if !errors.As(res.Err, &se) {
		t.Fatalf("err = %T, want *SendError", res.Err)
	}
	if se.Recipient != "ada@example.com" || se.Op != "send" {
		t.Fatalf("SendError = %+v", se)
	}
	if !errors.Is(res.Err, authErr) {
		t.Fatal("SendError should unwrap to cause")
	}
	if res.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 (no retries by default)", res.Attempts)
	}
}

func TestSendRetries(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{errs: []error{errors.New("421 try later"), errors.New("421 try later")}}
	m, err := NewWithTransport(Config{Sender: "hr@example.com", RetryMax: 2, RetryBase: time.Millisecond}, ft, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := m.Send(context.Background(), "ada@example.com", "", "Ada", artifact(t))
	if !res.OK() {
		t.Fatalf("Send err = %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	m, err := NewWithTransport(Config{Sender: "hr@example.com"}, ft, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		to   string
		art  render.Artifact
		op   string
	}{
		{"empty recipient", " ", artifact(t), "validate"},
		{"missing artifact", "ada@example.com", render.Artifact{Path: filepath.Join(t.TempDir(), "nope.png")}, "attach"},
	}
	for _, tt := range tests {
		res := m.Send(context.Background(), tt.to, "", "Ada", tt.art)
		var se *SendError
		if !errors.As(res.Err, &se) || se.Op != tt.op {
			t.Fatalf("%s: err = %v, want op %q", tt.name, res.Err, tt.op)
		}
	}
	if ft.calls != 0 {
		t.Fatalf("transport called %d times, want 0", ft.calls)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no sender", Config{}},
		{"bad attach mode", Config{Sender: "a@b.c", AttachMode: "carrier-pigeon"}},
		{"bad body format", Config{Sender: "a@b.c", BodyFormat: "rtf"}},
		{"bad template", Config{Sender: "a@b.c", Body: "{{.Name"}},
	}
	for _, tt := range tests {
		if _, err := NewWithTransport(tt.cfg, &fakeTransport{}, logx.Nop()); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestMarkdownBody(t *testing.T) {
	t.Parallel()
	tpl, err := parseBody("# Welcome {{.Name}}\n\nYou join **{{.Fields.Department}}**.", "markdown")
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}
	got, err := renderBody(tpl, BodyData{Name: "<Ada>", Fields: map[string]string{"Department": "R&D"}})
	if err != nil {
		t.Fatalf("renderBody: %v", err)
	}
	for _, want := range []string{"<h1", "Welcome &lt;Ada&gt;", "<strong>R&amp;D</strong>"} {
		if !strings.Contains(got, want) {
			t.Fatalf("body missing %q: %s", want, got)
		}
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := withDefaults(Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second})
	for attempt, base := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 10: time.Second} {
		d := retryDelay(cfg, attempt)
		lo := time.Duration(float64(base) * 0.7)
		hi := time.Duration(float64(base) * 1.3)
		if d < lo || d > hi {
			t.Fatalf("retryDelay(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
		}
	}
}
