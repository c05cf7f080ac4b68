package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "welcomebot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLedgerKey(t *testing.T) {
	t.Parallel()
	a := LedgerKey("Ada@Example.com ", "Ada", "2026-10-01")
	b := LedgerKey("ada@example.com", " Ada", "2026-10-01")
	if a != b {
		t.Fatalf("email case and padding should not matter: %s != %s", a, b)
	}
	if a == LedgerKey("ada@example.com", "Ada", "2026-11-01") {
		t.Fatal("joining date must be part of the key")
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(a))
	}
}

func testLedger(t *testing.T, driver string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store", "welcomebot.db")

	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := LedgerKey("ada@example.com", "Ada", "2026-10-01")

	ok, err := st.IsNotified(ctx, key)
	if err != nil || ok {
		t.Fatalf("IsNotified before mark = %v, %v", ok, err)
	}
	if err := st.MarkNotified(ctx, Notified{Key: key, Recipient: "ada@example.com", Name: "Ada"}); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if err := st.MarkNotified(ctx, Notified{Key: key, Recipient: "ada@example.com", Name: "Ada"}); err != nil {
		t.Fatalf("MarkNotified twice: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{Recipient: "ada@example.com", Outcome: "sent", Key: key, Attempts: 1}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the ledger must survive restarts.
	st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	ok, err = st.IsNotified(ctx, key)
	if err != nil || !ok {
		t.Fatalf("IsNotified after reopen = %v, %v; want true", ok, err)
	}
	ok, _ = st.IsNotified(ctx, "")
	if ok {
		t.Fatal("blank key is never notified")
	}
}

func TestFileLedger(t *testing.T) {
	t.Parallel()
	testLedger(t, "file")
}

func TestSQLiteLedger(t *testing.T) {
	t.Parallel()
	testLedger(t, "sqlite")
}

func TestFileAuditIsJSONLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "wb.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for _, outcome := range []string{"sent", "failed"} {
		if err := st.AppendAudit(ctx, AuditEntry{Recipient: "ada@example.com", Outcome: outcome}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "wb.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	var got []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		if e.At.IsZero() {
			t.Fatal("audit time should default to now")
		}
		got = append(got, e.Outcome)
	}
	if len(got) != 2 || got[0] != "sent" || got[1] != "failed" {
		t.Fatalf("audit outcomes = %v", got)
	}

	if err := st.AppendAudit(ctx, AuditEntry{}); err != ErrClosed {
		t.Fatalf("append after close = %v, want ErrClosed", err)
	}
}

func TestFileLedgerCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "wb.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < compactEvery; i++ {
		key := LedgerKey("hire@example.com", "Hire", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02"))
		if err := st.MarkNotified(ctx, Notified{Key: key, Recipient: "hire@example.com"}); err != nil {
			t.Fatalf("MarkNotified: %v", err)
		}
	}
	_ = st.Close()

	if _, err := os.Stat(filepath.Join(dir, "wb.ledger.snapshot.json")); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, "wb.ledger.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size = %d, want 0 after compaction", fi.Size())
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	ok, _ := st.IsNotified(ctx, LedgerKey("hire@example.com", "Hire", "2026-01-01"))
	if !ok {
		t.Fatal("compacted entry lost")
	}
}

func TestSQLiteAuditRows(t *testing.T) {
	t.Parallel()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "wb.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.AppendAudit(ctx, AuditEntry{Recipient: "ada@example.com", Outcome: "failed", Error: "boom"}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	n, err := st.(*sqliteStore).auditCount(ctx)
	if err != nil || n != 3 {
		t.Fatalf("auditCount = %d, %v; want 3", n, err)
	}
}
