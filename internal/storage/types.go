package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit plus a ledger snapshot and journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one send attempt.
type AuditEntry struct {
	At        time.Time `json:"at"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Key       string    `json:"key,omitempty"`
	Recipient string    `json:"recipient"`
	Name      string    `json:"name,omitempty"`
	Outcome   string    `json:"outcome"` // sent | failed | skipped
	Attempts  int       `json:"attempts,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
}

// Notified is a ledger entry for a welcomed hire.
type Notified struct {
	Key       string    `json:"key"`
	Recipient string    `json:"recipient"`
	Name      string    `json:"name,omitempty"`
	At        time.Time `json:"at"`
}

// LedgerKey identifies a hire independently of its row position.
func LedgerKey(email, name, joiningDate string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(name)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(joiningDate)))
	return hex.EncodeToString(h.Sum(nil))
}
