package eventbus

import "time"

// Event types published by the poll loop.
const (
	CycleCompleted   = "cycle.completed"
	RecordDetected   = "record.detected"
	RecordIncomplete = "record.incomplete"
	RecordSkipped    = "record.skipped"
	WelcomeSent      = "welcome.sent"
	WelcomeFailed    = "welcome.failed"
	FetchFailed      = "fetch.failed"
)

// Cycle is the payload of CycleCompleted and FetchFailed.
type Cycle struct {
	ID       string        `json:"id"`
	Outcome  string        `json:"outcome"`
	Rows     int           `json:"rows"`
	Baseline int           `json:"baseline"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Hire is the payload of the record and welcome events.
type Hire struct {
	CycleID   string   `json:"cycle_id"`
	Name      string   `json:"name"`
	Recipient string   `json:"recipient"`
	Artifact  string   `json:"artifact,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Attempts  int      `json:"attempts,omitempty"`
	Stage     string   `json:"stage,omitempty"` // render | send
	Error     string   `json:"error,omitempty"`
}
