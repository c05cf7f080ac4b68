// Package storage persists the notification ledger and the send audit trail.
//
// The ledger remembers which new hires were already welcomed so a restart
// (or a re-appended row) does not send twice. Storage is optional; with the
// "none" driver the poll loop relies on its in-memory baseline alone.
package storage
