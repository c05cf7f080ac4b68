package sheet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Mirror writes every fetched table to a JSON file for external inspection.
// The file is never read back.
type Mirror struct {
	path string
}

// NewMirror returns nil when path is empty; a nil *Mirror is a no-op.
func NewMirror(path string) *Mirror {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Mirror{path: path}
}

func (m *Mirror) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

// Write replaces the mirror file with t (temp file + rename).
func (m *Mirror) Write(t Table) error {
	if m == nil {
		return nil
	}
	if t == nil {
		t = Table{}
	}
	b, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
