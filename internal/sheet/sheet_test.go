package sheet

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRecordZipSemantics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers []string
		cells   []string
		want    Record
	}{
		{
			name:    "exact",
			headers: []string{"Name", "Email Address"},
			cells:   []string{"Ada", "ada@example.com"},
			want:    RecordOf("Name", "Ada", "Email Address", "ada@example.com"),
		},
		{
			name:    "short row leaves trailing keys absent",
			headers: []string{"Name", "Email Address", "Department"},
			cells:   []string{"Ada"},
			want:    RecordOf("Name", "Ada"),
		},
		{
			name:    "extra cells dropped",
			headers: []string{"Name"},
			cells:   []string{"Ada", "stray"},
			want:    RecordOf("Name", "Ada"),
		},
		{
			name:    "duplicate header keeps last value",
			headers: []string{"Name", "Note", "Name"},
			cells:   []string{"first", "n", "second"},
			want:    RecordOf("Name", "second", "Note", "n"),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := NewRecord(tt.headers, tt.cells)
			if !got.Equal(tt.want) {
				t.Fatalf("NewRecord = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordMissing(t *testing.T) {
	t.Parallel()
	r := RecordOf("Name", "Ada", "Department", "  ")
	got := r.Missing([]string{"Name", "Department", "Mentor Name"})
	if len(got) != 2 || got[0] != "Department" || got[1] != "Mentor Name" {
		t.Fatalf("Missing = %v", got)
	}
	if r.Complete([]string{"Name"}) != true {
		t.Fatal("expected Name-only set to be complete")
	}
}

func TestRecordValueOr(t *testing.T) {
	t.Parallel()
	r := RecordOf("Department", "")
	if got := r.ValueOr("Department", "N/A"); got != "" {
		t.Fatalf("present empty value = %q, want empty", got)
	}
	if got := r.ValueOr("Mentor Name", "N/A"); got != "N/A" {
		t.Fatalf("absent value = %q, want N/A", got)
	}
}

func TestRecordJSONKeepsHeaderOrder(t *testing.T) {
	t.Parallel()
	r := RecordOf("Zeta", "1", "Alpha", "2")
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"Zeta":"1","Alpha":"2"}` {
		t.Fatalf("json = %s", b)
	}
	var back Record
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(r) {
		t.Fatalf("round trip = %v, want %v", back, r)
	}
}

func TestFromRows(t *testing.T) {
	t.Parallel()
	if got := FromRows([][]string{{"Name"}}); len(got) != 0 {
		t.Fatalf("header-only table len = %d, want 0", len(got))
	}
	got := FromRows([][]string{{" Name ", "Email Address"}, {"Ada", "ada@example.com"}, {"Linus"}})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if v := got[0].Value("Name"); v != "Ada" {
		t.Fatalf("Name = %q, want Ada (headers trimmed)", v)
	}
	if _, ok := got[1].Get("Email Address"); ok {
		t.Fatal("short row should not carry Email Address")
	}
	last, ok := got.Last()
	if !ok || last.Value("Name") != "Linus" {
		t.Fatalf("Last = %v, %v", last, ok)
	}
}

func TestFetchErrorWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("connection refused")
	err := NewFetchError("sheets", "http", base)
	if !IsFetchError(err) {
		t.Fatal("expected FetchError")
	}
	if !errors.Is(err, base) {
		t.Fatal("FetchError should unwrap to cause")
	}
	if again := NewFetchError("other", "x", err); again != err {
		t.Fatal("existing FetchError should not be re-wrapped")
	}
	if NewFetchError("s", "op", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}

func TestMirrorWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sheet_data.json")
	m := NewMirror(path)

	tbl := Table{RecordOf("Name", "Ada"), RecordOf("Name", "Linus")}
	if err := m.Write(tbl); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Write(tbl[:1]); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Table
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(tbl[:1]) {
		t.Fatalf("mirror = %v, want %v", got, tbl[:1])
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	var nilMirror *Mirror
	if err := nilMirror.Write(tbl); err != nil {
		t.Fatalf("nil mirror write: %v", err)
	}
	if NewMirror("  ") != nil {
		t.Fatal("blank path should disable the mirror")
	}
}
