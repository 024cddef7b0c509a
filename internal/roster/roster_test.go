package roster

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse_ContainsIsCaseInsensitive(t *testing.T) {
	r, err := Parse([]byte("agents:\n  - name: helper\n    address: \"0xAbCdEf\"\n  - name: blank\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Len())
	}
	if !r.Contains("0xabcdef") || !r.Contains("0XABCDEF") {
		t.Fatal("expected case-insensitive match")
	}
	if r.Contains("0x123") {
		t.Fatal("expected unknown address not to match")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	r, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Len() != 0 || r.Contains("0xabc") {
		t.Fatal("expected empty roster")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: a\n    address: 0x01\n  - name: dup\n    address: 0X01\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected duplicates to collapse, got %d", r.Len())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNilRoster(t *testing.T) {
	var r *Roster
	if r.Contains("0x01") {
		t.Fatal("nil roster must contain nothing")
	}
}
