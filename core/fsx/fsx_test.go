package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicCreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	if err := WriteFileAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "second" {
		t.Fatalf("unexpected content: %q", content)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left, found %d entries", len(entries))
	}
}

func TestAppendLineAddsNewlinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	if err := AppendLine(path, []byte(`{"seq":0}`), 0o600); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendLine(path, []byte(`{"seq":1}`), 0o600); err != nil {
		t.Fatalf("append: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "{\"seq\":0}\n{\"seq\":1}\n"
	if string(content) != want {
		t.Fatalf("unexpected content: %q", content)
	}
}
