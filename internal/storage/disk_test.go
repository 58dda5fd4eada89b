package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUsage(t *testing.T) {
	dir := t.TempDir()

	f1 := filepath.Join(dir, "collection.json")
	if err := os.WriteFile(f1, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "indices")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b"), []byte("c"), 0644); err != nil {
		t.Fatal(err)
	}

	got, total, err := Usage(
		PathUsage{Name: "collection", Path: f1},
		PathUsage{Name: "indices", Path: sub},
		PathUsage{Name: "archive", Path: filepath.Join(dir, "missing.db")},
		PathUsage{Name: "unset"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if total != 8 {
		t.Errorf("total = %d, want 8", total)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries (empty path skipped), got %d", len(got))
	}
	if got[0].Bytes != 5 || got[1].Bytes != 3 || got[2].Bytes != 0 {
		t.Errorf("got %+v", got)
	}
}
