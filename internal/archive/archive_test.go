package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/andreafio/competition-platform/internal/config"
)

func TestArchiverDisabledByDefault(t *testing.T) {
	a, err := New(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil archiver when nothing is configured")
	}
	// Saving through a nil archiver is a no-op.
	if _, err := a.Save(context.Background(), "ev1", "div1", "b1", nil); err != nil {
		t.Fatalf("nil archiver save: %v", err)
	}
}

func TestArchiverWritesLocalSnapshot(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), config.Config{ArchiveDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a == nil {
		t.Fatalf("expected local archiver")
	}

	loc, err := a.Save(context.Background(), "ev1", "div1", "b1", map[string]any{
		"matches": []any{map[string]any{"id": "m1"}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	want := filepath.Join(dir, "events", "ev1", "div1", "b1.json")
	if loc != want {
		t.Fatalf("unexpected location %q", loc)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snapshot["bracket_id"] != "b1" || snapshot["engine_result"] == nil {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}
