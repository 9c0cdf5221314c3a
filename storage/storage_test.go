package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/swarmbot/structs"
)

func TestConfigs(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := structs.DefaultSessionConfig()
	cfg.Username = "bob"
	cfg.Chat.Masters = []string{"alice"}
	for _, id := range []string{"b", "a"} {
		if err := s.SaveConfig(id, cfg); err != nil {
			t.Fatal(err)
		}
	}
	got, found, err := s.LoadConfig("a")
	if err != nil || !found {
		t.Fatalf("got %v, %v", found, err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	ids, err := s.ListConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if deleted, err := s.DeleteConfig("a"); err != nil || !deleted {
		t.Errorf("got %v, %v", deleted, err)
	}
	if deleted, err := s.DeleteConfig("a"); err != nil || deleted {
		t.Errorf("second delete got %v, %v", deleted, err)
	}
	if _, found, err := s.LoadConfig("a"); err != nil || found {
		t.Errorf("got %v, %v for a deleted config", found, err)
	}
}

func TestPlans(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	plan := structs.Plan{
		Name:    "farm",
		SavedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Entries: []structs.Entry{
			{ID: "j", Kind: structs.KindTick, Command: "jump", Ticks: 20, Repeat: true},
			{ID: "d", Kind: structs.KindDate, Command: "say hi", At: &at},
			{ID: "s", Kind: structs.KindSequence, Steps: []structs.Step{{Command: "a"}, {Command: "b", DelayMillis: 100}}},
		},
	}
	if err := s.SavePlan(plan); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.LoadPlan("farm")
	if err != nil || !found {
		t.Fatalf("got %v, %v", found, err)
	}
	if diff := cmp.Diff(plan, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	names, err := s.ListPlans()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"farm"}, names); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestInvalidNames(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../escape", ".hidden", "a/b", "with space"} {
		if err := s.SaveConfig(name, structs.DefaultSessionConfig()); !errors.Is(err, ErrInvalidName) {
			t.Errorf("%q: got %v, want ErrInvalidName", name, err)
		}
	}
}

func TestWriteJSONLeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	for i := 0; i < 3; i++ {
		if err := WriteJSON(path, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %v files", len(entries))
	}
	got := map[string]int{}
	if found, err := ReadJSON(path, &got); err != nil || !found || got["n"] != 2 {
		t.Errorf("got %v, %v, %v", got, found, err)
	}
	if found, err := ReadJSON(filepath.Join(dir, "missing.json"), &got); err != nil || found {
		t.Errorf("got %v, %v for a missing file", found, err)
	}
}
