package versions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "installed-versions.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.All()) != 0 {
		t.Fatalf("expected an empty store, got %v", s.All())
	}
}

func TestLoadCorruptedFileSurfacesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installed-versions.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a corrupted-file error, got nil")
	}
}

func TestPutAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installed-versions.json")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	entry := Entry{Hashes: map[string]string{"tree": "AAAA"}, IsCurrent: true}
	if err := s.Put("target-1", entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get("target-1")
	if !ok {
		t.Fatal("expected target-1 to be present after reload")
	}
	if got.Hashes["tree"] != "AAAA" || !got.IsCurrent {
		t.Fatalf("got %+v", got)
	}
}

func TestSetCurrentClearsOthers(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "installed-versions.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("target-1", Entry{IsCurrent: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("target-2", Entry{}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrent("target-2"); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}

	e1, _ := s.Get("target-1")
	e2, _ := s.Get("target-2")
	if e1.IsCurrent {
		t.Error("target-1 should no longer be current")
	}
	if !e2.IsCurrent {
		t.Error("target-2 should be current")
	}
}

func TestSetCurrentUnknownTarget(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "installed-versions.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrent("nonexistent"); err == nil {
		t.Fatal("expected an error for an unknown target")
	}
}
