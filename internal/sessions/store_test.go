package sessions

import (
	"path/filepath"
	"testing"
)

func TestPatchCreatesOnAbsentKey(t *testing.T) {
	s, err := NewStore("", nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := s.Patch("agent:default:main", Patch{VerboseLevel: Str("on")})
	if err != nil {
		t.Fatal(err)
	}
	if e.VerboseLevel != "on" {
		t.Errorf("VerboseLevel = %q, want on", e.VerboseLevel)
	}
	if e.SessionID == "" {
		t.Error("expected a fresh sessionId")
	}
}

func TestPatchIdempotentOnIdentityFields(t *testing.T) {
	s, _ := NewStore("", nil)
	key := "agent:default:main"
	first, err := s.Patch(key, Patch{Label: Str("alpha")})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Patch(key, Patch{Label: Str("alpha")})
	if err != nil {
		t.Fatal(err)
	}
	if first.Label != second.Label {
		t.Errorf("double-patch not idempotent: %q vs %q", first.Label, second.Label)
	}
}

func TestPatchLabelCollision(t *testing.T) {
	s, _ := NewStore("", nil)
	if _, err := s.Patch("k1", Patch{Label: Str("alpha")}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Patch("k2", Patch{Label: Str("alpha")})
	if err == nil {
		t.Fatal("expected label collision error")
	}
}

func TestPatchUnknownLevelRejected(t *testing.T) {
	s, _ := NewStore("", nil)
	_, err := s.Patch("k1", Patch{ThinkingLevel: Str("nonsense")})
	if err == nil {
		t.Fatal("expected validation error for unknown level")
	}
}

func TestSpawnedBySettableOnce(t *testing.T) {
	s, _ := NewStore("", nil)
	key := BuildSubagentSessionKey("default", "task1")
	if _, err := s.Patch(key, Patch{SpawnedBy: Str("agent:default:main")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Patch(key, Patch{SpawnedBy: Str("agent:default:other")}); err == nil {
		t.Fatal("expected spawnedBy immutability error")
	}
}

func TestSpawnedByRejectedOnNonSubagentKey(t *testing.T) {
	s, _ := NewStore("", nil)
	_, err := s.Patch("agent:default:main", Patch{SpawnedBy: Str("agent:default:other")})
	if err == nil {
		t.Fatal("expected rejection of spawnedBy on non-subagent key")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := NewStore("", nil)
	if err := s.Delete("missing-key"); err != nil {
		t.Fatalf("delete of missing key should not error: %v", err)
	}
}

func TestListSortedByUpdatedAtDesc(t *testing.T) {
	s, _ := NewStore("", nil)
	s.Patch("k1", Patch{Label: Str("first")})
	s.Patch("k2", Patch{Label: Str("second")})
	got := s.List(ListOptions{})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Entry.UpdatedAt < got[1].Entry.UpdatedAt {
		t.Error("expected entries sorted by UpdatedAt desc")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	s1, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Patch("agent:default:main", Patch{Label: Str("alpha"), VerboseLevel: Str("on")}); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := s2.Get("agent:default:main")
	if !ok {
		t.Fatal("expected entry to survive reload")
	}
	if e.Label != "alpha" || e.VerboseLevel != "on" {
		t.Errorf("reloaded entry mismatch: %+v", e)
	}
}

func TestSandboxedSubagentVisibility(t *testing.T) {
	s, _ := NewStore("", nil)
	parent := "agent:default:main"
	child := BuildSubagentSessionKey("default", "task1")
	s.Patch(parent, Patch{Label: Str("p")})
	s.Patch(child, Patch{SpawnedBy: Str(parent)})

	scoped := s.List(ListOptions{SpawnedBy: parent})
	if len(scoped) != 1 || scoped[0].Key != child {
		t.Fatalf("expected only the spawned child, got %v", scoped)
	}
}
