package group

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	m, _ := newTestManager()
	m.HandleCreate("Alice", []string{"/create", "Club", "s3cret"})
	m.HandleJoin("Bob", []string{"/join", "club", "s3cret"})
	m.HandleCreate("carol", []string{"/create", "open"})
	m.HandleJoin("dave", []string{"/join", "open"})
	m.HandleKick("carol", []string{"/groupkick", "open", "dave"})

	path := filepath.Join(t.TempDir(), "groups_data.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, _ := newTestManager()
	reloaded.Load(path)

	m.mu.Lock()
	want := make(map[string]groupRecord, len(m.groups))
	for k, g := range m.groups {
		want[k] = toRecord(g)
	}
	m.mu.Unlock()

	reloaded.mu.Lock()
	got := make(map[string]groupRecord, len(reloaded.groups))
	for k, g := range reloaded.groups {
		got[k] = toRecord(g)
	}
	reloaded.mu.Unlock()

	if !reflect.DeepEqual(want, got) {
		t.Errorf("snapshot round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	checkInvariants(t, reloaded)
}

func TestSnapshotFormat(t *testing.T) {
	m, _ := newTestManager()
	m.HandleCreate("alice", []string{"/create", "club"})

	path := filepath.Join(t.TempDir(), "groups_data.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Top-level object keyed by "groups", 4-space indent.
	if !strings.HasPrefix(string(data), "{\n    \"groups\"") {
		t.Errorf("unexpected snapshot layout:\n%s", data)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	rec, ok := snap.Groups["club"]
	if !ok {
		t.Fatalf("club missing from snapshot: %+v", snap)
	}
	if rec.Owner != "alice" || len(rec.Members) != 1 || rec.Members[0] != "alice" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	m, _ := newTestManager()
	m.Load(filepath.Join(t.TempDir(), "absent.json"))
	if m.Count() != 0 {
		t.Errorf("expected empty manager, count=%d", m.Count())
	}
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups_data.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager()
	m.Load(path)
	if m.Count() != 0 {
		t.Errorf("expected empty manager after corrupt load, count=%d", m.Count())
	}
}

func TestLoadRepairsInvariants(t *testing.T) {
	// Owner missing from members, one user both member and banned,
	// and an empty group. Load must repair or drop them.
	raw := `{
    "groups": {
        "club": {
            "name": "club",
            "owner": "ghost",
            "members": ["alice", "bob"],
            "password_hash": "",
            "banned": ["bob"]
        },
        "void": {
            "name": "void",
            "owner": "x",
            "members": [],
            "password_hash": "",
            "banned": []
        }
    }
}`
	path := filepath.Join(t.TempDir(), "groups_data.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	m, _ := newTestManager()
	m.Load(path)

	if m.Count() != 1 {
		t.Fatalf("expected 1 group after repair, got %d", m.Count())
	}
	checkInvariants(t, m)
}
