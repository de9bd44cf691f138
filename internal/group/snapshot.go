package group

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// snapshotFile is the on-disk form of the whole group map.
type snapshotFile struct {
	Groups map[string]groupRecord `json:"groups"`
}

// groupRecord is the persisted form of one group.
type groupRecord struct {
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Members      []string `json:"members"`
	PasswordHash string   `json:"password_hash"`
	Banned       []string `json:"banned"`
}

func toRecord(g *Group) groupRecord {
	members := keys(g.Members)
	banned := keys(g.Banned)
	sort.Strings(members)
	sort.Strings(banned)
	return groupRecord{
		Name:         g.Name,
		Owner:        g.Owner,
		Members:      members,
		PasswordHash: g.PasswordHash,
		Banned:       banned,
	}
}

func fromRecord(r groupRecord) *Group {
	g := &Group{
		Name:         r.Name,
		Owner:        r.Owner,
		Members:      make(map[string]struct{}, len(r.Members)),
		Banned:       make(map[string]struct{}, len(r.Banned)),
		PasswordHash: r.PasswordHash,
	}
	for _, m := range r.Members {
		g.Members[lower(m)] = struct{}{}
	}
	for _, b := range r.Banned {
		g.Banned[lower(b)] = struct{}{}
	}
	return g
}

// Load replaces the manager's state with the snapshot at path. A
// missing file starts empty silently; a corrupt file starts empty
// with a warning. Records violating the group invariants are repaired
// or dropped rather than trusted.
func (m *Manager) Load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("group snapshot not found, starting empty", "path", path)
		} else {
			slog.Warn("group snapshot unreadable, starting empty", "path", path, "err", err)
		}
		return
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("group snapshot corrupt, starting empty", "path", path, "err", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.groups = make(map[string]*Group, len(snap.Groups))
	for key, rec := range snap.Groups {
		g := fromRecord(rec)
		if len(g.Members) == 0 {
			slog.Warn("dropping empty group from snapshot", "group", key)
			continue
		}
		// A group must have its owner among the members, and nobody
		// may be both a member and banned.
		if _, ok := g.Members[g.Owner]; !ok {
			for member := range g.Members {
				g.Owner = member
				break
			}
			slog.Warn("snapshot owner not in member set, reassigned", "group", key, "owner", g.Owner)
		}
		for member := range g.Members {
			delete(g.Banned, member)
		}
		m.groups[lower(key)] = g
	}
	m.countChangedLocked()
	slog.Info("group snapshot loaded", "path", path, "groups", len(m.groups))
}

// Save writes the current group map to path, pretty-printed with
// 4-space indentation. Failures are reported to the caller, who logs
// and continues shutting down.
func (m *Manager) Save(path string) error {
	m.mu.Lock()
	snap := snapshotFile{Groups: make(map[string]groupRecord, len(m.groups))}
	for key, g := range m.groups {
		snap.Groups[key] = toRecord(g)
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding group snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing group snapshot: %w", err)
	}
	slog.Info("group snapshot saved", "path", path, "groups", len(snap.Groups))
	return nil
}
