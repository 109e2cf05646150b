// Package migrate transforms persisted task documents between schema
// versions. Migrations are point transforms registered by id; planning only
// supports straight-line version histories, no branching graphs.
package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrNoPath is returned when no contiguous chain of migrations covers the
// requested version range.
var ErrNoPath = errors.New("no migration path")

// Migration is one point transform between two adjacent schema versions.
type Migration interface {
	ID() string
	FromVersion() string
	ToVersion() string
	Reversible() bool
	Apply(doc map[string]any) (map[string]any, error)
	Rollback(doc map[string]any) (map[string]any, error)
	Validate(doc map[string]any) error
	ValidateAfter(doc map[string]any) error
}

// Manager holds the migration registry and writes pre-migration backups.
type Manager struct {
	logger     *slog.Logger
	backupDir  string
	maxBackups int
	registry   map[string]Migration
}

// NewManager returns an empty manager; callers add migrations through
// Register or RegisterBuiltins. Backups of documents about to be
// transformed land in backupDir, pruned to maxBackups per document.
func NewManager(logger *slog.Logger, backupDir string, maxBackups int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	return &Manager{
		logger:     logger,
		backupDir:  backupDir,
		maxBackups: maxBackups,
		registry:   make(map[string]Migration),
	}
}

// Register adds a migration to the registry. Duplicate ids are rejected.
func (m *Manager) Register(mig Migration) error {
	if _, ok := m.registry[mig.ID()]; ok {
		return fmt.Errorf("migration %q already registered", mig.ID())
	}
	m.registry[mig.ID()] = mig
	return nil
}

func canon(v string) string { return "v" + strings.TrimPrefix(v, "v") }

// DetectVersion infers a document's schema version. An explicit
// schemaVersion tag wins; otherwise the version is inferred from structural
// shape.
func (m *Manager) DetectVersion(doc map[string]any) string {
	if v, ok := doc["schemaVersion"].(string); ok && v != "" {
		return v
	}
	_, hasContext := doc["context"]
	_, hasParameters := doc["parameters"]
	if hasContext && hasParameters {
		return "1.1.0"
	}
	return "1.0.0"
}

// Plan selects the ordered chain of migrations covering [from, to]. Upgrades
// run ascending; downgrades require every step to be reversible and run
// descending. The chain must be contiguous or ErrNoPath is returned.
func (m *Manager) Plan(from, to string) ([]Migration, error) {
	if !semver.IsValid(canon(from)) || !semver.IsValid(canon(to)) {
		return nil, fmt.Errorf("invalid version range %q -> %q", from, to)
	}
	cmp := semver.Compare(canon(from), canon(to))
	if cmp == 0 {
		return nil, nil
	}

	lo, hi := from, to
	if cmp > 0 {
		lo, hi = to, from
	}

	var selected []Migration
	for _, mig := range m.registry {
		if semver.Compare(canon(mig.FromVersion()), canon(lo)) >= 0 &&
			semver.Compare(canon(mig.ToVersion()), canon(hi)) <= 0 {
			selected = append(selected, mig)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return semver.Compare(canon(selected[i].FromVersion()), canon(selected[j].FromVersion())) < 0
	})

	if cmp < 0 {
		// Upgrade: walk ascending and require contiguity.
		cursor := from
		for _, mig := range selected {
			if mig.FromVersion() != cursor {
				return nil, fmt.Errorf("%w: gap at %s", ErrNoPath, cursor)
			}
			cursor = mig.ToVersion()
		}
		if cursor != to {
			return nil, fmt.Errorf("%w: chain ends at %s, want %s", ErrNoPath, cursor, to)
		}
		return selected, nil
	}

	// Downgrade: reverse order, every step must be reversible.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	cursor := from
	for _, mig := range selected {
		if !mig.Reversible() {
			return nil, fmt.Errorf("%w: migration %q is not reversible", ErrNoPath, mig.ID())
		}
		if mig.ToVersion() != cursor {
			return nil, fmt.Errorf("%w: gap at %s", ErrNoPath, cursor)
		}
		cursor = mig.FromVersion()
	}
	if cursor != to {
		return nil, fmt.Errorf("%w: chain ends at %s, want %s", ErrNoPath, cursor, to)
	}
	return selected, nil
}

// MigrateDocument runs the planned chain over one document. Each step runs
// pre-validate, transform, post-validate; the first failure aborts the whole
// call, leaving the document at the last successfully reached version.
// The returned version is always the version the document actually ended at.
func (m *Manager) MigrateDocument(id string, doc map[string]any, from, to string) (map[string]any, string, error) {
	plan, err := m.Plan(from, to)
	if err != nil {
		return doc, from, err
	}
	if len(plan) == 0 {
		return doc, from, nil
	}

	if err := m.writeBackup(id, from, doc); err != nil {
		return doc, from, fmt.Errorf("backup %s: %w", id, err)
	}

	downgrade := semver.Compare(canon(from), canon(to)) > 0
	current := doc
	version := from
	for _, mig := range plan {
		if err := mig.Validate(current); err != nil {
			return current, version, fmt.Errorf("migration %q pre-validate: %w", mig.ID(), err)
		}
		var next map[string]any
		if downgrade {
			next, err = mig.Rollback(current)
		} else {
			next, err = mig.Apply(current)
		}
		if err != nil {
			return current, version, fmt.Errorf("migration %q transform: %w", mig.ID(), err)
		}
		if err := mig.ValidateAfter(next); err != nil {
			return current, version, fmt.Errorf("migration %q post-validate: %w", mig.ID(), err)
		}
		current = next
		if downgrade {
			version = mig.FromVersion()
		} else {
			version = mig.ToVersion()
		}
		current["schemaVersion"] = version
		m.logger.Info("migration applied", "id", mig.ID(), "document", id, "version", version)
	}
	return current, version, nil
}

func (m *Manager) writeBackup(id, version string, doc map[string]any) error {
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.backupDir, fmt.Sprintf("%s.%s.json", id, version))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	return m.pruneBackups(id)
}

// pruneBackups keeps the newest maxBackups backup files per document id.
func (m *Manager) pruneBackups(id string) error {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return err
	}
	type backup struct {
		name string
		mod  int64
	}
	var backups []backup
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), id+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(backups) <= m.maxBackups {
		return nil
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod > backups[j].mod })
	for _, b := range backups[m.maxBackups:] {
		if err := os.Remove(filepath.Join(m.backupDir, b.name)); err != nil {
			m.logger.Warn("prune backup failed", "file", b.name, "error", err)
		}
	}
	return nil
}
