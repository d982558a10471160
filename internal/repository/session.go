package repository

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/updatersync/internal/script"
)

// Action classifies a pending change.
type Action string

// Change actions.
const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionRemove    Action = "remove"
	ActionUnchanged Action = "unchanged"
)

// Change describes one pending change of a session.
type Change struct {
	Action Action
	Name   string
	Source string

	// Diff is a unified diff of the script body for updates.
	Diff string
}

// Session stages writes and removals and applies them atomically on
// Commit. A session is reusable: Commit and Rollback both leave it empty.
//
// Session methods are safe for concurrent use, but a session is meant to
// be driven by one consumer at a time.
type Session struct {
	store  *Store
	logger *slog.Logger

	mu       sync.Mutex
	writes   map[string]pendingWrite
	removals map[string]int64
}

type pendingWrite struct {
	record Record

	// base is the revision of the stored record when it was first written
	// in this session, zero when there was none.
	base int64
}

// Write stages def as a create or update of the record named def.Name.
// It fails with ErrConflict when another script already owns the name.
func (s *Session) Write(def *script.Definition) error {
	if def == nil {
		return errors.New("writing nil definition")
	}

	r := FromDefinition(def)

	s.mu.Lock()
	defer s.mu.Unlock()

	if pending, ok := s.writes[r.Name]; ok && pending.record.Source != r.Source {
		return fmt.Errorf("%q is defined by %s and %s: %w", r.Name, pending.record.Source, r.Source, ErrConflict)
	}

	s.store.mu.RLock()
	stored, exists := s.store.records[r.Name]
	s.store.mu.RUnlock()

	if exists && stored.Source != r.Source && sourceExists(stored.Source) {
		return fmt.Errorf("%q is already defined by %s: %w", r.Name, stored.Source, ErrConflict)
	}

	base := stored.Revision
	if pending, ok := s.writes[r.Name]; ok {
		base = pending.base
	}

	s.writes[r.Name] = pendingWrite{record: r, base: base}
	delete(s.removals, r.Name)

	s.logger.Debug("record staged",
		slog.String("name", r.Name),
		slog.String("source", r.Source),
	)

	return nil
}

// Remove stages the removal of the record defined by the script at
// source. It reports whether such a record exists.
func (s *Session) Remove(source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false

	for name, pending := range s.writes {
		if pending.record.Source == source {
			delete(s.writes, name)

			found = true
		}
	}

	s.store.mu.RLock()
	stored, ok := s.store.findBySource(source)
	s.store.mu.RUnlock()

	if ok {
		s.removals[stored.Name] = stored.Revision
		found = true

		s.logger.Debug("record removal staged",
			slog.String("name", stored.Name),
			slog.String("source", source),
		)
	}

	return found, nil
}

// PruneMissing stages the removal of every stored record whose script lies
// beneath dir but no longer exists. Records already staged for removal are
// not counted again. It returns the number of new removals.
func (s *Session) PruneMissing(dir string) (int, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", dir, err)
	}

	var orphans []string

	for _, r := range s.store.FindBeneath(dir) {
		if !sourceExists(r.Source) && !s.removalStaged(r.Name) {
			orphans = append(orphans, r.Source)
		}
	}

	for _, source := range orphans {
		if _, err := s.Remove(source); err != nil {
			return 0, err
		}
	}

	return len(orphans), nil
}

func (s *Session) removalStaged(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.removals[name]

	return ok
}

// Pending describes what Commit would change, ordered by name.
func (s *Session) Pending() ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	return s.changes(s.store.records)
}

// changes computes the pending changes against records. Callers hold s.mu
// and at least a read lock on the store.
func (s *Session) changes(records map[string]Record) ([]Change, error) {
	out := make([]Change, 0, len(s.writes)+len(s.removals))

	for name, pending := range s.writes {
		c := Change{Action: ActionCreate, Name: name, Source: pending.record.Source}

		if stored, ok := records[name]; ok {
			c.Action = ActionUpdate

			if sameContent(stored, pending.record) {
				c.Action = ActionUnchanged
			}

			d, err := scriptDiff(name, stored.Script, pending.record.Script)
			if err != nil {
				return nil, err
			}

			c.Diff = d
		}

		out = append(out, c)
	}

	for name := range s.removals {
		if stored, ok := records[name]; ok {
			out = append(out, Change{Action: ActionRemove, Name: name, Source: stored.Source})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// Commit applies all staged changes as one new registry revision. It
// fails with ErrConflict when a touched record was committed by another
// session after it was staged here; the staged changes are then kept
// until Rollback.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.store

	st.mu.Lock()
	defer st.mu.Unlock()

	for name, pending := range s.writes {
		if cur := st.records[name].Revision; cur != pending.base {
			return fmt.Errorf("%q changed at revision %d: %w", name, cur, ErrConflict)
		}
	}

	for name, base := range s.removals {
		if cur, ok := st.records[name]; ok && cur.Revision != base {
			return fmt.Errorf("%q changed at revision %d: %w", name, cur.Revision, ErrConflict)
		}
	}

	changes, err := s.changes(st.records)
	if err != nil {
		return err
	}

	revision := st.revision + 1
	next := maps.Clone(st.records)
	applied := 0

	for _, c := range changes {
		switch c.Action {
		case ActionCreate, ActionUpdate:
			r := s.writes[c.Name].record
			r.Revision = revision
			r.Updated = st.now().UTC()
			next[c.Name] = r
		case ActionRemove:
			delete(next, c.Name)
		case ActionUnchanged:
			continue
		}

		applied++

		s.logger.Info("record committed",
			slog.String("action", string(c.Action)),
			slog.String("name", c.Name),
			slog.String("source", c.Source),
		)

		if c.Diff != "" {
			s.logger.Debug("script changed",
				slog.String("name", c.Name),
				slog.String("diff", c.Diff),
			)
		}
	}

	if applied > 0 {
		if err := st.persist(next, revision); err != nil {
			return fmt.Errorf("persisting registry: %w", err)
		}

		st.records = next
		st.revision = revision
	}

	s.reset()

	return nil
}

// Rollback discards all staged changes.
func (s *Session) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.writes) > 0 || len(s.removals) > 0 {
		s.logger.Debug("session rolled back",
			slog.Int("writes", len(s.writes)),
			slog.Int("removals", len(s.removals)),
		)
	}

	s.reset()
}

func (s *Session) reset() {
	clear(s.writes)
	clear(s.removals)
}

func isBeneath(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sourceExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
