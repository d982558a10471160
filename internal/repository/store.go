package repository

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// document is the on-disk layout of the registry file.
type document struct {
	Revision int64    `yaml:"revision"`
	Records  []Record `yaml:"records"`
}

// Store is the updater registry. A Store opened with an empty path keeps
// its records in memory only.
type Store struct {
	path   string
	perm   os.FileMode
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	records  map[string]Record
	revision int64
}

// Option configures a Store.
type Option func(*Store)

// WithPermissions overrides the default registry file permissions (0644).
func WithPermissions(perm os.FileMode) Option {
	return func(s *Store) {
		s.perm = perm
	}
}

// WithLogger sets a logger for the Store and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads the registry at path. A missing file yields an empty
// registry; the file is created on the first commit.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		perm:    0o644,
		logger:  slog.Default(),
		now:     time.Now,
		records: make(map[string]Record),
	}

	for _, opt := range opts {
		opt(s)
	}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // configured registry file
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("registry file does not exist yet", slog.String("path", path))
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}

	for _, r := range doc.Records {
		if _, dup := s.records[r.Name]; dup {
			return nil, fmt.Errorf("parsing registry %s: duplicate record %q", path, r.Name)
		}

		s.records[r.Name] = r
	}

	s.revision = doc.Revision

	s.logger.Debug("registry loaded",
		slog.String("path", path),
		slog.Int("records", len(s.records)),
		slog.Int64("revision", s.revision),
	)

	return s, nil
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

// Revision returns the revision of the last successful commit.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.revision
}

// Get returns the record called name.
func (s *Store) Get(name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[name]
	if !ok {
		return Record{}, fmt.Errorf("%q: %w", name, ErrRecordNotFound)
	}

	return r, nil
}

// List returns all records in bootstrap order: by sequence, then name.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedRecords(s.records)
}

// FindBySource returns the record defined by the script at source.
func (s *Store) FindBySource(source string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findBySource(source)
}

// FindBeneath returns the records whose script lies beneath dir, in
// bootstrap order.
func (s *Store) FindBeneath(dir string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []Record

	for _, r := range sortedRecords(s.records) {
		if isBeneath(dir, r.Source) {
			found = append(found, r)
		}
	}

	return found
}

func (s *Store) findBySource(source string) (Record, bool) {
	for _, r := range s.records {
		if r.Source == source {
			return r, true
		}
	}

	return Record{}, false
}

// NewSession starts a session against the store.
func (s *Store) NewSession() *Session {
	return &Session{
		store:    s,
		logger:   s.logger,
		writes:   make(map[string]pendingWrite),
		removals: make(map[string]int64),
	}
}

func sortedRecords(records map[string]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}

		return out[i].Name < out[j].Name
	})

	return out
}

// persist writes records to the registry file. Callers hold s.mu.
func (s *Store) persist(records map[string]Record, revision int64) error {
	if s.path == "" {
		return nil
	}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(document{Revision: revision, Records: sortedRecords(records)}); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	return writeFileAtomic(s.path, buf.Bytes(), s.perm)
}

// writeFileAtomic creates parent directories and replaces path with data
// through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	return nil
}
