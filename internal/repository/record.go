package repository

import (
	"errors"
	"reflect"
	"time"

	"github.com/hupe1980/updatersync/internal/script"
)

var (
	// ErrConflict is returned when a write or commit would overwrite a
	// record another source or session owns.
	ErrConflict = errors.New("registry conflict")

	// ErrRecordNotFound is returned by lookups for unknown records.
	ErrRecordNotFound = errors.New("record not found")
)

// Record is one updater registry entry.
type Record struct {
	Name        string    `yaml:"name" json:"name"`
	Source      string    `yaml:"source" json:"source"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Path        string    `yaml:"path,omitempty" json:"path,omitempty"`
	Query       string    `yaml:"query,omitempty" json:"query,omitempty"`
	Parameters  string    `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	BatchSize   int64     `yaml:"batchSize" json:"batchSize"`
	Throttle    int64     `yaml:"throttle" json:"throttle"`
	DryRun      bool      `yaml:"dryRun,omitempty" json:"dryRun,omitempty"`
	Mixins      []string  `yaml:"mixins,omitempty" json:"mixins,omitempty"`
	LogTarget   string    `yaml:"logTarget,omitempty" json:"logTarget,omitempty"`
	ContentRoot string    `yaml:"contentRoot" json:"contentRoot"`
	Sequence    float64   `yaml:"sequence" json:"sequence"`
	Reload      bool      `yaml:"reload,omitempty" json:"reload,omitempty"`
	Version     string    `yaml:"version,omitempty" json:"version,omitempty"`
	Script      string    `yaml:"script" json:"script"`
	Revision    int64     `yaml:"revision" json:"revision"`
	Updated     time.Time `yaml:"updated" json:"updated"`
}

// FromDefinition converts an interpreted script into a record. A query
// takes precedence over a path.
func FromDefinition(def *script.Definition) Record {
	r := Record{
		Name:        def.Name,
		Source:      def.Source,
		Description: def.Description,
		Path:        def.Path,
		Query:       def.Query,
		Parameters:  def.Parameters,
		BatchSize:   def.BatchSize,
		Throttle:    def.Throttle,
		DryRun:      def.DryRun,
		Mixins:      append([]string(nil), def.Mixins...),
		LogTarget:   string(def.LogTarget),
		ContentRoot: string(def.ContentRoot),
		Sequence:    def.Sequence,
		Reload:      def.Reload,
		Version:     def.Version,
		Script:      def.Script,
	}

	if r.Query != "" {
		r.Path = ""
	}

	return r
}

// sameContent reports whether two records differ only in bookkeeping.
func sameContent(a, b Record) bool {
	a.Revision, b.Revision = 0, 0
	a.Updated, b.Updated = time.Time{}, time.Time{}

	if len(a.Mixins) == 0 && len(b.Mixins) == 0 {
		a.Mixins, b.Mixins = nil, nil
	}

	return reflect.DeepEqual(a, b)
}
