// Package repository implements the updater registry: a YAML file holding
// one Record per updater definition, changed through transactional
// Sessions, plus a bulk Importer that loads whole bundle directories.
//
// A Session collects writes and removals and applies them on Commit.
// Each record carries the revision it was last committed at; a commit
// fails with ErrConflict when a record it touches was changed by another
// session in the meantime, or when two scripts claim the same name.
package repository
