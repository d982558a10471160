package syncer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/updatersync/internal/script"
)

// errFound stops a directory walk at the first match.
var errFound = errors.New("found")

// resolution is the outcome of mapping the paths of one batch to scripts.
type resolution struct {
	// scripts exist on disk and are interpreted, in batch order.
	scripts []string

	// deleted scripts no longer exist; their records are removed.
	deleted []string

	// vanished are other paths that no longer exist. Scripts recorded
	// beneath them were deleted or moved away with them.
	vanished []string
}

// resolve maps changed paths to the scripts they affect. Every script
// appears at most once.
func resolve(paths []string) resolution {
	var (
		res  resolution
		seen = make(map[string]struct{})
	)

	add := func(list *[]string, path string) {
		if _, ok := seen[path]; ok {
			return
		}

		seen[path] = struct{}{}
		*list = append(*list, path)
	}

	for _, path := range paths {
		info, err := os.Stat(path)

		switch {
		case script.IsScript(path) && err != nil:
			add(&res.deleted, path)
		case script.IsScript(path) && !info.IsDir():
			add(&res.scripts, path)
		case err == nil && info.IsDir():
			found, err := script.FindScripts(path)
			if err != nil {
				continue
			}

			for _, s := range found {
				add(&res.scripts, s)
			}
		default:
			if err != nil {
				res.vanished = append(res.vanished, path)
			}

			if s, ok := findDependent(path); ok {
				add(&res.scripts, s)
			}
		}
	}

	return res
}

// findDependent searches the directory containing path, depth first, for
// a script that mentions the file name of path.
func findDependent(path string) (string, bool) {
	name := []byte(filepath.Base(path))

	var match string

	err := walkSorted(filepath.Dir(path), func(candidate string) error {
		if !script.IsScript(candidate) {
			return nil
		}

		data, err := os.ReadFile(candidate) //nolint:gosec // watched script
		if err != nil {
			return nil //nolint:nilerr // vanished or unreadable, keep looking
		}

		if bytes.Contains(data, name) {
			match = candidate
			return errFound
		}

		return nil
	})

	return match, errors.Is(err, errFound)
}

// walkSorted visits the files below dir depth first, files of a directory
// before its subdirectories, each group in lexical order.
func walkSorted(dir string, visit func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil //nolint:nilerr // missing directories have no dependents
	}

	var subdirs []string

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		if e.IsDir() {
			subdirs = append(subdirs, path)
			continue
		}

		if err := visit(path); err != nil {
			return err
		}
	}

	sort.Strings(subdirs)

	for _, sub := range subdirs {
		if err := walkSorted(sub, visit); err != nil {
			return err
		}
	}

	return nil
}

// bundleOf returns the bundle directory of path: the first directory
// below root on the way to path. Files directly in root, and paths outside
// it, map to root itself. A bundle that no longer exists has nothing to
// import, so the second result is false for it.
func bundleOf(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return root, true
	}

	first, _, nested := strings.Cut(rel, string(filepath.Separator))
	bundle := filepath.Join(root, first)

	info, err := os.Stat(bundle)

	switch {
	case err == nil && info.IsDir():
		return bundle, true
	case err == nil:
		return root, true
	case !nested && script.IsScript(path):
		// A deleted script directly in root.
		return root, true
	default:
		return "", false
	}
}
