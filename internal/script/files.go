package script

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Extension is the file extension of updater scripts.
const Extension = ".groovy"

// IsScript reports whether path names an updater script.
func IsScript(path string) bool {
	return strings.HasSuffix(path, Extension)
}

// FindScripts returns every updater script below dir in lexical order.
func FindScripts(dir string) ([]string, error) {
	var scripts []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && IsScript(path) {
			scripts = append(scripts, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(scripts)

	return scripts, nil
}
