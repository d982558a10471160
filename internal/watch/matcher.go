package watch

import (
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/moby/patternmatcher"
)

// Filter decides which files are reported and which directories are
// descended into.
type Filter struct {
	include []*patternmatcher.PatternMatcher
	exclude []*patternmatcher.PatternMatcher
}

// NewFilter compiles include-file and exclude-directory glob patterns.
// Patterns are matched against base names; invalid patterns are logged and
// skipped one by one.
func NewFilter(includeFiles, excludeDirectories []string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Filter{
		include: compilePatterns("include file", includeFiles, logger),
		exclude: compilePatterns("exclude directory", excludeDirectories, logger),
	}
}

// IncludesFile reports whether changes to the file at path are reported.
func (f *Filter) IncludesFile(path string) bool {
	if f == nil || len(f.include) == 0 {
		return true
	}

	return matchAny(f.include, filepath.Base(path))
}

// ExcludesDirectory reports whether the directory at path is skipped
// together with its subtree.
func (f *Filter) ExcludesDirectory(path string) bool {
	if f == nil {
		return false
	}

	return matchAny(f.exclude, filepath.Base(path))
}

func compilePatterns(kind string, patterns []string, logger *slog.Logger) []*patternmatcher.PatternMatcher {
	compiled := make([]*patternmatcher.PatternMatcher, 0, len(patterns))

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if strings.ContainsAny(p, `/\`) {
			logger.Warn("ignoring pattern with path separator",
				slog.String("kind", kind),
				slog.String("pattern", p),
			)

			continue
		}

		pm, err := patternmatcher.New([]string{p})
		if err != nil {
			logger.Warn("ignoring invalid pattern",
				slog.String("kind", kind),
				slog.String("pattern", p),
				slog.String("error", err.Error()),
			)

			continue
		}

		compiled = append(compiled, pm)
	}

	return compiled
}

func matchAny(matchers []*patternmatcher.PatternMatcher, name string) bool {
	for _, pm := range matchers {
		if ok, err := pm.MatchesOrParentMatches(name); err == nil && ok {
			return true
		}
	}

	return false
}

// osAliases maps GOOS values to the names operators tend to configure.
var osAliases = map[string][]string{
	"darwin":  {"mac os x", "macos"},
	"windows": {"windows"},
	"linux":   {"linux"},
}

// MatchesOS reports whether one of patterns matches the given operating
// system name (a GOOS value; empty means the current one). Matching is
// case-insensitive. Invalid patterns are logged and skipped.
func MatchesOS(patterns []string, goos string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}

	if goos == "" {
		goos = runtime.GOOS
	}

	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		lowered = append(lowered, strings.ToLower(p))
	}

	names := append([]string{goos}, osAliases[goos]...)

	for _, pm := range compilePatterns("os name", lowered, logger) {
		for _, name := range names {
			if ok, err := pm.MatchesOrParentMatches(name); err == nil && ok {
				return true
			}
		}
	}

	return false
}
