package script

import (
	"errors"
	"fmt"
)

var (
	// ErrNotDefinition is returned for files without an @Updater annotation.
	ErrNotDefinition = errors.New("not an updater definition")

	// ErrInvalidDefinition is returned when annotations cannot be parsed or
	// carry invalid values.
	ErrInvalidDefinition = errors.New("invalid updater definition")

	// ErrFileTooLarge is returned for scripts exceeding the configured
	// maximum file length.
	ErrFileTooLarge = errors.New("file exceeds maximum length")
)

// NameError reports an updater name that cannot be used as a registry node
// name.
type NameError struct {
	Path   string
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("error parsing the updater name %q for %s: %s", e.Name, e.Path, e.Reason)
}

// ContentRoot selects the registry location a definition is bootstrapped to.
type ContentRoot string

// Content roots.
const (
	ContentRootDefault  ContentRoot = ""
	ContentRootQueue    ContentRoot = "queue"
	ContentRootRegistry ContentRoot = "registry"
)

// ParseContentRoot converts a configured or annotated content root.
func ParseContentRoot(s string) (ContentRoot, error) {
	switch ContentRoot(s) {
	case ContentRootDefault, ContentRootQueue, ContentRootRegistry:
		return ContentRoot(s), nil
	default:
		return "", fmt.Errorf("unknown content root %q: must be one of queue, registry", s)
	}
}

// LogTarget selects where an updater run writes its log.
type LogTarget string

// Log targets.
const (
	LogTargetDefault    LogTarget = ""
	LogTargetLogFiles   LogTarget = "LOG FILES"
	LogTargetRepository LogTarget = "REPOSITORY"
)

// Defaults applied when an annotation omits the attribute.
const (
	DefaultBatchSize int64   = 10
	DefaultThrottle  int64   = 1000
	DefaultSequence  float64 = 99999.0
)

// Definition is an interpreted updater script.
type Definition struct {
	// Source is the absolute path of the script file.
	Source string

	// Updater attributes.
	Name        string
	Description string
	Path        string
	Query       string
	BatchSize   int64
	Throttle    int64
	DryRun      bool
	Parameters  string
	Mixins      []string
	LogTarget   LogTarget

	// Script is the file content without updater annotations.
	Script string

	// Bootstrap attributes.
	ContentRoot ContentRoot
	Sequence    float64
	Reload      bool
	Version     string

	// Excluded is set for scripts annotated with @Exclude.
	Excluded bool
}
