package script

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// Options configures an Interpreter.
type Options struct {
	// MaxFileLength is the largest script size in bytes that is read.
	// Zero disables the limit.
	MaxFileLength int64

	// DefaultContentRoot is used for scripts without an explicit
	// @Bootstrap content root.
	DefaultContentRoot ContentRoot

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Interpreter turns updater scripts into Definitions.
type Interpreter struct {
	opts Options
}

// New creates an interpreter.
func New(opts Options) *Interpreter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.DefaultContentRoot == ContentRootDefault {
		opts.DefaultContentRoot = ContentRootQueue
	}

	return &Interpreter{opts: opts}
}

// Interpret reads the script at path. root is the source directory the
// script was found in; parameter files referenced with a leading slash
// are resolved against it.
//
// Errors wrap ErrNotDefinition, ErrInvalidDefinition, ErrFileTooLarge, a
// *NameError, or the underlying file system error.
func (i *Interpreter) Interpret(root, path string) (*Definition, error) {
	if !IsScript(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotDefinition)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotDefinition)
	}

	if limit := i.opts.MaxFileLength; limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d: %w", path, info.Size(), limit, ErrFileTooLarge)
	}

	data, err := os.ReadFile(path) //nolint:gosec // watched script
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}

	return i.parse(root, path, normalizeLineEndings(string(data)))
}

func (i *Interpreter) parse(root, path, content string) (*Definition, error) {
	annotations, err := scanAnnotations(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, ErrInvalidDefinition, err)
	}

	def := &Definition{
		Source:      path,
		BatchSize:   DefaultBatchSize,
		Throttle:    DefaultThrottle,
		Sequence:    DefaultSequence,
		ContentRoot: i.opts.DefaultContentRoot,
	}

	var hasUpdater bool

	for _, a := range annotations {
		switch a.name {
		case "Updater":
			if hasUpdater {
				err = errors.New("duplicate @Updater")
				break
			}

			hasUpdater = true
			err = applyUpdater(def, a)
		case "Bootstrap":
			err = i.applyBootstrap(def, a)
		case "Exclude":
			def.Excluded = true
		}

		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", path, ErrInvalidDefinition, err)
		}
	}

	if !hasUpdater {
		return nil, fmt.Errorf("%s: %w", path, ErrNotDefinition)
	}

	if err := validateName(path, def.Name); err != nil {
		return nil, err
	}

	params, err := i.resolveParameters(root, path, def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, ErrInvalidDefinition, err)
	}

	def.Parameters = params
	def.Script = strip(content, annotations)

	return def, nil
}

func applyUpdater(def *Definition, a annotation) error {
	if err := a.unknown("name", "description", "path", "xpath", "batchSize", "dryRun",
		"parameters", "throttle", "mixin", "logTarget"); err != nil {
		return err
	}

	if !a.has("name") {
		return errors.New("@Updater requires a name")
	}

	var (
		mixin string
		err   error
	)

	if def.Name, err = a.stringAttr("name", ""); err != nil {
		return err
	}

	if def.Description, err = a.stringAttr("description", ""); err != nil {
		return err
	}

	if def.Path, err = a.stringAttr("path", ""); err != nil {
		return err
	}

	if def.Query, err = a.stringAttr("xpath", ""); err != nil {
		return err
	}

	if def.Parameters, err = a.stringAttr("parameters", ""); err != nil {
		return err
	}

	if mixin, err = a.stringAttr("mixin", ""); err != nil {
		return err
	}

	if def.BatchSize, err = a.intAttr("batchSize", DefaultBatchSize); err != nil {
		return err
	}

	if def.Throttle, err = a.intAttr("throttle", DefaultThrottle); err != nil {
		return err
	}

	if def.DryRun, err = a.boolAttr("dryRun", false); err != nil {
		return err
	}

	if def.BatchSize < 0 || def.Throttle < 0 {
		return errors.New("batchSize and throttle must not be negative")
	}

	def.Mixins = splitMixins(mixin)

	target, ok, err := a.enumAttr("logTarget")
	if err != nil {
		return err
	}

	if ok {
		switch target {
		case "DEFAULT":
			def.LogTarget = LogTargetDefault
		case "LOG_FILES":
			def.LogTarget = LogTargetLogFiles
		case "REPOSITORY":
			def.LogTarget = LogTargetRepository
		default:
			return fmt.Errorf("unknown log target %s", target)
		}
	}

	return nil
}

func (i *Interpreter) applyBootstrap(def *Definition, a annotation) error {
	if err := a.unknown("contentroot", "sequence", "reload", "version"); err != nil {
		return err
	}

	var err error

	if def.Sequence, err = a.floatAttr("sequence", DefaultSequence); err != nil {
		return err
	}

	if def.Reload, err = a.boolAttr("reload", false); err != nil {
		return err
	}

	version, err := a.stringAttr("version", "")
	if err != nil {
		return err
	}

	if version != "" {
		v, err := semver.NewVersion(version)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", version, err)
		}

		def.Version = v.String()
	}

	root, ok, err := a.enumAttr("contentroot")
	if err != nil {
		return err
	}

	if ok && root != "DEFAULT" {
		cr, err := ParseContentRoot(strings.ToLower(root))
		if err != nil {
			return err
		}

		def.ContentRoot = cr
	}

	return nil
}

// resolveParameters returns the content of the file value refers to, if
// any, and value itself otherwise. A leading slash resolves against root,
// anything else against the script's directory. YAML and JSON files are
// normalized to compact JSON.
func (i *Interpreter) resolveParameters(root, path, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}

	var candidate string
	if strings.HasPrefix(value, "/") {
		candidate = filepath.Join(root, filepath.FromSlash(value))
	} else {
		candidate = filepath.Join(filepath.Dir(path), filepath.FromSlash(value))
	}

	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() {
		return value, nil
	}

	data, err := os.ReadFile(candidate) //nolint:gosec // sibling of a watched script
	if err != nil {
		return "", fmt.Errorf("reading parameters %s: %w", candidate, err)
	}

	switch strings.ToLower(filepath.Ext(candidate)) {
	case ".json", ".yaml", ".yml":
		js, err := sigsyaml.YAMLToJSON(data)
		if err != nil {
			return "", fmt.Errorf("parsing parameters %s: %w", candidate, err)
		}

		i.opts.Logger.Debug("parameters loaded from file",
			slog.String("script", path),
			slog.String("file", candidate),
		)

		return string(js), nil
	default:
		return strings.TrimSpace(normalizeLineEndings(string(data))), nil
	}
}

func splitMixins(s string) []string {
	var mixins []string

	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			mixins = append(mixins, m)
		}
	}

	return mixins
}

func normalizeLineEndings(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")

	return strings.ReplaceAll(s, "\r", "\n")
}
