package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	annotationRe = regexp.MustCompile(`@(?:[A-Za-z_][\w.]*\.)?(Updater|Bootstrap|Exclude)\b`)
	importRe     = regexp.MustCompile(`(?m)^[ \t]*import\s+[\w.]*\.annotations\.(?:Updater|Bootstrap|Exclude)(?:\.\w+)?\s*;?[ \t]*\n`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
	numberRe     = regexp.MustCompile(`^-?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?[lLdDfFgG]?`)
)

type valueKind int

const (
	stringValue valueKind = iota + 1
	numberValue
	boolValue
	refValue
)

func (k valueKind) String() string {
	switch k {
	case stringValue:
		return "string"
	case numberValue:
		return "number"
	case boolValue:
		return "boolean"
	case refValue:
		return "constant"
	default:
		return "unknown"
	}
}

type value struct {
	kind valueKind
	text string
}

// annotation is one @Updater, @Bootstrap or @Exclude occurrence.
type annotation struct {
	name       string
	attrs      map[string]value
	start, end int
}

// scanAnnotations finds the updater annotations in src.
func scanAnnotations(src string) ([]annotation, error) {
	var found []annotation

	for _, loc := range annotationRe.FindAllStringSubmatchIndex(src, -1) {
		a := annotation{
			name:  src[loc[2]:loc[3]],
			start: loc[0],
			end:   loc[1],
			attrs: map[string]value{},
		}

		s := &scanner{src: src, pos: loc[1]}
		s.skipSpace()

		if s.peek() == '(' {
			attrs, err := s.arguments()
			if err != nil {
				return nil, fmt.Errorf("@%s: %w", a.name, err)
			}

			a.attrs = attrs
			a.end = s.pos
		}

		found = append(found, a)
	}

	return found, nil
}

// strip removes the annotations and their imports from src.
func strip(src string, annotations []annotation) string {
	var b strings.Builder

	last := 0

	for _, a := range annotations {
		b.WriteString(src[last:a.start])
		b.WriteString("\n")

		last = a.end
	}

	b.WriteString(src[last:])

	out := importRe.ReplaceAllString(b.String(), "")

	return blankRunRe.ReplaceAllString(out, "\n\n")
}

// ---------------------------------------------------------------------------
// Scanner
// ---------------------------------------------------------------------------

type scanner struct {
	src string
	pos int
}

func (s *scanner) peek() byte {
	if s.pos >= len(s.src) {
		return 0
	}

	return s.src[s.pos]
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.src) {
		switch {
		case strings.ContainsRune(" \t\r\n", rune(s.src[s.pos])):
			s.pos++
		case strings.HasPrefix(s.src[s.pos:], "//"):
			if i := strings.IndexByte(s.src[s.pos:], '\n'); i >= 0 {
				s.pos += i + 1
			} else {
				s.pos = len(s.src)
			}
		case strings.HasPrefix(s.src[s.pos:], "/*"):
			if i := strings.Index(s.src[s.pos+2:], "*/"); i >= 0 {
				s.pos += i + 4
			} else {
				s.pos = len(s.src)
			}
		default:
			return
		}
	}
}

func (s *scanner) errorf(format string, args ...any) error {
	line := strings.Count(s.src[:min(s.pos, len(s.src))], "\n") + 1

	return fmt.Errorf("line %d: %s", line, fmt.Sprintf(format, args...))
}

// arguments parses "(name = value, ...)".
func (s *scanner) arguments() (map[string]value, error) {
	attrs := map[string]value{}

	s.pos++ // (
	s.skipSpace()

	if s.peek() == ')' {
		s.pos++
		return attrs, nil
	}

	for {
		s.skipSpace()

		name := s.identifier()
		if name == "" {
			return nil, s.errorf("expected attribute name")
		}

		s.skipSpace()

		if s.peek() != '=' {
			return nil, s.errorf("expected '=' after %s", name)
		}

		s.pos++

		v, err := s.value()
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}

		if _, dup := attrs[name]; dup {
			return nil, s.errorf("duplicate attribute %s", name)
		}

		attrs[name] = v

		s.skipSpace()

		switch s.peek() {
		case ',':
			s.pos++
		case ')':
			s.pos++
			return attrs, nil
		case 0:
			return nil, s.errorf("unterminated annotation")
		default:
			return nil, s.errorf("unexpected %q", s.peek())
		}
	}
}

func (s *scanner) identifier() string {
	start := s.pos

	for s.pos < len(s.src) && isIdentByte(s.src[s.pos], s.pos == start) {
		s.pos++
	}

	return s.src[start:s.pos]
}

// qualified reads a dotted identifier such as Bootstrap.ContentRoot.QUEUE.
func (s *scanner) qualified() string {
	start := s.pos

	for s.pos < len(s.src) && (isIdentByte(s.src[s.pos], false) || s.src[s.pos] == '.') {
		s.pos++
	}

	return s.src[start:s.pos]
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	default:
		return false
	}
}

func (s *scanner) value() (value, error) {
	s.skipSpace()

	c := s.peek()

	switch {
	case c == '"' || c == '\'':
		return s.concatenation()
	case c == '-' || c == '.' || (c >= '0' && c <= '9'):
		m := numberRe.FindString(s.src[s.pos:])
		if m == "" {
			return value{}, s.errorf("invalid number")
		}

		s.pos += len(m)

		return value{kind: numberValue, text: m}, nil
	case isIdentByte(c, true):
		ref := s.qualified()

		switch ref {
		case "true", "false":
			return value{kind: boolValue, text: ref}, nil
		default:
			return value{kind: refValue, text: ref}, nil
		}
	case c == 0:
		return value{}, s.errorf("unterminated annotation")
	default:
		return value{}, s.errorf("unexpected %q", c)
	}
}

// concatenation reads one or more string literals joined with '+'.
func (s *scanner) concatenation() (value, error) {
	var b strings.Builder

	for {
		lit, err := s.stringLiteral()
		if err != nil {
			return value{}, err
		}

		b.WriteString(lit)

		save := s.pos
		s.skipSpace()

		if s.peek() != '+' {
			s.pos = save
			return value{kind: stringValue, text: b.String()}, nil
		}

		s.pos++
		s.skipSpace()

		if c := s.peek(); c != '"' && c != '\'' {
			return value{}, s.errorf("only string literals can be concatenated")
		}
	}
}

func (s *scanner) stringLiteral() (string, error) {
	rest := s.src[s.pos:]

	for _, triple := range []string{`"""`, `'''`} {
		if strings.HasPrefix(rest, triple) {
			end := strings.Index(rest[3:], triple)
			if end < 0 {
				return "", s.errorf("unterminated string")
			}

			s.pos += end + 6

			return unescape(rest[3 : 3+end]), nil
		}
	}

	quote := rest[0]

	var b strings.Builder

	for i := 1; i < len(rest); i++ {
		switch c := rest[i]; c {
		case '\\':
			if i+1 >= len(rest) {
				return "", s.errorf("unterminated string")
			}

			b.WriteByte(c)
			b.WriteByte(rest[i+1])
			i++
		case '\n':
			return "", s.errorf("unterminated string")
		case quote:
			s.pos += i + 1
			return unescape(b.String()), nil
		default:
			b.WriteByte(c)
		}
	}

	return "", s.errorf("unterminated string")
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}

		i++

		switch c := s[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'u':
			if i+4 < len(s) {
				if r, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
					b.WriteRune(rune(r))
					i += 4

					continue
				}
			}

			b.WriteString(`\u`)
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// ---------------------------------------------------------------------------
// Typed attribute access
// ---------------------------------------------------------------------------

func (a annotation) has(name string) bool {
	_, ok := a.attrs[name]
	return ok
}

func (a annotation) stringAttr(name, def string) (string, error) {
	v, ok := a.attrs[name]
	if !ok {
		return def, nil
	}

	if v.kind != stringValue {
		return "", fmt.Errorf("attribute %s: expected string, got %s", name, v.kind)
	}

	return v.text, nil
}

func (a annotation) intAttr(name string, def int64) (int64, error) {
	v, ok := a.attrs[name]
	if !ok {
		return def, nil
	}

	if v.kind != numberValue {
		return 0, fmt.Errorf("attribute %s: expected integer, got %s", name, v.kind)
	}

	n, err := strconv.ParseInt(strings.TrimRight(v.text, "lLgG"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: expected integer, got %s", name, v.text)
	}

	return n, nil
}

func (a annotation) floatAttr(name string, def float64) (float64, error) {
	v, ok := a.attrs[name]
	if !ok {
		return def, nil
	}

	if v.kind != numberValue {
		return 0, fmt.Errorf("attribute %s: expected number, got %s", name, v.kind)
	}

	f, err := strconv.ParseFloat(strings.TrimRight(v.text, "lLdDfFgG"), 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: expected number, got %s", name, v.text)
	}

	return f, nil
}

func (a annotation) boolAttr(name string, def bool) (bool, error) {
	v, ok := a.attrs[name]
	if !ok {
		return def, nil
	}

	if v.kind != boolValue {
		return false, fmt.Errorf("attribute %s: expected boolean, got %s", name, v.kind)
	}

	return v.text == "true", nil
}

// enumAttr returns the constant name of an enum reference such as
// Updater.LogTarget.REPOSITORY.
func (a annotation) enumAttr(name string) (string, bool, error) {
	v, ok := a.attrs[name]
	if !ok {
		return "", false, nil
	}

	if v.kind != refValue {
		return "", false, fmt.Errorf("attribute %s: expected enum constant, got %s", name, v.kind)
	}

	return v.text[strings.LastIndexByte(v.text, '.')+1:], true, nil
}

func (a annotation) unknown(allowed ...string) error {
	for name := range a.attrs {
		known := false

		for _, k := range allowed {
			if name == k {
				known = true
				break
			}
		}

		if !known {
			return fmt.Errorf("@%s has no attribute %s", a.name, name)
		}
	}

	return nil
}
