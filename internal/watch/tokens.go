package watch

import (
	"os"
	"sort"
	"sync"
)

// Token identifies a registered directory independently of its path.
type Token uint64

// tokenTable is the source of truth for the path behind each token. Events
// queued before a moved directory was re-registered still carry its old
// path, so old paths stay mapped to their token as aliases until the end
// of the cycle that rebound it.
type tokenTable struct {
	mu    sync.RWMutex
	next  Token
	paths map[Token]string
	infos map[Token]os.FileInfo

	// byPath also holds aliases: old paths of rebound tokens.
	byPath map[string]Token

	// detached tokens lost their directory; the value records whether it
	// was moved (and may be rebound) rather than deleted.
	detached map[Token]bool
}

func newTokenTable() *tokenTable {
	return &tokenTable{
		paths:    make(map[Token]string),
		infos:    make(map[Token]os.FileInfo),
		byPath:   make(map[string]Token),
		detached: make(map[Token]bool),
	}
}

// bind returns the token for dir. A moved-away token whose directory is
// the same file as info is rebound to dir instead of allocating a new one;
// the second result reports such a rebind.
func (t *tokenTable) bind(dir string, info os.FileInfo) (Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tok, ok := t.byPath[dir]; ok && t.paths[tok] == dir {
		if _, gone := t.detached[tok]; !gone || sameFile(t.infos[tok], info) {
			delete(t.detached, tok)
			t.infos[tok] = info

			return tok, false
		}
	}

	for tok, moved := range t.detached {
		if moved && sameFile(t.infos[tok], info) {
			delete(t.detached, tok)
			t.paths[tok] = dir
			t.infos[tok] = info
			t.byPath[dir] = tok

			return tok, true
		}
	}

	t.next++
	tok := t.next
	t.paths[tok] = dir
	t.infos[tok] = info
	t.byPath[dir] = tok

	return tok, false
}

// detach marks the token of dir and of every directory below it as gone.
func (t *tokenTable) detach(dir string, moved bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for tok, p := range t.paths {
		if !isWithin(dir, p) {
			continue
		}

		if _, ok := t.detached[tok]; !ok {
			n++
		}

		t.detached[tok] = moved
	}

	return n
}

// purge releases detached tokens and the aliases of rebound ones, and
// returns the paths of released tokens. Aliases are not returned: the
// backend shares one watch between the old and the new path.
func (t *tokenTable) purge() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []string

	for tok := range t.detached {
		p := t.paths[tok]

		delete(t.paths, tok)
		delete(t.infos, tok)
		delete(t.detached, tok)

		if cur, ok := t.byPath[p]; ok && cur == tok {
			delete(t.byPath, p)
			released = append(released, p)
		}
	}

	for p, tok := range t.byPath {
		if cur, ok := t.paths[tok]; !ok || cur != p {
			delete(t.byPath, p)
		}
	}

	sort.Strings(released)

	return released
}

func (t *tokenTable) lookup(path string) (Token, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tok, ok := t.byPath[path]

	return tok, ok
}

func (t *tokenTable) path(tok Token) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.paths[tok]

	return p, ok
}

// known reports whether path is, or was until this cycle, a registered
// directory. Deleted paths cannot be inspected, so this is how they are
// classified.
func (t *tokenTable) known(path string) bool {
	_, ok := t.lookup(path)

	return ok
}

func (t *tokenTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.paths)
}

func sameFile(a, b os.FileInfo) bool {
	return a != nil && b != nil && os.SameFile(a, b)
}
