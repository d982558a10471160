package watch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingListener stores every callback as "kind:path".
type recordingListener struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingListener) record(kind, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path == "" {
		r.calls = append(r.calls, kind)
	} else {
		r.calls = append(r.calls, kind+":"+path)
	}
}

func (r *recordingListener) ChangesStarted()            { r.record("started", "") }
func (r *recordingListener) DirectoryCreated(p string)  { r.record("dir-created", p) }
func (r *recordingListener) DirectoryModified(p string) { r.record("dir-modified", p) }
func (r *recordingListener) DirectoryDeleted(p string)  { r.record("dir-deleted", p) }
func (r *recordingListener) FileCreated(p string)       { r.record("file-created", p) }
func (r *recordingListener) FileModified(p string)      { r.record("file-modified", p) }
func (r *recordingListener) FileDeleted(p string)       { r.record("file-deleted", p) }
func (r *recordingListener) ChangesStopped()            { r.record("stopped", "") }

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func (r *recordingListener) count(call string) int {
	n := 0

	for _, c := range r.snapshot() {
		if c == call {
			n++
		}
	}

	return n
}

func (r *recordingListener) countPrefix(prefix string) int {
	n := 0

	for _, c := range r.snapshot() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}

	return n
}

// assertBracketed checks that every per-item call lies between a started
// and a stopped call and that cycles never nest.
func assertBracketed(t *testing.T, calls []string) {
	t.Helper()

	open := false

	for i, c := range calls {
		switch c {
		case "started":
			require.False(t, open, "nested start at %d: %v", i, calls)
			open = true
		case "stopped":
			require.True(t, open, "stop without start at %d: %v", i, calls)
			open = false
		default:
			require.True(t, open, "call %q outside a cycle: %v", c, calls)
		}
	}
}

// completedCycles returns the calls up to and including the last stop.
func completedCycles(calls []string) []string {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i] == "stopped" {
			return calls[:i+1]
		}
	}

	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func testOptions() Options {
	return Options{
		QuietWindow:     20 * time.Millisecond,
		PollDelay:       20 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Logger:          discardLogger(),
	}
}

func newTestKernelWatcher(t *testing.T, opts Options) *KernelWatcher {
	t.Helper()

	w, err := NewKernelWatcher(opts)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}

	t.Cleanup(w.Shutdown)

	return w
}

func newTestPoller(t *testing.T, opts Options) *Poller {
	t.Helper()

	p, err := NewPoller(opts)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	return p
}

// tempRoot returns a temp dir with symlinks resolved, since macOS reports
// /private paths for /var.
func tempRoot(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	return dir
}

// ---------------------------------------------------------------------------
// Debouncer
// ---------------------------------------------------------------------------

func TestDebouncer_SingleEvent(t *testing.T) {
	var callCount atomic.Int32
	var lastPaths atomic.Value

	d := NewDebouncer(50*time.Millisecond, func(paths []string) {
		callCount.Add(1)
		lastPaths.Store(paths)
	})
	defer d.Stop()

	d.Trigger("a.groovy")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), callCount.Load())
	assert.Equal(t, []string{"a.groovy"}, lastPaths.Load())
}

func TestDebouncer_MultipleEventsCoalesced(t *testing.T) {
	var callCount atomic.Int32
	var lastPaths atomic.Value

	d := NewDebouncer(100*time.Millisecond, func(paths []string) {
		callCount.Add(1)
		lastPaths.Store(paths)
	})
	defer d.Stop()

	// Ten rapid triggers coalesce into one callback.
	for i := 0; i < 10; i++ {
		d.Trigger(fmt.Sprintf("file-%d.groovy", i%5))
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), callCount.Load())
	assert.Equal(t, []string{
		"file-0.groovy", "file-1.groovy", "file-2.groovy", "file-3.groovy", "file-4.groovy",
	}, lastPaths.Load())
}

func TestDebouncer_Stop(t *testing.T) {
	var callCount atomic.Int32

	d := NewDebouncer(50*time.Millisecond, func([]string) {
		callCount.Add(1)
	})

	d.Trigger("a.groovy")
	d.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), callCount.Load())
}

func TestDebouncer_CallbackPanicRecovered(t *testing.T) {
	var callCount atomic.Int32

	d := NewDebouncer(10*time.Millisecond, func([]string) {
		callCount.Add(1)
		panic("boom")
	})
	defer d.Stop()

	d.Trigger("a")
	require.Eventually(t, func() bool { return callCount.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.Trigger("b")
	require.Eventually(t, func() bool { return callCount.Load() == 2 }, time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Filter / OS matching
// ---------------------------------------------------------------------------

func TestFilter(t *testing.T) {
	f := NewFilter([]string{"*.groovy", "*.yaml", "["}, []string{".git", "target*", "a/b"}, discardLogger())

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"groovy included", f.IncludesFile("/x/Foo.groovy"), true},
		{"yaml included", f.IncludesFile("/x/params.yaml"), true},
		{"swap file excluded", f.IncludesFile("/x/.Foo.groovy.swp"), false},
		{"git excluded", f.ExcludesDirectory("/x/.git"), true},
		{"target glob excluded", f.ExcludesDirectory("/x/target-classes"), true},
		{"plain directory kept", f.ExcludesDirectory("/x/scripts"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestFilter_EmptyIncludesEverything(t *testing.T) {
	f := NewFilter(nil, nil, discardLogger())

	assert.True(t, f.IncludesFile("/x/anything.txt"))
	assert.False(t, f.ExcludesDirectory("/x/dir"))
}

func TestMatchesOS(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		goos     string
		want     bool
	}{
		{"exact", []string{"linux"}, "linux", true},
		{"case insensitive glob", []string{"LIN*"}, "linux", true},
		{"alias", []string{"Mac OS X"}, "darwin", true},
		{"alias glob", []string{"mac*"}, "darwin", true},
		{"windows glob", []string{"Windows*"}, "windows", true},
		{"no match", []string{"windows*"}, "linux", false},
		{"empty list", nil, "linux", false},
		{"invalid pattern skipped", []string{"[", "linux"}, "linux", true},
		{"only invalid", []string{"["}, "linux", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesOS(tt.patterns, tt.goos, discardLogger()))
		})
	}
}

// ---------------------------------------------------------------------------
// Token table
// ---------------------------------------------------------------------------

func TestTokenTable_BindIsStable(t *testing.T) {
	dir := tempRoot(t)
	info, err := os.Stat(dir)
	require.NoError(t, err)

	tt := newTokenTable()
	tok1, _ := tt.bind(dir, info)
	tok2, rebound := tt.bind(dir, info)

	assert.Equal(t, tok1, tok2)
	assert.False(t, rebound)
	assert.True(t, tt.known(dir))
}

func TestTokenTable_MovedDirectoryIsRebound(t *testing.T) {
	root := tempRoot(t)
	oldDir := filepath.Join(root, "a")
	newDir := filepath.Join(root, "b")
	require.NoError(t, os.MkdirAll(filepath.Join(oldDir, "sub"), 0o750))

	tt := newTokenTable()

	oldInfo, err := os.Stat(oldDir)
	require.NoError(t, err)
	subInfo, err := os.Stat(filepath.Join(oldDir, "sub"))
	require.NoError(t, err)

	tok, _ := tt.bind(oldDir, oldInfo)
	subTok, _ := tt.bind(filepath.Join(oldDir, "sub"), subInfo)

	require.NoError(t, os.Rename(oldDir, newDir))
	assert.Equal(t, 2, tt.detach(oldDir, true))

	newInfo, err := os.Stat(newDir)
	require.NoError(t, err)
	newSubInfo, err := os.Stat(filepath.Join(newDir, "sub"))
	require.NoError(t, err)

	got, rebound := tt.bind(newDir, newInfo)
	assert.True(t, rebound)
	assert.Equal(t, tok, got)

	gotSub, rebound := tt.bind(filepath.Join(newDir, "sub"), newSubInfo)
	assert.True(t, rebound)
	assert.Equal(t, subTok, gotSub)

	p, ok := tt.path(subTok)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(newDir, "sub"), p)

	// The old path stays an alias of the live token until the cycle ends.
	alias, ok := tt.lookup(filepath.Join(oldDir, "sub"))
	require.True(t, ok)
	assert.Equal(t, subTok, alias)

	assert.Empty(t, tt.purge())

	assert.False(t, tt.known(oldDir))
	assert.False(t, tt.known(filepath.Join(oldDir, "sub")))
	assert.True(t, tt.known(newDir))
	assert.Equal(t, 2, tt.size())
}

func TestTokenTable_DeleteAtOldPathAfterMoveIsAFile(t *testing.T) {
	root := tempRoot(t)
	oldDir := filepath.Join(root, "a")
	newDir := filepath.Join(root, "b")
	require.NoError(t, os.Mkdir(oldDir, 0o750))

	tt := newTokenTable()

	info, err := os.Stat(oldDir)
	require.NoError(t, err)
	tt.bind(oldDir, info)

	require.NoError(t, os.Rename(oldDir, newDir))
	tt.detach(oldDir, true)

	newInfo, err := os.Stat(newDir)
	require.NoError(t, err)
	tt.bind(newDir, newInfo)
	tt.purge()

	// A file now created and deleted at the old path must not be taken
	// for the directory that used to live there.
	assert.False(t, tt.known(oldDir))
}

func TestTokenTable_DeletedDirectoryIsReleased(t *testing.T) {
	root := tempRoot(t)
	dir := filepath.Join(root, "gone")
	require.NoError(t, os.Mkdir(dir, 0o750))

	info, err := os.Stat(dir)
	require.NoError(t, err)

	tt := newTokenTable()
	tt.bind(root, info)
	tt.bind(dir, info)

	tt.detach(dir, false)
	assert.True(t, tt.known(dir), "deleted directory stays known until purge")

	assert.Equal(t, []string{dir}, tt.purge())
	assert.False(t, tt.known(dir))
	assert.Equal(t, 1, tt.size())
}

// ---------------------------------------------------------------------------
// Snapshot diff
// ---------------------------------------------------------------------------

func TestDiff(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(2000, 0)

	prev := snapshot{
		"/r":          {isDir: true, modTime: t0},
		"/r/a":        {isDir: true, modTime: t0},
		"/r/a/x.txt":  {modTime: t0, size: 1},
		"/r/keep.txt": {modTime: t0, size: 1},
		"/r/mod.txt":  {modTime: t0, size: 1},
	}
	curr := snapshot{
		"/r":          {isDir: true, modTime: t1},
		"/r/keep.txt": {modTime: t0, size: 1},
		"/r/mod.txt":  {modTime: t1, size: 2},
		"/r/new.txt":  {modTime: t1, size: 3},
	}

	assert.Equal(t, []ChangeEvent{
		{Kind: Deleted, Path: "/r/a/x.txt"},
		{Kind: Deleted, Path: "/r/a", IsDir: true},
		{Kind: Modified, Path: "/r", IsDir: true},
		{Kind: Modified, Path: "/r/mod.txt"},
		{Kind: Created, Path: "/r/new.txt"},
	}, diff(prev, curr))
}

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

func TestPoller_NoSyntheticCreates(t *testing.T) {
	root := tempRoot(t)
	for i := 0; i < 3; i++ {
		writeFile(t, filepath.Join(root, "bundle", fmt.Sprintf("f%d.groovy", i)), "x")
	}

	p := newTestPoller(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, p.RegisterDirectory(root, l))

	require.Eventually(t, func() bool { return l.count("stopped") >= 3 }, 2*time.Second, 10*time.Millisecond)

	calls := completedCycles(l.snapshot())
	assertBracketed(t, calls)
	assert.Zero(t, l.countPrefix("file-created"))
	assert.Zero(t, l.countPrefix("dir-created"))
	assert.Equal(t, []string{root}, p.ObservedRootDirectories())
}

func TestPoller_ReportsChanges(t *testing.T) {
	root := tempRoot(t)
	existing := filepath.Join(root, "a", "Existing.groovy")
	writeFile(t, existing, "x")

	opts := testOptions()
	opts.IncludeFiles = []string{"*.groovy"}
	opts.ExcludeDirectories = []string{"ignored"}

	p := newTestPoller(t, opts)
	l := &recordingListener{}
	require.NoError(t, p.RegisterDirectory(root, l))

	created := filepath.Join(root, "a", "New.groovy")
	writeFile(t, created, "new")
	writeFile(t, filepath.Join(root, "a", "notes.txt"), "not included")
	writeFile(t, filepath.Join(root, "ignored", "Hidden.groovy"), "excluded dir")

	require.Eventually(t, func() bool { return l.count("file-created:"+created) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(existing, []byte("changed content"), 0o600))
	require.Eventually(t, func() bool { return l.count("file-modified:"+existing) >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(created))
	require.Eventually(t, func() bool { return l.count("file-deleted:"+created) == 1 }, 2*time.Second, 10*time.Millisecond)

	calls := l.snapshot()
	assertBracketed(t, completedCycles(calls))
	assert.Zero(t, l.countPrefix("file-created:"+filepath.Join(root, "a", "notes.txt")))
	assert.Zero(t, l.countPrefix("file-created:"+filepath.Join(root, "ignored")))
	assert.Zero(t, l.countPrefix("dir-created:"+filepath.Join(root, "ignored")))
}

func TestPoller_FailedScanIsAnEmptyRound(t *testing.T) {
	opts := testOptions().withDefaults()

	// A NUL byte makes the walk fail with something other than not-exist.
	root := "/tmp/bad\x00root"
	prev := snapshot{root + "/x.groovy": {modTime: time.Unix(1000, 0), size: 1}}

	l := &recordingListener{}
	p := &Poller{
		filter: NewFilter(nil, nil, opts.Logger),
		opts:   opts,
		roots:  map[string]*polledRoot{root: {listener: l, snapshot: prev}},
	}

	_, err := p.scan(root)
	require.Error(t, err)

	p.pollRoot(root)

	assert.Equal(t, []string{"started", "stopped"}, l.snapshot())
	assert.Equal(t, prev, p.roots[root].snapshot)
}

func TestPoller_RegisterMissingDirectory(t *testing.T) {
	p := newTestPoller(t, testOptions())

	err := p.RegisterDirectory(filepath.Join(tempRoot(t), "missing"), &recordingListener{})
	require.Error(t, err)
	assert.Empty(t, p.ObservedRootDirectories())
}

func TestPoller_RegisterFile(t *testing.T) {
	file := filepath.Join(tempRoot(t), "f.groovy")
	writeFile(t, file, "x")

	p := newTestPoller(t, testOptions())

	err := p.RegisterDirectory(file, &recordingListener{})
	require.ErrorIs(t, err, ErrNotDirectory)
}

func TestPoller_ShutdownIdempotent(t *testing.T) {
	p, err := NewPoller(testOptions())
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()

	err = p.RegisterDirectory(tempRoot(t), &recordingListener{})
	require.ErrorIs(t, err, ErrObserverClosed)
}

func TestPoller_InvalidDelay(t *testing.T) {
	opts := testOptions()
	opts.PollDelay = -time.Second

	_, err := NewPoller(opts)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// KernelWatcher
// ---------------------------------------------------------------------------

func TestKernelWatcher_FileCreated(t *testing.T) {
	root := tempRoot(t)
	writeFile(t, filepath.Join(root, "a", "Existing.groovy"), "x")

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	path := filepath.Join(root, "a", "Foo.groovy")
	writeFile(t, path, "content")

	require.Eventually(t, func() bool { return l.count("file-created:"+path) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		calls := l.snapshot()
		return len(calls) > 0 && calls[len(calls)-1] == "stopped"
	}, 2*time.Second, 10*time.Millisecond)

	assertBracketed(t, l.snapshot())
	assert.Zero(t, l.count("file-created:"+filepath.Join(root, "a", "Existing.groovy")))
}

func TestKernelWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := tempRoot(t)

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	dir := filepath.Join(root, "bundle")
	require.NoError(t, os.Mkdir(dir, 0o750))
	require.Eventually(t, func() bool { return l.count("dir-created:"+dir) == 1 }, 2*time.Second, 10*time.Millisecond)

	path := filepath.Join(dir, "Bar.groovy")
	writeFile(t, path, "content")
	require.Eventually(t, func() bool { return l.count("file-created:"+path) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestKernelWatcher_DeletedDirectoryClassified(t *testing.T) {
	root := tempRoot(t)
	dir := filepath.Join(root, "bundle")
	writeFile(t, filepath.Join(dir, "x.groovy"), "x")

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	require.NoError(t, os.RemoveAll(dir))

	require.Eventually(t, func() bool { return l.count("dir-deleted:"+dir) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, l.count("file-deleted:"+dir))
}

func TestKernelWatcher_ExcludedDirectoryIgnored(t *testing.T) {
	root := tempRoot(t)
	writeFile(t, filepath.Join(root, "target", "placeholder"), "x")

	opts := testOptions()
	opts.ExcludeDirectories = []string{"target"}

	w := newTestKernelWatcher(t, opts)
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	writeFile(t, filepath.Join(root, "target", "Ignored.groovy"), "x")
	marker := filepath.Join(root, "Marker.groovy")
	writeFile(t, marker, "x")

	require.Eventually(t, func() bool { return l.count("file-created:"+marker) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, l.countPrefix("file-created:"+filepath.Join(root, "target")))
}

func TestKernelWatcher_MovedSubdirectoryDeliversOnce(t *testing.T) {
	root := tempRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "sub"), 0o750))
	writeFile(t, filepath.Join(root, "a", "sub", "deep", "Existing.groovy"), "original")

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	moved := filepath.Join(root, "b")
	require.NoError(t, os.Rename(filepath.Join(root, "a"), moved))
	require.Eventually(t, func() bool { return l.count("dir-created:"+moved) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Let the rename settle before editing inside the moved tree.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(moved, "sub", "Edit.groovy")
	writeFile(t, path, "content")

	require.Eventually(t, func() bool { return l.count("file-created:"+path) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, l.count("file-created:"+path))
	assert.Zero(t, l.countPrefix("file-created:"+filepath.Join(root, "a")))

	// The old location is reported gone once, not by both the parent's
	// watch and the moved directory's own.
	assert.Equal(t, 1, l.count("dir-deleted:"+filepath.Join(root, "a")))

	existing := filepath.Join(moved, "sub", "deep", "Existing.groovy")
	writeFile(t, existing, "rewritten")

	require.Eventually(t, func() bool { return l.count("file-modified:"+existing) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, l.count("file-modified:"+existing))
	assert.Zero(t, l.countPrefix("file-modified:"+filepath.Join(root, "a")))
	assertBracketed(t, l.snapshot())
}

func TestCycle_DropsRepeatedEvents(t *testing.T) {
	l := &recordingListener{}

	c := newCycle(discardLogger())
	lst := c.listener("/r", l)
	c.deliver(lst, ChangeEvent{Kind: Modified, Path: "/r/x.groovy"})
	c.deliver(lst, ChangeEvent{Kind: Modified, Path: "/r/x.groovy"})
	c.deliver(lst, ChangeEvent{Kind: Deleted, Path: "/r/a", IsDir: true})
	c.deliver(lst, ChangeEvent{Kind: Deleted, Path: "/r/a", IsDir: true})
	c.deliver(lst, ChangeEvent{Kind: Created, Path: "/r/a", IsDir: true})
	c.deliver(lst, ChangeEvent{Kind: Deleted, Path: "/r/a", IsDir: true})
	c.stop()

	assert.Equal(t, []string{
		"started",
		"file-modified:/r/x.groovy",
		"dir-deleted:/r/a",
		"dir-created:/r/a",
		"dir-deleted:/r/a",
		"stopped",
	}, l.snapshot())
}

func TestKernelWatcher_Overflow(t *testing.T) {
	root := tempRoot(t)

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	c := newCycle(discardLogger())
	w.recoverOverflow(c)
	c.stop()

	assert.Equal(t, []string{"started", "dir-created:" + root, "stopped"}, l.snapshot())
}

func TestKernelWatcher_OverflowAfterRootRemoved(t *testing.T) {
	parent := tempRoot(t)
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0o750))

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	roots := w.ObservedRootDirectories()
	require.Len(t, roots, 1)
	root = roots[0]

	require.NoError(t, os.RemoveAll(root))

	// Let the removal itself be processed before recording the recovery.
	require.Eventually(t, func() bool { return l.count("dir-deleted:"+root) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	overflowed := &recordingListener{}
	w.mu.Lock()
	w.roots[root] = overflowed
	w.mu.Unlock()

	w.process(pendingChanges{overflow: true})

	assert.Equal(t, []string{"started", "dir-deleted:" + root, "stopped"}, overflowed.snapshot())
}

func TestKernelWatcher_OverflowErrorTriggersRecovery(t *testing.T) {
	root := tempRoot(t)

	w := newTestKernelWatcher(t, testOptions())
	l := &recordingListener{}
	require.NoError(t, w.RegisterDirectory(root, l))

	roots := w.ObservedRootDirectories()
	require.Len(t, roots, 1)

	var p pendingChanges
	w.receiveError(&p, fsnotify.ErrEventOverflow)
	require.True(t, p.overflow)

	w.process(p)

	calls := l.snapshot()
	assertBracketed(t, calls)
	assert.Equal(t, []string{"started", "dir-created:" + roots[0], "stopped"}, calls)
}

func TestKernelWatcher_ShutdownIdempotent(t *testing.T) {
	w, err := NewKernelWatcher(testOptions())
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}

	w.Shutdown()
	w.Shutdown()

	select {
	case <-w.done:
	default:
		t.Fatal("watch loop still running after shutdown")
	}

	require.ErrorIs(t, w.RegisterDirectory(tempRoot(t), &recordingListener{}), ErrObserverClosed)
}

// ---------------------------------------------------------------------------
// Aggregator
// ---------------------------------------------------------------------------

type batchRecorder struct {
	mu      sync.Mutex
	batches []ChangeBatch
}

func (b *batchRecorder) OnPathsChanged(batch ChangeBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batches = append(b.batches, batch)
}

func (b *batchRecorder) snapshot() []ChangeBatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]ChangeBatch(nil), b.batches...)
}

func TestAggregator_CoalescesCyclesIntoOneBatch(t *testing.T) {
	rec := &batchRecorder{}
	a := NewAggregator("/root", 80*time.Millisecond, rec, discardLogger())
	defer a.Stop()

	for i := 0; i < 5; i++ {
		a.ChangesStarted()
		a.FileModified(fmt.Sprintf("/root/b/f%d.groovy", i))
		a.FileModified("/root/b/f0.groovy")
		a.DirectoryModified("/root/b")
		a.ChangesStopped()
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "/root", batches[0].Root)
	assert.Equal(t, []string{
		"/root/b/f0.groovy", "/root/b/f1.groovy", "/root/b/f2.groovy", "/root/b/f3.groovy", "/root/b/f4.groovy",
	}, batches[0].Paths)
}

func TestAggregator_EmptyCycleDeliversNothing(t *testing.T) {
	rec := &batchRecorder{}
	a := NewAggregator("/root", 10*time.Millisecond, rec, discardLogger())
	defer a.Stop()

	a.ChangesStarted()
	a.DirectoryModified("/root")
	a.ChangesStopped()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestAggregator_DeliveriesDoNotOverlap(t *testing.T) {
	var active, maxActive atomic.Int32

	handler := BatchHandlerFunc(func(ChangeBatch) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}

		time.Sleep(60 * time.Millisecond)
		active.Add(-1)
	})

	a := NewAggregator("/root", 5*time.Millisecond, handler, discardLogger())
	defer a.Stop()

	for i := 0; i < 3; i++ {
		a.ChangesStarted()
		a.FileCreated(fmt.Sprintf("/root/f%d", i))
		a.ChangesStopped()
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestAggregator_WithPoller(t *testing.T) {
	root := tempRoot(t)
	rec := &batchRecorder{}

	opts := testOptions()
	p := newTestPoller(t, opts)
	a := NewAggregator(root, 100*time.Millisecond, rec, discardLogger())
	t.Cleanup(a.Stop)

	require.NoError(t, p.RegisterDirectory(root, a))

	var want []string
	for i := 0; i < 4; i++ {
		path := filepath.Join(root, "bundle", fmt.Sprintf("F%d.groovy", i))
		writeFile(t, path, "x")
		want = append(want, path)
	}

	want = append([]string{filepath.Join(root, "bundle")}, want...)

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, want, batches[0].Paths)
}

// ---------------------------------------------------------------------------
// Strategy selection
// ---------------------------------------------------------------------------

func TestNewObserver_PollsWhenOSNotListed(t *testing.T) {
	obs, err := newObserver(testOptions(), "linux")
	require.NoError(t, err)
	t.Cleanup(obs.Shutdown)

	assert.IsType(t, &Poller{}, obs)
}

func TestNewObserver_KernelWhenOSListed(t *testing.T) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	_ = fsw.Close()

	opts := testOptions()
	opts.KernelOSNames = []string{"[", "LINUX"}

	obs, err := newObserver(opts, "linux")
	require.NoError(t, err)
	t.Cleanup(obs.Shutdown)

	assert.IsType(t, &KernelWatcher{}, obs)
}

func TestNewObserver_DisabledWhenNothingAvailable(t *testing.T) {
	opts := testOptions()
	opts.PollDelay = -time.Second

	obs, err := newObserver(opts, "linux")
	require.ErrorIs(t, err, ErrWatchingDisabled)
	assert.Nil(t, obs)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, 100*time.Millisecond, opts.QuietWindow)
	assert.Equal(t, 500*time.Millisecond, opts.PollDelay)
	assert.Equal(t, 5*time.Second, opts.ShutdownTimeout)
	assert.NotNil(t, opts.Logger)
}
