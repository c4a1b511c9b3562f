package memfs

import (
	"sync"
	"time"

	"isobox/internal/isoerr"
)

// MountPoints are always present at the root and are re-created after Clear.
var MountPoints = []string{"/sandbox", "/tmp", "/cache"}

// Stat is the result of MemFS.Stat.
type Stat struct {
	IsDirectory bool
	Size        int64
	Created     time.Time
	Modified    time.Time
	Accessed    time.Time
	Permissions Permissions
}

// QuotaUsage reports current byte usage against the configured cap.
type QuotaUsage struct {
	Used       int64
	Limit      int64
	Percentage float64
}

// MemFS is an in-memory virtual filesystem with a byte quota, path
// normalisation, and prefix-subscription watchers (see Watcher).
//
// Invariants: every interior node on an existing path is a directory; the
// sum of all file content sizes never exceeds MaxSize; the mount points in
// MountPoints always exist (re-created after Clear).
type MemFS struct {
	mu      sync.Mutex
	root    *Node
	used    int64
	MaxSize int64
	watcher *Watcher
	now     func() time.Time
}

// Option configures a MemFS at construction.
type Option func(*MemFS)

// WithClock overrides the time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemFS) { m.now = now }
}

// New constructs a MemFS with the given quota in bytes (<=0 means
// unlimited) and pre-creates the standard mount points.
func New(maxSize int64, opts ...Option) *MemFS {
	m := &MemFS{
		MaxSize: maxSize,
		watcher: NewWatcher(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.resetTree()
	return m
}

func (m *MemFS) resetTree() {
	m.root = newDirNode(m.now())
	m.used = 0
	for _, mp := range MountPoints {
		parent, name := splitParent(mp)
		dir, _ := m.mkdirLocked(parent, true)
		if dir != nil {
			dir.addChild(name, newDirNode(m.now()))
		}
	}
}

// Watcher exposes the subscription surface (see FSWatcher in spec.md §4.8).
func (m *MemFS) Watcher() *Watcher { return m.watcher }

// Write creates or overwrites a file at path with content, auto-creating
// missing parent directories. An overwrite that would breach MaxSize fails
// with isoerr.QuotaExceeded and leaves the existing file untouched (the
// write is atomic with respect to the tree).
func (m *MemFS) Write(path string, content []byte) error {
	m.mu.Lock()
	norm := normalize(path)
	parentPath, name := splitParent(norm)
	if name == "" {
		m.mu.Unlock()
		return isoerr.New(isoerr.IsDirectory, "cannot write to root")
	}

	parent, err := m.navigateDir(parentPath, true)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	var oldSize int64
	existing, had := parent.getChild(name)
	if had {
		if existing.Kind == KindDir {
			m.mu.Unlock()
			return isoerr.New(isoerr.IsDirectory, "path is a directory: "+norm)
		}
		oldSize = existing.size()
	}

	newSize := int64(len(content))
	delta := newSize - oldSize
	if m.MaxSize > 0 && m.used+delta > m.MaxSize {
		m.mu.Unlock()
		return isoerr.New(isoerr.QuotaExceeded, "write would exceed filesystem quota")
	}

	kind := EventModify
	if !had {
		kind = EventCreate
		existing = newFileNode(m.now())
		parent.addChild(name, existing)
	}
	existing.Content = append([]byte(nil), content...)
	sz := newSize
	existing.Meta.updateModified(m.now(), &sz)
	m.used += delta
	m.mu.Unlock()

	m.watcher.Notify(norm, kind)
	return nil
}

// WriteString is a convenience wrapper around Write that encodes s as UTF-8.
func (m *MemFS) WriteString(path string, s string) error {
	return m.Write(path, []byte(s))
}

// Read returns the byte-exact content of the file at path.
func (m *MemFS) Read(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	norm := normalize(path)
	node, err := m.navigateNode(norm)
	if err != nil {
		return nil, err
	}
	if node.Kind == KindDir {
		return nil, isoerr.New(isoerr.IsDirectory, "path is a directory: "+norm)
	}
	node.Meta.touch(m.now())
	out := make([]byte, len(node.Content))
	copy(out, node.Content)
	return out, nil
}

// Mkdir creates a directory at path. It is idempotent on an existing
// directory. recursive=true creates missing intermediate directories;
// otherwise a missing intermediate directory fails with
// isoerr.FileNotFound.
func (m *MemFS) Mkdir(path string, recursive bool) error {
	m.mu.Lock()
	norm := normalize(path)
	_, created, err := m.mkdirLockedReport(norm, recursive)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if created {
		m.watcher.Notify(norm, EventCreate)
	}
	return nil
}

func (m *MemFS) mkdirLocked(path string, recursive bool) (*Node, error) {
	n, _, err := m.mkdirLockedReport(path, recursive)
	return n, err
}

func (m *MemFS) mkdirLockedReport(path string, recursive bool) (*Node, bool, error) {
	if path == "/" {
		return m.root, false, nil
	}
	parts := segments(path)
	cur := m.root
	for i, part := range parts {
		child, ok := cur.getChild(part)
		last := i == len(parts)-1
		if !ok {
			if !recursive && !last {
				return nil, false, isoerr.New(isoerr.FileNotFound, "missing intermediate directory")
			}
			child = newDirNode(m.now())
			cur.addChild(part, child)
			cur = child
			if last {
				return cur, true, nil
			}
			continue
		}
		if child.Kind != KindDir {
			return nil, false, isoerr.New(isoerr.NotADirectory, "path segment is a file: "+part)
		}
		cur = child
	}
	return cur, false, nil
}

// Delete removes path. Missing paths fail with isoerr.FileNotFound. A
// non-empty directory fails with isoerr.DirectoryNotEmpty unless
// recursive=true. Deletion updates quota usage and fires a watcher delete
// event for every removed descendant (deepest-first), after the removal
// commits.
func (m *MemFS) Delete(path string, recursive bool) error {
	m.mu.Lock()
	norm := normalize(path)
	if norm == "/" {
		m.mu.Unlock()
		return isoerr.New(isoerr.InvalidInput, "cannot delete root")
	}
	parentPath, name := splitParent(norm)
	parent, err := m.navigateDir(parentPath, false)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	target, ok := parent.getChild(name)
	if !ok {
		m.mu.Unlock()
		return isoerr.New(isoerr.FileNotFound, "path not found: "+norm)
	}
	if target.Kind == KindDir && len(target.Children) > 0 && !recursive {
		m.mu.Unlock()
		return isoerr.New(isoerr.DirectoryNotEmpty, "directory not empty: "+norm)
	}

	removedPaths := collectPaths(norm, target)
	parent.removeChild(name)
	m.used -= target.size()
	m.mu.Unlock()

	for _, p := range removedPaths {
		m.watcher.Notify(p, EventDelete)
	}
	return nil
}

func collectPaths(path string, n *Node) []string {
	if n.Kind == KindFile {
		return []string{path}
	}
	out := make([]string, 0, len(n.Children)+1)
	for name, child := range n.Children {
		childPath := path
		if childPath == "/" {
			childPath = "/" + name
		} else {
			childPath = path + "/" + name
		}
		out = append(out, collectPaths(childPath, child)...)
	}
	out = append(out, path)
	return out
}

// Readdir lists the direct child names of a directory.
func (m *MemFS) Readdir(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, err := m.navigateNode(normalize(path))
	if err != nil {
		return nil, err
	}
	if node.Kind != KindDir {
		return nil, isoerr.New(isoerr.NotADirectory, "path is not a directory: "+path)
	}
	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	return names, nil
}

// Stat returns metadata for path.
func (m *MemFS) Stat(path string) (Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, err := m.navigateNode(normalize(path))
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		IsDirectory: node.Kind == KindDir,
		Size:        node.size(),
		Created:     node.Meta.Created,
		Modified:    node.Meta.Modified,
		Accessed:    node.Meta.Accessed,
		Permissions: node.Meta.Permissions,
	}, nil
}

// Exists reports whether path resolves to a node. exists(p) ==
// exists(normalize(p)) holds by construction since Exists always
// normalises first.
func (m *MemFS) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.navigateNode(normalize(path))
	return err == nil
}

// Clear resets the tree, re-creates mount points, and resets quota usage
// to zero.
func (m *MemFS) Clear() {
	m.mu.Lock()
	m.resetTree()
	m.mu.Unlock()
	m.watcher.Clear()
}

// GetQuotaUsage reports current usage against MaxSize.
func (m *MemFS) GetQuotaUsage() QuotaUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pct float64
	if m.MaxSize > 0 {
		pct = float64(m.used) / float64(m.MaxSize) * 100
	}
	return QuotaUsage{Used: m.used, Limit: m.MaxSize, Percentage: pct}
}

// navigateNode resolves a normalised path to its Node, without taking the
// lock itself (callers hold m.mu).
func (m *MemFS) navigateNode(normPath string) (*Node, error) {
	if normPath == "/" {
		return m.root, nil
	}
	parts := segments(normPath)
	cur := m.root
	for i, part := range parts {
		child, ok := cur.getChild(part)
		if !ok {
			return nil, isoerr.New(isoerr.FileNotFound, "path not found: "+normPath)
		}
		if i < len(parts)-1 && child.Kind != KindDir {
			return nil, isoerr.New(isoerr.NotADirectory, "path segment is a file: "+part)
		}
		cur = child
	}
	return cur, nil
}

// navigateDir resolves normPath to a directory Node, optionally creating
// missing intermediate directories.
func (m *MemFS) navigateDir(normPath string, create bool) (*Node, error) {
	if normPath == "/" {
		return m.root, nil
	}
	node, err := m.navigateNode(normPath)
	if err != nil {
		if isoerr.Is(err, isoerr.FileNotFound) && create {
			return m.mkdirLocked(normPath, true)
		}
		return nil, err
	}
	if node.Kind != KindDir {
		return nil, isoerr.New(isoerr.NotADirectory, "path is not a directory: "+normPath)
	}
	return node, nil
}
