// Package memfs implements the in-memory virtual filesystem: tree nodes,
// quota accounting, path normalisation, and prefix-subscription watchers.
// Structurally grounded on the teacher's FileNode-shaped trees are absent
// from sandboxv2 (it shells out to bind-mounted host directories), so the
// tree/quota/watcher design instead follows the teacher's general mutex +
// counters idiom (Manager, DockerExecutor) applied to an in-memory tree.
package memfs

import "time"

// Permissions is a POSIX-style permission bitmask; only the default value
// (0o644 for files, 0o755 for directories) is produced by this package, but
// the field exists for stat() fidelity.
type Permissions uint32

const (
	defaultFilePerm Permissions = 0o644
	defaultDirPerm  Permissions = 0o755
)

// Metadata tracks the timestamps, size, and permissions of a FileNode.
type Metadata struct {
	Created     time.Time
	Modified    time.Time
	Accessed    time.Time
	Size        int64
	Permissions Permissions
}

func newFileMetadata(now time.Time) Metadata {
	return Metadata{Created: now, Modified: now, Accessed: now, Permissions: defaultFilePerm}
}

func newDirMetadata(now time.Time) Metadata {
	return Metadata{Created: now, Modified: now, Accessed: now, Permissions: defaultDirPerm}
}

// touch bumps Accessed to now.
func (m *Metadata) touch(now time.Time) {
	m.Accessed = now
}

// updateModified bumps Modified to now and optionally replaces Size.
func (m *Metadata) updateModified(now time.Time, newSize *int64) {
	m.Modified = now
	if newSize != nil {
		m.Size = *newSize
	}
}
