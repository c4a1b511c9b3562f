package memfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isobox/internal/isoerr"
)

func TestMountPointsExistAfterConstructionAndClear(t *testing.T) {
	fs := New(0)
	for _, mp := range MountPoints {
		assert.True(t, fs.Exists(mp), mp)
	}
	require.NoError(t, fs.Write("/sandbox/x.txt", []byte("hi")))
	fs.Clear()
	for _, mp := range MountPoints {
		assert.True(t, fs.Exists(mp), mp)
	}
	assert.False(t, fs.Exists("/sandbox/x.txt"))
	assert.Equal(t, int64(0), fs.GetQuotaUsage().Used)
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := New(0)
	require.NoError(t, fs.Write("/x/y.txt", []byte("hello")))

	content, err := fs.Read("/x/y.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	stat, err := fs.Stat("/x")
	require.NoError(t, err)
	assert.True(t, stat.IsDirectory)

	names, err := fs.Readdir("/x")
	require.NoError(t, err)
	assert.Equal(t, []string{"y.txt"}, names)
}

func TestReadMissingFails(t *testing.T) {
	fs := New(0)
	_, err := fs.Read("/nope.txt")
	assert.Equal(t, isoerr.FileNotFound, isoerr.CodeOf(err))
}

func TestReadDirectoryFails(t *testing.T) {
	fs := New(0)
	require.NoError(t, fs.Mkdir("/d", true))
	_, err := fs.Read("/d")
	assert.Equal(t, isoerr.IsDirectory, isoerr.CodeOf(err))
}

func TestMkdirIdempotentOnExistingDir(t *testing.T) {
	fs := New(0)
	require.NoError(t, fs.Mkdir("/a/b", true))
	require.NoError(t, fs.Mkdir("/a/b", true))
}

func TestMkdirFailsOnFile(t *testing.T) {
	fs := New(0)
	require.NoError(t, fs.Write("/f", []byte("x")))
	err := fs.Mkdir("/f", true)
	assert.Equal(t, isoerr.NotADirectory, isoerr.CodeOf(err))
}

func TestMkdirNonRecursiveMissingIntermediate(t *testing.T) {
	fs := New(0)
	err := fs.Mkdir("/a/b/c", false)
	assert.Equal(t, isoerr.FileNotFound, isoerr.CodeOf(err))

	require.NoError(t, fs.Mkdir("/a", false))
	require.NoError(t, fs.Mkdir("/a/b", false))
}

func TestDeleteMissingFails(t *testing.T) {
	fs := New(0)
	err := fs.Delete("/missing", false)
	assert.Equal(t, isoerr.FileNotFound, isoerr.CodeOf(err))
}

func TestDeleteNonEmptyDirRequiresRecursive(t *testing.T) {
	fs := New(0)
	require.NoError(t, fs.Write("/d/f.txt", []byte("x")))
	err := fs.Delete("/d", false)
	assert.Equal(t, isoerr.DirectoryNotEmpty, isoerr.CodeOf(err))

	require.NoError(t, fs.Delete("/d", true))
	assert.False(t, fs.Exists("/d"))
	assert.False(t, fs.Exists("/d/f.txt"))
}

func TestQuotaEnforcedAndWriteAtomicOnFailure(t *testing.T) {
	fs := New(100)
	require.NoError(t, fs.Write("/a", []byte(repeat('x', 60))))

	err := fs.Write("/a", []byte(repeat('y', 150)))
	assert.Equal(t, isoerr.QuotaExceeded, isoerr.CodeOf(err))

	content, err := fs.Read("/a")
	require.NoError(t, err)
	assert.Len(t, content, 60)
	assert.Equal(t, int64(60), fs.GetQuotaUsage().Used)
}

func TestQuotaInvariantHoldsAcrossWrites(t *testing.T) {
	fs := New(1000)
	require.NoError(t, fs.Write("/a", []byte(repeat('a', 100))))
	require.NoError(t, fs.Write("/b", []byte(repeat('b', 200))))
	require.NoError(t, fs.Write("/a", []byte(repeat('c', 50))))

	usage := fs.GetQuotaUsage()
	assert.Equal(t, int64(250), usage.Used)
	assert.LessOrEqual(t, usage.Used, usage.Limit)
}

func TestPathNormalisation(t *testing.T) {
	cases := map[string]string{
		"a/b":        "/a/b",
		"//a//b//":   "/a/b",
		"/a/../b":    "/b",
		"/a/b/../..": "/",
		"":           "/",
		"/":          "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalize(in), in)
		assert.Equal(t, normalize(in), normalize(normalize(in)), in)
	}
}

func TestExistsAgreesAcrossEquivalentPaths(t *testing.T) {
	fs := New(0)
	require.NoError(t, fs.Write("/a/b.txt", []byte("x")))
	assert.Equal(t, fs.Exists("/a/b.txt"), fs.Exists("a//b.txt/"))
}

func TestWatcherFiresOnMutationsAfterCommit(t *testing.T) {
	fs := New(0)
	var events []EventKind
	fs.Watcher().Subscribe("/x", func(path string, kind EventKind) {
		events = append(events, kind)
	})

	require.NoError(t, fs.Write("/x/f.txt", []byte("1")))
	require.NoError(t, fs.Write("/x/f.txt", []byte("22")))
	require.NoError(t, fs.Delete("/x/f.txt", false))

	assert.Equal(t, []EventKind{EventCreate, EventModify, EventDelete}, events)
}

func TestWatcherPrefixMatchNotSubstring(t *testing.T) {
	fs := New(0)
	var fired bool
	fs.Watcher().Subscribe("/a", func(path string, kind EventKind) { fired = true })

	require.NoError(t, fs.Write("/ab/f.txt", []byte("1")))
	assert.False(t, fired, "/ab should not match a subscription on /a")

	require.NoError(t, fs.Write("/a/f.txt", []byte("1")))
	assert.True(t, fired)
}

func repeat(b byte, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return string(out)
}
