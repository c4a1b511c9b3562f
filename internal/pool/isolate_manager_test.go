package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
)

func TestCreateGeneratesIDAndTracks(t *testing.T) {
	m := NewIsolateManager(engine.NewGojaIsolate, nil)
	id, iso, err := m.Create(16 * 1024 * 1024)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Same(t, iso, got)
	m.Dispose(id)
}

func TestTrackRejectsDuplicateID(t *testing.T) {
	m := NewIsolateManager(engine.NewGojaIsolate, nil)
	iso, err := engine.NewGojaIsolate(0)
	require.NoError(t, err)
	defer iso.Dispose()

	require.NoError(t, m.Track("dup", iso))
	err = m.Track("dup", iso)
	assert.True(t, isoerr.Is(err, isoerr.AlreadyTracked))
}

func TestDisposeOnUntrackedIDIsNoOp(t *testing.T) {
	m := NewIsolateManager(engine.NewGojaIsolate, nil)
	assert.NotPanics(t, func() { m.Dispose("never-tracked") })
}

func TestDisposeAllClearsTracking(t *testing.T) {
	m := NewIsolateManager(engine.NewGojaIsolate, nil)
	_, _, err := m.Create(0)
	require.NoError(t, err)
	_, _, err = m.Create(0)
	require.NoError(t, err)

	assert.Equal(t, 2, m.GetStats().Tracked)
	m.DisposeAll()
	assert.Equal(t, 0, m.GetStats().Tracked)
}

func TestGenerateIDIsUnique(t *testing.T) {
	m := NewIsolateManager(engine.NewGojaIsolate, nil)
	a := m.GenerateID()
	b := m.GenerateID()
	assert.NotEqual(t, a, b)
}
