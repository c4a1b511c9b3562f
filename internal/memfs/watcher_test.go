package memfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatcherMultipleSubscribersPerPath(t *testing.T) {
	w := NewWatcher()
	var a, b int
	w.Subscribe("/p", func(string, EventKind) { a++ })
	w.Subscribe("/p", func(string, EventKind) { b++ })

	w.Notify("/p", EventCreate)
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestWatcherUnsubscribeStopsDelivery(t *testing.T) {
	w := NewWatcher()
	var n int
	id := w.Subscribe("/p", func(string, EventKind) { n++ })
	w.Unsubscribe(id)
	w.Notify("/p", EventCreate)
	assert.Equal(t, 0, n)
}

func TestWatcherRootSubscriptionMatchesEverything(t *testing.T) {
	w := NewWatcher()
	var n int
	w.Subscribe("/", func(string, EventKind) { n++ })
	w.Notify("/a/b/c", EventModify)
	assert.Equal(t, 1, n)
}

func TestWatcherCallbackPanicIsIsolated(t *testing.T) {
	w := NewWatcher()
	w.Subscribe("/p", func(string, EventKind) { panic("boom") })
	var reached bool
	w.Subscribe("/p", func(string, EventKind) { reached = true })

	assert.NotPanics(t, func() { w.Notify("/p", EventCreate) })
	assert.True(t, reached)
}

func TestWatcherClearRemovesAllSubscriptions(t *testing.T) {
	w := NewWatcher()
	var n int
	w.Subscribe("/p", func(string, EventKind) { n++ })
	w.Clear()
	w.Notify("/p", EventCreate)
	assert.Equal(t, 0, n)
}
