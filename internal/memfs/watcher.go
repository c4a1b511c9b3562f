package memfs

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"isobox/internal/logging"
)

// EventKind classifies a filesystem mutation delivered to watchers.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventModify EventKind = "modify"
	EventDelete EventKind = "delete"
)

// WatchCallback receives a normalised event path and its kind.
type WatchCallback func(path string, kind EventKind)

type subscription struct {
	id   int64
	path string // normalised
	cb   WatchCallback
}

// Watcher supports path-prefix subscriptions: a subscription at path P
// fires for any event whose path equals P or has P as a directory
// ancestor (segment-wise prefix match, not substring match).
type Watcher struct {
	mu     sync.RWMutex
	subs   map[int64]*subscription
	nextID int64
}

// NewWatcher constructs an empty Watcher.
func NewWatcher() *Watcher {
	return &Watcher{subs: make(map[int64]*subscription)}
}

// Subscribe registers cb for events at (or under) path. Multiple
// subscribers per path are allowed. Returns a subscription id for
// Unsubscribe.
func (w *Watcher) Subscribe(path string, cb WatchCallback) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.subs[id] = &subscription{id: id, path: normalize(path), cb: cb}
	return id
}

// Unsubscribe removes a subscription by id. A missing id is a no-op.
func (w *Watcher) Unsubscribe(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, id)
}

// Notify fires every subscription whose path matches eventPath (equal, or
// a directory ancestor of it). Callback panics are recovered, logged, and
// never propagate to the mutator.
func (w *Watcher) Notify(eventPath string, kind EventKind) {
	norm := normalize(eventPath)

	w.mu.RLock()
	matched := make([]*subscription, 0, len(w.subs))
	for _, s := range w.subs {
		if pathMatches(s.path, norm) {
			matched = append(matched, s)
		}
	}
	w.mu.RUnlock()

	for _, s := range matched {
		w.invoke(s, norm, kind)
	}
}

func (w *Watcher) invoke(s *subscription, path string, kind EventKind) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Warn("memfs watcher callback panicked",
				zap.String("path", path), zap.Int64("subscription", s.id), zap.Any("recovered", r))
		}
	}()
	s.cb(path, kind)
}

// Clear removes every subscription.
func (w *Watcher) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = make(map[int64]*subscription)
}

// pathMatches reports whether subPath (normalised, the subscription's
// path) is eventPath itself or a directory-segment ancestor of it.
func pathMatches(subPath, eventPath string) bool {
	if subPath == eventPath {
		return true
	}
	if subPath == "/" {
		return true
	}
	prefix := subPath + "/"
	return strings.HasPrefix(eventPath+"/", prefix)
}
