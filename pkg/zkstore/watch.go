package zkstore

import "sync"

// watchHub fans committed events out to registered watchers, matching on
// path-prefix so a watch on a parent node sees writes to its children
// (recursive watches per spec §4.1).
type watchHub struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	path      string
	recursive bool
	ch        chan<- Event
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[int]*subscription)}
}

func (h *watchHub) register(path string, recursive bool, ch chan<- Event) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = &subscription{path: path, recursive: recursive, ch: ch}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *watchHub) notify(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if !matches(s.path, s.recursive, ev.Path) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Slow watcher; drop rather than block FSM application.
		}
	}
}

func matches(watchPath string, recursive bool, eventPath string) bool {
	if watchPath == eventPath {
		return true
	}
	if !recursive {
		return false
	}
	if len(eventPath) <= len(watchPath) {
		return false
	}
	return eventPath[:len(watchPath)] == watchPath && eventPath[len(watchPath)] == '/'
}
