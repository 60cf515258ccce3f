package plugin

import "sync"

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventInstalled   EventKind = "installed"
	EventUninstalled EventKind = "uninstalled"
	EventUpdated     EventKind = "updated"
	// EventChanged follows every specific event so views can refresh without
	// caring which operation ran.
	EventChanged EventKind = "changed"
)

// Event is delivered to listeners after an operation completes successfully.
type Event struct {
	Kind     EventKind `json:"kind"`
	PluginID string    `json:"pluginId"`
}

// Listener receives lifecycle events. Listeners run on the goroutine that
// completed the operation and should return quickly.
type Listener func(Event)

type subscriber struct {
	kinds    map[EventKind]struct{}
	listener Listener
}

func (s subscriber) wants(kind EventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// emitter keeps the subscriber list. Events are not buffered: a listener
// registered after an emission never sees it.
type emitter struct {
	mu          sync.RWMutex
	subscribers []subscriber
}

func (e *emitter) subscribe(fn Listener, kinds ...EventKind) {
	if fn == nil {
		return
	}
	sub := subscriber{listener: fn}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}
	e.mu.Lock()
	e.subscribers = append(e.subscribers, sub)
	e.mu.Unlock()
}

func (e *emitter) emit(event Event) {
	e.mu.RLock()
	subs := make([]subscriber, len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.RUnlock()

	for _, sub := range subs {
		if sub.wants(event.Kind) {
			sub.listener(event)
		}
	}
}
