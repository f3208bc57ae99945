package installer

import (
	"sync"
	"time"
)

// ProgressState classifies an installer progress event.
type ProgressState string

const (
	StateStarting ProgressState = "starting"
	StateProgress ProgressState = "progress"
	StateSuccess  ProgressState = "success"
	StateError    ProgressState = "error"
)

// ProgressEvent is one step of a running installation, as published to
// subscribers. Terminal states are success and error.
type ProgressEvent struct {
	Deployment string        `json:"deployment"`
	State      ProgressState `json:"state"`
	Step       string        `json:"step,omitempty"`
	Message    string        `json:"message,omitempty"`
	Time       time.Time     `json:"time"`
}

// Terminal reports whether no further events follow for this run.
func (e ProgressEvent) Terminal() bool {
	return e.State == StateSuccess || e.State == StateError
}

// ProgressHub fans installer events out to subscribers and remembers the
// latest event per deployment so late subscribers can catch up. Slow
// subscribers lose events rather than stall the installer.
type ProgressHub struct {
	mu     sync.Mutex
	subs   map[string]map[chan ProgressEvent]struct{}
	latest map[string]ProgressEvent
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		subs:   map[string]map[chan ProgressEvent]struct{}{},
		latest: map[string]ProgressEvent{},
	}
}

// Publish records the event and delivers it to every current subscriber.
func (h *ProgressHub) Publish(e ProgressEvent) {
	e.Time = time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[e.Deployment] = e
	for ch := range h.subs[e.Deployment] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Latest returns the most recent event for a deployment, if any.
func (h *ProgressHub) Latest(deployment string) (ProgressEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.latest[deployment]
	return e, ok
}

// Subscribe registers for a deployment's events. The returned cancel
// function must be called exactly once; it closes the channel.
func (h *ProgressHub) Subscribe(deployment string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)
	h.mu.Lock()
	if h.subs[deployment] == nil {
		h.subs[deployment] = map[chan ProgressEvent]struct{}{}
	}
	h.subs[deployment][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[deployment], ch)
		h.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}
