// Package events records machine changes and fans them out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/moby/pubsub"
)

const (
	eventsLimit = 256
	bufferSize  = 1024
)

// Action is what happened to a machine.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
	// ActionReady is only sent to a new subscriber, carrying the inventory.
	ActionReady Action = "ready"
)

// Message describes one machine change.
type Message struct {
	Action Action `json:"type"`
	UUID   string `json:"uuid,omitempty"`
	// Machine is the machine's attributes after the change. It is nil for
	// deletes.
	Machine map[string]any `json:"vm,omitempty"`
	// Changes lists what an update touched, one line per attribute.
	Changes []string `json:"changes,omitempty"`
	// Inventory is set on ready messages only.
	Inventory []map[string]any `json:"vms,omitempty"`
	Time      time.Time        `json:"time"`
}

// Events keeps the most recent messages and broadcasts new ones.
type Events struct {
	mu     sync.Mutex
	events []Message
	pub    *pubsub.Publisher
	// subs holds the listeners not yet evicted.
	subs map[chan any]struct{}
}

// New returns new *Events instance
func New() *Events {
	return &Events{
		events: make([]Message, 0, eventsLimit),
		pub:    pubsub.NewPublisher(100*time.Millisecond, bufferSize),
		subs:   make(map[chan any]struct{}),
	}
}

// Subscribe adds a new listener to events. It returns the recorded messages,
// the channel new ones arrive on and a function that unsubscribes.
func (e *Events) Subscribe() ([]Message, chan any, func()) {
	return e.SubscribeTopic(nil)
}

// SubscribeTopic is like Subscribe but only delivers messages filter accepts.
// A nil filter accepts everything.
func (e *Events) SubscribeTopic(filter func(Message) bool) ([]Message, chan any, func()) {
	e.mu.Lock()
	var current []Message
	for _, m := range e.events {
		if filter == nil || filter(m) {
			current = append(current, m)
		}
	}
	var l chan any
	if filter == nil {
		l = e.pub.Subscribe()
	} else {
		l = e.pub.SubscribeTopic(func(v any) bool {
			m, ok := v.(Message)
			return ok && filter(m)
		})
	}
	e.subs[l] = struct{}{}
	eventSubscribers.Inc()
	e.mu.Unlock()

	return current, l, func() { e.Evict(l) }
}

// Evict evicts listener from pubsub. Evicting a listener twice is a no-op.
func (e *Events) Evict(l chan any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[l]; !ok {
		return
	}
	delete(e.subs, l)
	eventSubscribers.Dec()
	e.pub.Evict(l)
}

// Log records a change to machine uuid and publishes it.
func (e *Events) Log(action Action, uuid string, machine map[string]any, changes ...string) {
	e.PublishMessage(Message{
		Action:  action,
		UUID:    uuid,
		Machine: machine,
		Changes: changes,
		Time:    time.Now().UTC(),
	})
}

// PublishMessage broadcasts m to all subscribers and records it, discarding
// the oldest message once the limit is reached.
func (e *Events) PublishMessage(m Message) {
	eventsCounter.WithValues(string(m.Action)).Inc()

	e.mu.Lock()
	if len(e.events) == cap(e.events) {
		copy(e.events, e.events[1:])
		e.events[len(e.events)-1] = m
	} else {
		e.events = append(e.events, m)
	}
	e.pub.Publish(m)
	e.mu.Unlock()
}

// SubscribersCount returns number of event listeners
func (e *Events) SubscribersCount() int {
	return e.pub.Len()
}

// Close closes every subscriber channel.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for l := range e.subs {
		delete(e.subs, l)
		eventSubscribers.Dec()
	}
	e.pub.Close()
}
