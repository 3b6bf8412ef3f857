// Package db provides live query notifications over the local store.
package db

import "sync"

// ChangeOp identifies the kind of mutation that occurred.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change describes one committed mutation to a table. Subscribers use it
// as a signal to re-run their queries, not as a data payload.
type Change struct {
	Table string
	Op    ChangeOp
	ID    string
}

// Notifier fans committed store mutations out to live-query subscribers
// so UI layers re-render without polling.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	tables map[string]bool // empty means all tables
	ch     chan Change
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscription)}
}

// Subscribe registers interest in mutations to the given tables (all
// tables when none are named). The returned cancel func must be called
// when the subscriber goes away.
func (n *Notifier) Subscribe(tables ...string) (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscription{
		tables: make(map[string]bool, len(tables)),
		ch:     make(chan Change, 16),
	}
	for _, t := range tables {
		sub.tables[t] = true
	}

	id := n.next
	n.next++
	n.subs[id] = sub

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.ch)
		}
	}

	return sub.ch, cancel
}

// Publish delivers a change to every matching subscriber. Sends never
// block: a subscriber with a full buffer misses the event, which is safe
// because subscribers re-query the store on the next event they do see.
func (n *Notifier) Publish(change Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		if len(sub.tables) > 0 && !sub.tables[change.Table] {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
