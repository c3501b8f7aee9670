package progress

import (
	"sync"
	"time"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// terminalGrace is how long terminal records linger before the sweeper
// evicts them, so pollers observe the final state.
const terminalGrace = 3 * time.Second

type entry struct {
	mu         sync.Mutex
	record     Record
	leased     bool
	terminalAt time.Time
	watchers   []chan Record
}

// Registry is the process-wide operation-key → record mapping. Acquire
// hands out an exclusive lease per key; a second acquire while the first
// is active fails with already_running.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lease is the writer handle of one operation. All updates for the key go
// through it; Release ends the operation's exclusivity.
type Lease struct {
	registry *Registry
	entry    *entry
	key      string
}

// Acquire claims the key. Keys whose previous operation reached a terminal
// state may be re-acquired immediately; the old record is replaced.
func (r *Registry) Acquire(key string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if ok {
		e.mu.Lock()
		active := e.leased && !e.record.Stage.Terminal()
		e.mu.Unlock()
		if active {
			return nil, opserr.New(opserr.KindAlreadyRunning, "operation for %s is already running", key)
		}
	}

	e = &entry{
		record: Record{
			Key:       key,
			Stage:     StageStarting,
			Message:   "starting",
			Timestamp: time.Now(),
		},
		leased: true,
	}
	r.entries[key] = e

	return &Lease{registry: r, entry: e, key: key}, nil
}

// Update moves the record forward. Percent is clamped monotonic
// non-decreasing until a terminal stage resets the contract.
func (l *Lease) Update(stage Stage, percent int, message string) {
	l.entry.mu.Lock()

	if percent < l.entry.record.Progress && !stage.Terminal() {
		percent = l.entry.record.Progress
	}

	l.entry.record.Stage = stage
	l.entry.record.Progress = percent
	l.entry.record.Message = message
	l.entry.record.Timestamp = time.Now()

	if stage.Terminal() {
		l.entry.terminalAt = time.Now()
	}

	record := l.entry.record
	watchers := append([]chan Record(nil), l.entry.watchers...)
	l.entry.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- record:
		default: // slow watcher, drop
		}
	}
}

// Cancelled reports whether a cancel was requested for this operation.
// The latch is one-shot: set, never cleared.
func (l *Lease) Cancelled() bool {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return l.entry.record.CancelRequested
}

func (l *Lease) Snapshot() Record {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()
	return l.entry.record
}

func (l *Lease) Release() {
	l.entry.mu.Lock()
	l.entry.leased = false
	if !l.entry.record.Stage.Terminal() {
		// An operation that released without reaching a terminal stage
		// died; record that rather than leaving a live-looking entry.
		l.entry.record.Stage = StageError
		l.entry.record.Message = "operation exited without terminal state"
		l.entry.record.Timestamp = time.Now()
		l.entry.terminalAt = time.Now()
	}
	l.entry.mu.Unlock()
}

// RequestCancel sets the cancellation latch for the key.
func (r *Registry) RequestCancel(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()

	if !ok {
		return opserr.New(opserr.KindNotFound, "no operation is tracked for %s", key)
	}

	e.mu.Lock()
	e.record.CancelRequested = true
	e.record.Timestamp = time.Now()
	e.mu.Unlock()

	return nil
}

func (r *Registry) Get(key string) (Record, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()

	if !ok {
		return Record{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true
}

func (r *Registry) All() []Record {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.record)
		e.mu.Unlock()
	}

	return records
}

// Watch returns a push channel for the key. The channel is best-effort:
// updates to a full channel are dropped, pollers remain authoritative.
func (r *Registry) Watch(key string) (<-chan Record, func()) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()

	ch := make(chan Record, 16)
	if !ok {
		close(ch)
		return ch, func() {}
	}

	e.mu.Lock()
	e.watchers = append(e.watchers, ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		for i, w := range e.watchers {
			if w == ch {
				e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
	}

	return ch, cancel
}

// Sweep evicts terminal records older than the grace window. Wired to a
// periodic cron tick by the engine module.
func (r *Registry) Sweep() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for key, e := range r.entries {
		e.mu.Lock()
		expired := e.record.Stage.Terminal() && !e.terminalAt.IsZero() && now.Sub(e.terminalAt) > terminalGrace
		if expired {
			for _, ch := range e.watchers {
				close(ch)
			}
			e.watchers = nil
		}
		e.mu.Unlock()

		if expired {
			delete(r.entries, key)
		}
	}
}
