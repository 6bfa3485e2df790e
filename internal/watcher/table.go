package watcher

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/session"
)

// admission is the outcome of feeding one advertisement to the table
type admission int

const (
	admitIgnore admission = iota
	admitFound
	admitConnect
)

// table is the shared discovery state. Every access goes through its methods, under one lock.
//
// An address is never in pending and active at the same time.
type table struct {
	mu      sync.Mutex
	closed  bool
	seen    map[device.Address]string
	pending map[device.Address]*session.Session
	active  *orderedmap.OrderedMap[device.Address, *session.Session]
}

func newTable() *table {
	t := &table{closed: true}
	t.reset()
	return t
}

// open empties the table and starts admitting advertisements
func (t *table) open() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	t.closed = false
}

// close stops admissions and promotions and returns the active sessions in connection order.
// Sessions still pending can no longer become active.
func (t *table) close() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return t.activeLocked()
}

func (t *table) reset() {
	t.seen = make(map[device.Address]string)
	t.pending = make(map[device.Address]*session.Session)
	t.active = orderedmap.New[device.Address, *session.Session]()
}

// admit applies the discovery policy to one advertisement. On admitConnect the session built by
// newSession is already reserved in pending and the address is no longer seen.
func (t *table) admit(adv device.Advertisement, newSession func() *session.Session) (admission, *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return admitIgnore, nil
	}
	if _, ok := t.pending[adv.Address]; ok {
		return admitIgnore, nil
	}
	if _, ok := t.active.Get(adv.Address); ok {
		return admitIgnore, nil
	}

	if _, seen := t.seen[adv.Address]; !seen {
		if adv.Name != device.DeviceName {
			return admitIgnore, nil
		}
		t.seen[adv.Address] = adv.Name
		return admitFound, nil
	}

	if !adv.Connectable {
		return admitIgnore, nil
	}

	delete(t.seen, adv.Address)
	s := newSession()
	t.pending[adv.Address] = s
	return admitConnect, s
}

// remove drops s from pending and active. It reports whether s was tabled.
// Entries owned by a different session for the same address are left alone.
func (t *table) remove(addr device.Address, s *session.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	if cur, ok := t.pending[addr]; ok && cur == s {
		delete(t.pending, addr)
		removed = true
	}
	if cur, ok := t.active.Get(addr); ok && cur == s {
		t.active.Delete(addr)
		removed = true
	}
	return removed
}

// promote moves s from pending to active. It fails when the table is closed
// or s is not the pending session for its address.
func (t *table) promote(addr device.Address, s *session.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if cur, ok := t.pending[addr]; !ok || cur != s {
		return false
	}
	delete(t.pending, addr)
	t.active.Set(addr, s)
	return true
}

func (t *table) lookupActive(addr device.Address) (*session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active.Get(addr)
}

// snapshotActive returns the active sessions in connection order
func (t *table) snapshotActive() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *table) activeLocked() []*session.Session {
	out := make([]*session.Session, 0, t.active.Len())
	for pair := t.active.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// activeAddresses returns the active addresses in connection order
func (t *table) activeAddresses() []device.Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]device.Address, 0, t.active.Len())
	for pair := t.active.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (t *table) isPending(addr device.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[addr]
	return ok
}

func (t *table) isSeen(addr device.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[addr]
	return ok
}

func (t *table) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) == 0 && t.active.Len() == 0
}

// clear empties all three collections and returns the addresses that were still pending or active
func (t *table) clear() []device.Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	var abandoned []device.Address
	for addr := range t.pending {
		abandoned = append(abandoned, addr)
	}
	for pair := t.active.Oldest(); pair != nil; pair = pair.Next() {
		abandoned = append(abandoned, pair.Key)
	}
	t.reset()
	return abandoned
}
