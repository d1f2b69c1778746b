package watch

import (
	"cmp"
	"slices"
	"time"
)

// unit is one debounced path. Events for the same path that arrive before
// due are folded into it; the latest event, and so its origin, wins. seq
// keeps the order of first arrival.
type unit struct {
	ev  Event
	seq uint64
	due time.Time
}

// debouncer is the debounce table. It is owned by the processor goroutine
// and not safe for concurrent use.
type debouncer struct {
	delay   time.Duration
	units   map[string]*unit
	seq     uint64
	pending [2]int
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay, units: make(map[string]*unit)}
}

// add records ev at now, restarting the quiet period of its path.
func (d *debouncer) add(ev Event, now time.Time) {
	if u, ok := d.units[ev.RelPath]; ok {
		d.pending[u.ev.Origin]--
		u.ev = ev
		u.due = now.Add(d.delay)
		d.pending[ev.Origin]++
		return
	}
	d.seq++
	d.units[ev.RelPath] = &unit{ev: ev, seq: d.seq, due: now.Add(d.delay)}
	d.pending[ev.Origin]++
}

// take removes and returns the units due at now in first-arrival order.
func (d *debouncer) take(now time.Time) []Event {
	var ready []*unit
	for rel, u := range d.units {
		if !u.due.After(now) {
			ready = append(ready, u)
			delete(d.units, rel)
			d.pending[u.ev.Origin]--
		}
	}
	slices.SortFunc(ready, func(a, b *unit) int { return cmp.Compare(a.seq, b.seq) })
	events := make([]Event, len(ready))
	for i, u := range ready {
		events[i] = u.ev
	}
	return events
}

// next returns the earliest due time.
func (d *debouncer) next() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, u := range d.units {
		if !found || u.due.Before(earliest) {
			earliest, found = u.due, true
		}
	}
	return earliest, found
}

// pendingFor returns the number of units whose latest event came from t.
func (d *debouncer) pendingFor(t Tree) int {
	return d.pending[t]
}

func (d *debouncer) len() int {
	return len(d.units)
}
