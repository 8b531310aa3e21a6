package tracker

import (
	"bus-tracker/internal/feed"
	"bus-tracker/internal/runloop"
)

// Fleet reconciles the derived entity list with live tracks.
type Fleet struct {
	sched   runloop.Scheduler
	cfg     Config
	onDirty func()

	tracks map[string]*Track
	order  []string
	closed bool
}

// NewFleet returns an empty fleet. onDirty runs whenever Markers would
// return something different.
func NewFleet(sched runloop.Scheduler, cfg Config, onDirty func()) *Fleet {
	if onDirty == nil {
		onDirty = func() {}
	}
	return &Fleet{
		sched:   sched,
		cfg:     cfg,
		onDirty: onDirty,
		tracks:  make(map[string]*Track),
	}
}

// Apply creates tracks for new ids, retargets existing ones and closes the
// tracks of ids no longer listed. Markers follow the order of entities.
func (f *Fleet) Apply(entities []feed.Entity) {
	if f.closed {
		return
	}
	seen := make(map[string]struct{}, len(entities))
	order := make([]string, 0, len(entities))
	for _, e := range entities {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		order = append(order, e.ID)
		if t, ok := f.tracks[e.ID]; ok {
			t.Update(e)
			continue
		}
		f.tracks[e.ID] = NewTrack(f.sched, e, f.cfg, f.onDirty)
	}
	for id, t := range f.tracks {
		if _, ok := seen[id]; !ok {
			t.Close()
			delete(f.tracks, id)
		}
	}
	f.order = order
	f.onDirty()
}

// Markers returns the current marker of every track.
func (f *Fleet) Markers() []Marker {
	out := make([]Marker, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.tracks[id].Marker())
	}
	return out
}

// Marker returns one entity's marker.
func (f *Fleet) Marker(id string) (Marker, bool) {
	t, ok := f.tracks[id]
	if !ok {
		return Marker{}, false
	}
	return t.Marker(), true
}

// Len is the number of live tracks.
func (f *Fleet) Len() int { return len(f.order) }

// StaleCount is the number of tracks currently classified stale.
func (f *Fleet) StaleCount() int {
	n := 0
	for _, t := range f.tracks {
		if t.stale.Stale() {
			n++
		}
	}
	return n
}

// Close tears down every track. Later Apply calls are ignored.
func (f *Fleet) Close() {
	if f.closed {
		return
	}
	f.closed = true
	for id, t := range f.tracks {
		t.Close()
		delete(f.tracks, id)
	}
	f.order = nil
}
