package store

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Default paths a FeedStore publishes under.
const (
	DefaultLocationsPath = "locations"
	DefaultStatusPath    = "status"
	OnlineStatus         = "online"
)

// FeedStore turns a polled VehicleFeedSource into a push Store. Each poll
// that changes anything republishes a location snapshot and a status
// snapshot; vehicles present in the latest poll are online.
type FeedStore struct {
	mem               *MemoryStore
	feed              VehicleFeedSource
	minRefresh        time.Duration
	locationsPath     string
	statusPath        string
	log               *slog.Logger
	now               func() time.Time
	mu                sync.Mutex
	lastVehicles      map[string]Vehicle
	mostRecentFetchMs int64
	errSubs           map[uint64]func(error)
	nextErrID         uint64
}

// FeedStoreOption configures a FeedStore.
type FeedStoreOption func(*FeedStore)

// WithFeedPaths overrides the locations and status paths.
func WithFeedPaths(locations, status string) FeedStoreOption {
	return func(s *FeedStore) {
		s.locationsPath = CleanPath(locations)
		s.statusPath = CleanPath(status)
	}
}

// WithFeedClock replaces time.Now when stamping changed vehicles.
func WithFeedClock(now func() time.Time) FeedStoreOption {
	return func(s *FeedStore) { s.now = now }
}

func NewFeedStore(feed VehicleFeedSource, minRefresh time.Duration, log *slog.Logger, opts ...FeedStoreOption) *FeedStore {
	if minRefresh <= 0 {
		minRefresh = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &FeedStore{
		mem:           NewMemoryStore(),
		feed:          feed,
		minRefresh:    minRefresh,
		locationsPath: DefaultLocationsPath,
		statusPath:    DefaultStatusPath,
		log:           log,
		now:           time.Now,
		lastVehicles:  make(map[string]Vehicle),
		errSubs:       make(map[uint64]func(error)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe serves snapshots from the last successful poll. Poll failures
// are reported to onError until the feed recovers.
func (s *FeedStore) Subscribe(ctx context.Context, path string, onValue func([]byte), onError func(error)) (Unsubscribe, error) {
	unsub, err := s.mem.Subscribe(ctx, path, onValue, nil)
	if err != nil {
		return nil, err
	}
	if onError == nil {
		return unsub, nil
	}
	s.mu.Lock()
	s.nextErrID++
	id := s.nextErrID
	s.errSubs[id] = onError
	s.mu.Unlock()
	return func() {
		unsub()
		s.mu.Lock()
		delete(s.errSubs, id)
		s.mu.Unlock()
	}, nil
}

// Run polls until ctx is cancelled. The interval stretches to half the last
// fetch duration when the feed is slow, never below the minimum refresh.
func (s *FeedStore) Run(ctx context.Context) {
	interval := s.minRefresh
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			s.Poll(ctx)
			elapsed := time.Since(start)
			if s.mostRecentFetchMs != 0 {
				interval = maxDuration(elapsed/2, s.minRefresh)
			}
			t.Reset(interval)
		}
	}
}

// Poll fetches once and publishes when something changed.
func (s *FeedStore) Poll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	vehicles, err := s.feed.Fetch(cctx)
	if err != nil {
		s.log.Warn("poll error", slog.String("error", err.Error()))
		s.reportError(err)
		return
	}
	s.log.Debug("fetched vehicles", slog.Int("count", len(vehicles)))
	s.mostRecentFetchMs = s.now().UnixMilli()

	changed, snapshot := s.detectChanges(vehicles)
	if !changed {
		return
	}
	s.log.Info("vehicles updated", slog.Int("count", len(snapshot)))
	if err := s.publish(snapshot); err != nil {
		s.log.Error("publish snapshot", slog.String("error", err.Error()))
	}
}

// detectChanges keeps feed order, stamps vehicles that moved or appeared,
// and reports whether the set or any position changed.
func (s *FeedStore) detectChanges(in []Vehicle) (bool, []Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	changed := len(in) != len(s.lastVehicles)
	current := make(map[string]Vehicle, len(in))
	out := make([]Vehicle, 0, len(in))
	for _, v := range in {
		if _, dup := current[v.ID]; dup {
			continue
		}
		prev, ok := s.lastVehicles[v.ID]
		moved := !ok || prev.Lat != v.Lat || prev.Lon != v.Lon || !sameBearing(prev.Bearing, v.Bearing)
		if moved {
			changed = true
		}
		if v.Timestamp == 0 {
			if moved {
				v.Timestamp = nowMs
			} else {
				v.Timestamp = prev.Timestamp
			}
		} else if ok && prev.Timestamp != v.Timestamp {
			changed = true
		}
		current[v.ID] = v
		out = append(out, v)
	}
	s.lastVehicles = current
	return changed, out
}

func sameBearing(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type locationRecord struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Name      string   `json:"name,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

func (s *FeedStore) publish(vehicles []Vehicle) error {
	var loc, status bytes.Buffer
	loc.WriteByte('{')
	status.WriteByte('{')
	for i, v := range vehicles {
		key, err := json.Marshal(v.ID)
		if err != nil {
			return err
		}
		rec, err := json.Marshal(locationRecord{
			Lat: v.Lat, Lng: v.Lon, Name: v.Name, Heading: v.Bearing, Timestamp: v.Timestamp,
		})
		if err != nil {
			return err
		}
		if i > 0 {
			loc.WriteByte(',')
			status.WriteByte(',')
		}
		loc.Write(key)
		loc.WriteByte(':')
		loc.Write(rec)
		status.Write(key)
		status.WriteString(`:"` + OnlineStatus + `"`)
	}
	loc.WriteByte('}')
	status.WriteByte('}')

	// Status first so a vehicle never shows with a fresh position and a
	// stale online set.
	if err := s.mem.Set(s.statusPath, status.Bytes()); err != nil {
		return err
	}
	return s.mem.Set(s.locationsPath, loc.Bytes())
}

func (s *FeedStore) reportError(err error) {
	s.mu.Lock()
	subs := make([]func(error), 0, len(s.errSubs))
	for _, fn := range s.errSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
