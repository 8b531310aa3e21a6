package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bus-tracker/internal/runloop"
	"bus-tracker/internal/store"
)

// DefaultEntityPath is the parent path of per-entity records.
const DefaultEntityPath = "buses"

// Messages shown to users of the track-by-id view.
const (
	MsgEmptyID    = "Please enter a Bus ID"
	MsgNoFix      = "No live location for this Bus ID yet."
	MsgReadFailed = "Failed to read bus location"
)

var (
	ErrEmptyID   = errors.New("feed: empty entity id")
	ErrInvalidID = errors.New("feed: entity id contains a reserved character")
)

// NormalizeID trims and upper-cases a user supplied id.
func NormalizeID(raw string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if id == "" {
		return "", ErrEmptyID
	}
	if strings.ContainsAny(id, "/.#$[]") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return id, nil
}

// Fix is the last valid position of a tracked entity. Timestamp is epoch
// ms, 0 when the record had none.
type Fix struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// EntityState is what the track-by-id view renders.
type EntityState struct {
	ID      string `json:"id"`
	Loading bool   `json:"loading"`
	Err     string `json:"error"`
	Fix     *Fix   `json:"fix"`
}

// EntitySubscriber follows a single entity record at <path>/<id>. Like
// FleetSubscriber it is owned by the scheduler goroutine.
type EntitySubscriber struct {
	store    store.Store
	sched    runloop.Scheduler
	log      *slog.Logger
	rec      Recorder
	basePath string
	onChange func(EntityState)

	gen    uint64
	unsub  store.Unsubscribe
	closed bool
	state  EntityState
}

// EntityOption configures an EntitySubscriber.
type EntityOption func(*EntitySubscriber)

func WithEntityPath(path string) EntityOption {
	return func(s *EntitySubscriber) { s.basePath = store.CleanPath(path) }
}

func WithEntityOnChange(fn func(EntityState)) EntityOption {
	return func(s *EntitySubscriber) { s.onChange = fn }
}

func WithEntityLogger(l *slog.Logger) EntityOption {
	return func(s *EntitySubscriber) {
		if l != nil {
			s.log = l
		}
	}
}

func WithEntityRecorder(r Recorder) EntityOption {
	return func(s *EntitySubscriber) {
		if r != nil {
			s.rec = r
		}
	}
}

func NewEntitySubscriber(st store.Store, sched runloop.Scheduler, opts ...EntityOption) *EntitySubscriber {
	s := &EntitySubscriber{
		store:    st,
		sched:    sched,
		log:      slog.Default(),
		rec:      nopRecorder{},
		basePath: DefaultEntityPath,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track switches to rawID. An empty id is rejected without touching the
// current subscription.
func (s *EntitySubscriber) Track(ctx context.Context, rawID string) error {
	if s.closed {
		return ErrClosed
	}
	id, err := NormalizeID(rawID)
	if err != nil {
		if errors.Is(err, ErrEmptyID) {
			s.state.Err = MsgEmptyID
		} else {
			s.state.Err = err.Error()
		}
		s.notify()
		return err
	}
	s.stop()
	gen := s.gen
	path := s.basePath + "/" + id
	s.state = EntityState{ID: id, Loading: true}
	s.notify()

	unsub, err := s.store.Subscribe(ctx, path,
		func(raw []byte) {
			s.sched.Post(func() { s.handleValue(gen, path, raw) })
		},
		func(err error) {
			s.sched.Post(func() { s.handleError(gen, path, err) })
		},
	)
	if err != nil {
		s.state.Loading = false
		s.state.Err = MsgReadFailed
		s.notify()
		return fmt.Errorf("subscribe %s: %w", path, err)
	}
	s.unsub = unsub
	s.log.Info("tracking entity", slog.String("id", id))
	return nil
}

// Close releases the subscription. No callback runs afterwards.
func (s *EntitySubscriber) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stop()
}

func (s *EntitySubscriber) stop() {
	s.gen++
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// State returns the current view state.
func (s *EntitySubscriber) State() EntityState { return s.state }

func (s *EntitySubscriber) handleValue(gen uint64, path string, raw []byte) {
	if s.closed || gen != s.gen {
		return
	}
	s.rec.FeedEvent(path)
	s.state.Loading = false
	lat, lng, ok := ResolveFix(raw)
	if !ok {
		s.state.Err = MsgNoFix
		s.state.Fix = nil
		s.notify()
		return
	}
	// A fix without its own time is treated as just received.
	ts := s.sched.Now().UnixMilli()
	if v, ok := locationRecordOf(raw).number("timestamp"); ok && v > 0 {
		ts = int64(v)
	}
	s.state.Err = ""
	s.state.Fix = &Fix{Lat: lat, Lng: lng, Timestamp: ts}
	s.notify()
}

func (s *EntitySubscriber) handleError(gen uint64, path string, err error) {
	if s.closed || gen != s.gen {
		return
	}
	s.rec.FeedError(path)
	s.log.Warn("entity subscription error", slog.String("path", path), slog.String("error", err.Error()))
	s.state.Loading = false
	s.state.Err = err.Error()
	if s.state.Err == "" {
		s.state.Err = MsgReadFailed
	}
	s.notify()
}

func (s *EntitySubscriber) notify() {
	if s.onChange != nil {
		s.onChange(s.state)
	}
}
