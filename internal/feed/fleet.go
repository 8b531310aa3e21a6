package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bus-tracker/internal/runloop"
	"bus-tracker/internal/store"
)

const tracerName = "bus-tracker/feed"

// ErrClosed is returned when starting a subscriber after Close.
var ErrClosed = errors.New("feed: subscriber closed")

// Recorder receives subscription and derivation measurements.
type Recorder interface {
	FeedEvent(path string)
	FeedError(path string)
	Derivation(elapsed time.Duration, entities int)
}

type nopRecorder struct{}

func (nopRecorder) FeedEvent(string)              {}
func (nopRecorder) FeedError(string)              {}
func (nopRecorder) Derivation(time.Duration, int) {}

// snapshotCell holds the latest value of both feeds. Each write bumps
// version; a derivation always reads the cell as it is when it runs.
type snapshotCell struct {
	locations     *Snapshot
	status        *Snapshot
	haveLocations bool
	version       uint64
}

// FleetSubscriber keeps the merged entity list for the locations and status
// feeds. Store callbacks are posted to the scheduler; every method must be
// called on the scheduler's goroutine.
type FleetSubscriber struct {
	store         store.Store
	sched         runloop.Scheduler
	log           *slog.Logger
	rec           Recorder
	tracer        trace.Tracer
	locationsPath string
	statusPath    string
	onChange      func([]Entity)

	ctx     context.Context
	cell    snapshotCell
	gen     uint64
	unsubs  []store.Unsubscribe
	closed  bool
	derived uint64

	entities []Entity
	err      string
}

// FleetOption configures a FleetSubscriber.
type FleetOption func(*FleetSubscriber)

// WithPaths overrides the locations and status paths.
func WithPaths(locations, status string) FleetOption {
	return func(f *FleetSubscriber) {
		f.locationsPath = store.CleanPath(locations)
		f.statusPath = store.CleanPath(status)
	}
}

// WithOnChange registers a callback run after every derivation.
func WithOnChange(fn func([]Entity)) FleetOption {
	return func(f *FleetSubscriber) { f.onChange = fn }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) FleetOption {
	return func(f *FleetSubscriber) {
		if r != nil {
			f.rec = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FleetOption {
	return func(f *FleetSubscriber) {
		if l != nil {
			f.log = l
		}
	}
}

func NewFleetSubscriber(st store.Store, sched runloop.Scheduler, opts ...FleetOption) *FleetSubscriber {
	f := &FleetSubscriber{
		store:         st,
		sched:         sched,
		log:           slog.Default(),
		rec:           nopRecorder{},
		tracer:        otel.Tracer(tracerName),
		locationsPath: store.DefaultLocationsPath,
		statusPath:    store.DefaultStatusPath,
		ctx:           context.Background(),
		entities:      []Entity{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start subscribes to both feeds. Calling Start again replaces the current
// subscriptions; events still in flight from the old ones are dropped.
func (f *FleetSubscriber) Start(ctx context.Context) error {
	if f.closed {
		return ErrClosed
	}
	f.stop()
	f.ctx = ctx
	f.cell = snapshotCell{}
	gen := f.gen

	for _, path := range []string{f.locationsPath, f.statusPath} {
		unsub, err := f.store.Subscribe(ctx, path,
			func(raw []byte) {
				f.sched.Post(func() { f.handleValue(gen, path, raw) })
			},
			func(err error) {
				f.sched.Post(func() { f.handleError(gen, path, err) })
			},
		)
		if err != nil {
			f.stop()
			return fmt.Errorf("subscribe %s: %w", path, err)
		}
		f.unsubs = append(f.unsubs, unsub)
	}
	f.log.Info("fleet subscription started",
		slog.String("locations", f.locationsPath),
		slog.String("status", f.statusPath),
	)
	return nil
}

// Close releases both subscriptions. No callback runs afterwards.
func (f *FleetSubscriber) Close() {
	if f.closed {
		return
	}
	f.closed = true
	f.stop()
}

func (f *FleetSubscriber) stop() {
	f.gen++
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.unsubs = nil
}

func (f *FleetSubscriber) live(gen uint64) bool {
	return !f.closed && gen == f.gen
}

func (f *FleetSubscriber) handleValue(gen uint64, path string, raw []byte) {
	if !f.live(gen) {
		return
	}
	f.rec.FeedEvent(path)
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		// A malformed snapshot reads as absent, like null.
		f.log.Warn("discarding malformed snapshot", slog.String("path", path), slog.String("error", err.Error()))
		snap = nil
	}
	switch path {
	case f.locationsPath:
		f.cell.locations = snap
		f.cell.haveLocations = true
	case f.statusPath:
		f.cell.status = snap
	}
	f.cell.version++
	f.derive()
}

func (f *FleetSubscriber) handleError(gen uint64, path string, err error) {
	if !f.live(gen) {
		return
	}
	f.rec.FeedError(path)
	f.log.Warn("feed subscription error", slog.String("path", path), slog.String("error", err.Error()))
	f.err = err.Error()
	if f.onChange != nil {
		f.onChange(f.entities)
	}
}

func (f *FleetSubscriber) derive() {
	_, span := f.tracer.Start(f.ctx, "feed/derive")
	defer span.End()

	start := time.Now()
	f.entities = Merge(f.cell.locations, f.cell.status, f.sched.Now())
	f.derived = f.cell.version
	f.err = ""
	f.rec.Derivation(time.Since(start), len(f.entities))
	span.SetAttributes(
		attribute.Int("feed.locations", f.cell.locations.Len()),
		attribute.Int("feed.status", f.cell.status.Len()),
		attribute.Int("feed.entities", len(f.entities)),
		attribute.Int64("feed.version", int64(f.derived)),
	)
	if f.onChange != nil {
		f.onChange(f.entities)
	}
}

// Entities returns the latest derived list. Callers must not modify it.
func (f *FleetSubscriber) Entities() []Entity { return f.entities }

// Err returns the last subscription error, cleared by the next derivation.
func (f *FleetSubscriber) Err() string { return f.err }

// Loading reports whether the locations feed has not delivered yet.
func (f *FleetSubscriber) Loading() bool { return !f.cell.haveLocations }

// Version is the cell version the current list was derived from.
func (f *FleetSubscriber) Version() uint64 { return f.derived }
