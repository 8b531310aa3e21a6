// Package server exposes the tracker over HTTP: a fleet websocket stream,
// a track-by-id stream, JSON lookups and the static map page.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/feed"
	"bus-tracker/internal/observability"
	"bus-tracker/internal/runloop"
	"bus-tracker/internal/store"
	"bus-tracker/internal/tracker"
	"bus-tracker/internal/view"
)

// FallbackMessage replaces any response whose handler panicked.
const FallbackMessage = "Something went wrong. Please reload the page."

// Loop is the event loop that owns all tracker state.
type Loop interface {
	runloop.Scheduler
	Do(ctx context.Context, fn func()) error
}

type Options struct {
	Store   store.Store
	Loop    Loop
	Log     *slog.Logger
	Metrics *observability.Collector
	Tracker tracker.Config

	LocationsPath string
	StatusPath    string
	EntityPath    string
	StaticDir     string
	SendBuffer    int
}

// Server wires the feed subscribers to the websocket clients. Fields below
// hub are owned by the loop goroutine.
type Server struct {
	opts Options
	log  *slog.Logger
	hub  *hub

	ctx         context.Context
	fleetSub    *feed.FleetSubscriber
	fleet       *tracker.Fleet
	entities    []feed.Entity
	renderFrame runloop.Handle
	lastFrame   []byte
	sessions    map[*trackSession]struct{}
	closed      bool
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 8
	}
	if opts.LocationsPath == "" {
		opts.LocationsPath = store.DefaultLocationsPath
	}
	if opts.StatusPath == "" {
		opts.StatusPath = store.DefaultStatusPath
	}
	if opts.EntityPath == "" {
		opts.EntityPath = feed.DefaultEntityPath
	}
	s := &Server{
		opts:     opts,
		log:      opts.Log,
		hub:      newHub(opts.Metrics, opts.Log),
		ctx:      context.Background(),
		entities: []feed.Entity{},
		sessions: make(map[*trackSession]struct{}),
	}
	s.fleet = tracker.NewFleet(opts.Loop, opts.Tracker, s.scheduleRender)
	s.fleetSub = feed.NewFleetSubscriber(opts.Store, opts.Loop,
		feed.WithPaths(opts.LocationsPath, opts.StatusPath),
		feed.WithRecorder(opts.Metrics),
		feed.WithLogger(opts.Log),
		feed.WithOnChange(s.applyEntities),
	)
	return s
}

// Start subscribes to the fleet feeds. ctx bounds every store
// subscription the server opens, including track-by-id ones.
func (s *Server) Start(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() {
		s.ctx = ctx
		err = s.fleetSub.Start(ctx)
	}); derr != nil {
		return derr
	}
	return err
}

// Close tears down subscriptions, animations and connections.
func (s *Server) Close(ctx context.Context) error {
	err := s.do(ctx, func() {
		s.closed = true
		s.fleetSub.Close()
		s.fleet.Close()
		if s.renderFrame != nil {
			s.renderFrame.Cancel()
			s.renderFrame = nil
		}
		for sess := range s.sessions {
			sess.close()
		}
	})
	s.hub.closeAll()
	return err
}

// Handler returns the HTTP routes behind the panic boundary.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return recoverer(s.log, withLogging(s.log, mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	m := s.opts.Metrics
	mux.Handle("GET /api/health", m.Middleware("/api/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})))
	mux.Handle("GET /api/buses", m.Middleware("/api/buses", http.HandlerFunc(s.handleBuses)))
	mux.Handle("GET /api/buses/nearest", m.Middleware("/api/buses/nearest", http.HandlerFunc(s.handleNearest)))
	mux.HandleFunc("GET /ws", s.handleFleetWS)
	mux.HandleFunc("GET /ws/track/{id}", s.handleTrackWS)
	mux.HandleFunc("GET /ws/track/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, errorMessage{Type: "error", Error: feed.MsgEmptyID})
	})
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	if s.opts.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

// do runs fn on the loop. A panic inside fn is re-raised on the calling
// goroutine so the loop keeps running and the HTTP boundary handles it.
func (s *Server) do(ctx context.Context, fn func()) error {
	var panicked any
	err := s.opts.Loop.Do(ctx, func() {
		defer func() { panicked = recover() }()
		fn()
	})
	if err != nil {
		return err
	}
	if panicked != nil {
		panic(panicked)
	}
	return nil
}

// doTimeout is do for websocket messages, which have no request context.
func (s *Server) doTimeout(fn func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return s.do(ctx, fn)
}

func (s *Server) applyEntities(entities []feed.Entity) {
	if s.closed {
		return
	}
	s.entities = entities
	s.fleet.Apply(entities)
}

func (s *Server) scheduleRender() {
	if s.closed || s.renderFrame != nil {
		return
	}
	s.renderFrame = s.opts.Loop.RequestFrame(func(time.Time) {
		s.renderFrame = nil
		s.render()
	})
}

// render broadcasts the fleet frame when it differs from the last one.
func (s *Server) render() {
	data, err := json.Marshal(s.frame())
	if err != nil {
		s.log.Error("marshal frame", slog.String("error", err.Error()))
		return
	}
	s.opts.Metrics.SetStale(s.fleet.StaleCount())
	if bytes.Equal(data, s.lastFrame) {
		return
	}
	s.lastFrame = data
	s.hub.broadcast(data)
}

func (s *Server) frame() frameMessage {
	return frameMessage{
		Type:    "frame",
		Loading: s.fleetSub.Loading(),
		Error:   s.fleetSub.Err(),
		Markers: s.fleet.Markers(),
		Summary: view.Summarize(s.entities, s.opts.Loop.Now(), s.staleThreshold()),
	}
}

func (s *Server) staleThreshold() time.Duration {
	if s.opts.Tracker.StaleThreshold > 0 {
		return s.opts.Tracker.StaleThreshold
	}
	return tracker.DefaultConfig().StaleThreshold
}

func (s *Server) handleFleetWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", slog.String("error", err.Error()))
		return
	}
	c := newClient(conn, observability.StreamFleet, s.opts.SendBuffer, s.opts.Metrics)
	sel := &view.Selection{}

	err = s.do(r.Context(), func() {
		s.hub.add(c)
		if s.lastFrame == nil {
			s.lastFrame, _ = json.Marshal(s.frame())
		}
		// Send the current state so the map can render at once.
		c.enqueue(s.lastFrame)
	})
	if err != nil {
		c.close()
		return
	}
	s.opts.Metrics.ClientConnected(c.stream)
	s.log.Info("fleet client connected", slog.String("client", c.id))

	go writePump(c)
	go readPump(c, s.log,
		func(data []byte) { s.handleFleetMessage(c, sel, data) },
		func() {
			s.hub.remove(c)
			s.opts.Metrics.ClientDisconnected(c.stream)
			s.log.Info("fleet client disconnected", slog.String("client", c.id))
		},
	)
}

func (s *Server) handleFleetMessage(c *client, sel *view.Selection, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(mustJSON(errorMessage{Type: "error", Error: "invalid message"}))
		return
	}
	switch msg.Type {
	case "select":
		var reply []byte
		err := s.doTimeout(func() {
			cam, ok := sel.Select(msg.ID, s.entities)
			if !ok {
				reply = mustJSON(errorMessage{Type: "error", Error: "unknown bus " + msg.ID})
				return
			}
			reply = mustJSON(cameraMessage{Type: "camera", ID: msg.ID, Camera: cam})
		})
		if err == nil {
			c.enqueue(reply)
		}
	case "clear":
		_ = s.doTimeout(sel.Clear)
	default:
		c.enqueue(mustJSON(errorMessage{Type: "error", Error: "unknown message type " + msg.Type}))
	}
}

func (s *Server) handleBuses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	var resp busesResponse
	if err := s.do(r.Context(), func() {
		resp = busesResponse{
			Loading: s.fleetSub.Loading(),
			Error:   s.fleetSub.Err(),
			Summary: view.Summarize(s.entities, s.opts.Loop.Now(), s.staleThreshold()),
			Buses:   view.Search(s.entities, q),
		}
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, lng, err := parseLatLng(r.URL.Query().Get("lat"), r.URL.Query().Get("lng"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorMessage{Type: "error", Error: err.Error()})
		return
	}
	var (
		near view.Nearby
		ok   bool
	)
	if err := s.do(r.Context(), func() {
		near, ok = view.Nearest(s.entities, lat, lng)
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorMessage{Type: "error", Error: "no buses online"})
		return
	}
	writeJSON(w, http.StatusOK, nearestResponse{
		Bus:            near.Entity,
		DistanceMeters: near.DistanceMeters,
		DistanceKm:     near.DistanceKm(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func withLogging(log *slog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", id),
		)
		h.ServeHTTP(w, r)
	})
}

// recoverer contains handler panics to the request that raised them.
func recoverer(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			log.Error("handler panic",
				slog.String("path", r.URL.Path),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			http.Error(w, FallbackMessage, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
