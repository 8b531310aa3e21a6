package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"bus-tracker/internal/feed"
	"bus-tracker/internal/observability"
	"bus-tracker/internal/runloop"
	"bus-tracker/internal/tracker"
	"bus-tracker/internal/view"
)

// trackSession is one track-by-id connection. All fields are owned by the
// loop goroutine.
type trackSession struct {
	s      *Server
	client *client
	sub    *feed.EntitySubscriber
	track  *tracker.Track
	camera *view.Camera
	frame  runloop.Handle
	last   []byte
	closed bool
}

func (s *Server) newTrackSession(c *client) *trackSession {
	sess := &trackSession{s: s, client: c}
	sess.sub = feed.NewEntitySubscriber(s.opts.Store, s.opts.Loop,
		feed.WithEntityPath(s.opts.EntityPath),
		feed.WithEntityLogger(s.log.With(slog.String("client", c.id))),
		feed.WithEntityRecorder(s.opts.Metrics),
		feed.WithEntityOnChange(sess.onState),
	)
	return sess
}

func (sess *trackSession) onState(st feed.EntityState) {
	if sess.closed {
		return
	}
	switch {
	case st.Fix == nil:
		sess.dropTrack()
	case sess.track == nil:
		e := fixEntity(st)
		sess.track = tracker.NewTrack(sess.s.opts.Loop, e, sess.s.opts.Tracker, sess.scheduleRender)
		cam := view.FlyTo(e.Lat, e.Lng, view.TrackZoom, view.TrackDuration)
		sess.camera = &cam
	default:
		sess.track.Update(fixEntity(st))
	}
	sess.scheduleRender()
}

func fixEntity(st feed.EntityState) feed.Entity {
	return feed.Entity{
		ID:        st.ID,
		Name:      st.ID,
		Lat:       st.Fix.Lat,
		Lng:       st.Fix.Lng,
		Timestamp: st.Fix.Timestamp,
		Online:    true,
	}
}

func (sess *trackSession) dropTrack() {
	if sess.track != nil {
		sess.track.Close()
		sess.track = nil
	}
}

func (sess *trackSession) scheduleRender() {
	if sess.closed || sess.frame != nil {
		return
	}
	sess.frame = sess.s.opts.Loop.RequestFrame(func(time.Time) {
		sess.frame = nil
		sess.render()
	})
}

func (sess *trackSession) render() {
	st := sess.sub.State()
	msg := trackMessage{
		Type:    "track",
		ID:      st.ID,
		Loading: st.Loading,
		Error:   st.Err,
		Camera:  sess.camera,
	}
	if sess.track != nil {
		m := sess.track.Marker()
		msg.Marker = &m
	}
	data := mustJSON(msg)
	if bytes.Equal(data, sess.last) {
		return
	}
	if !sess.client.enqueue(data) {
		sess.scheduleRender()
		return
	}
	sess.last = data
	sess.camera = nil
}

func (sess *trackSession) close() {
	if sess.closed {
		return
	}
	sess.closed = true
	sess.sub.Close()
	sess.dropTrack()
	if sess.frame != nil {
		sess.frame.Cancel()
		sess.frame = nil
	}
	delete(sess.s.sessions, sess)
}

func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	id, err := feed.NormalizeID(r.PathValue("id"))
	if err != nil {
		msg := err.Error()
		if errors.Is(err, feed.ErrEmptyID) {
			msg = feed.MsgEmptyID
		}
		writeJSON(w, http.StatusBadRequest, errorMessage{Type: "error", Error: msg})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", slog.String("error", err.Error()))
		return
	}
	c := newClient(conn, observability.StreamTrack, s.opts.SendBuffer, s.opts.Metrics)

	var sess *trackSession
	err = s.do(r.Context(), func() {
		if s.closed {
			return
		}
		sess = s.newTrackSession(c)
		s.sessions[sess] = struct{}{}
		if err := sess.sub.Track(s.ctx, id); err != nil {
			s.log.Warn("track subscribe failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	})
	if err != nil || sess == nil {
		c.close()
		return
	}
	s.opts.Metrics.ClientConnected(c.stream)
	s.log.Info("track client connected", slog.String("client", c.id), slog.String("id", id))

	go writePump(c)
	go readPump(c, s.log,
		func(data []byte) { s.handleTrackMessage(sess, data) },
		func() {
			s.opts.Loop.Post(sess.close)
			s.opts.Metrics.ClientDisconnected(c.stream)
			s.log.Info("track client disconnected", slog.String("client", c.id))
		},
	)
}

// handleTrackMessage switches the tracked id: {"type":"track","id":"BB2"}.
func (s *Server) handleTrackMessage(sess *trackSession, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "track" {
		sess.client.enqueue(mustJSON(errorMessage{Type: "error", Error: "invalid message"}))
		return
	}
	_ = s.doTimeout(func() {
		if sess.closed {
			return
		}
		// Errors surface through the session state.
		_ = sess.sub.Track(s.ctx, msg.ID)
		sess.scheduleRender()
	})
}

func parseLatLng(latRaw, lngRaw string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("invalid lat %q", latRaw)
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil || math.IsNaN(lng) || lng < -180 || lng > 180 {
		return 0, 0, fmt.Errorf("invalid lng %q", lngRaw)
	}
	return lat, lng, nil
}
