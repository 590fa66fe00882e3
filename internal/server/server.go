// Package server is the HTTP control surface: health, metrics, REST session
// control, websocket push of session events, the overlay image and the MCP
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
	"github.com/kinetix-coach/internal/mcp"
	"github.com/kinetix-coach/internal/session"
)

// Controller is the session manager as seen by the HTTP handlers.
type Controller interface {
	mcp.Controller
	Subscribe() (<-chan session.Event, func())
}

// OverlaySource renders the current pose overlay.
type OverlaySource interface {
	Snapshot() *image.RGBA
}

type Options struct {
	Metrics      http.Handler
	Overlay      OverlaySource
	MCP          http.Handler
	StartTimeout time.Duration
}

type Server struct {
	ctrl     Controller
	opts     Options
	upgrader websocket.Upgrader
	router   chi.Router
}

func New(ctrl Controller, opts Options) *Server {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = time.Minute
	}
	s := &Server{
		ctrl:     ctrl,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.MCP != nil {
		r.Method(http.MethodGet, "/mcp/ws", opts.MCP)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/exercises", s.listExercises)
		r.Get("/overlay.png", s.overlay)
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.status)
			r.Post("/", s.start)
			r.Delete("/", s.end)
			r.Put("/microphone", s.toggle(s.ctrl.SetMicrophone))
			r.Put("/camera", s.toggle(s.ctrl.SetCamera))
			r.Get("/events", s.events)
		})
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) listExercises(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.ctrl.Exercises())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status()
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

type startRequest struct {
	Exercise string `json:"exercise"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Exercise == "" {
		Error(w, http.StatusBadRequest, "body must be {\"exercise\": \"<id>\"}")
		return
	}
	// the session outlives the request; only startup is bounded
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.StartTimeout)
	defer cancel()
	sess, err := s.ctrl.Start(ctx, req.Exercise)
	if err != nil {
		fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) end(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.End(); err != nil {
		fail(w, err)
		return
	}
	s.status(w, r)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) toggle(set func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			Error(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
			return
		}
		if err := set(*req.Enabled); err != nil {
			fail(w, err)
			return
		}
		s.status(w, r)
	}
}

func (s *Server) overlay(w http.ResponseWriter, r *http.Request) {
	if s.opts.Overlay == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	img := s.opts.Overlay.Snapshot()
	if img == nil || img.Bounds().Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		logging.Warnw("server: overlay encode failed", "err", err)
	}
}

// events streams session events as JSON text frames until the client goes
// away. The current status is sent first when there is a session.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("server: events upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	ch, cancel := s.ctrl.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if st, err := s.ctrl.Status(); err == nil {
		e := session.Event{Kind: session.EventStatus, SessionID: st.ID, State: st.State, Error: st.Error, At: time.Now()}
		if err := writeEvent(conn, e); err != nil {
			return
		}
	}
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(conn, e); err != nil {
				logging.Debugw("server: events client write failed", "err", err)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e session.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(e)
}

// fail maps engine errors onto HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coach.ErrUnknownExercise), errors.Is(err, coach.ErrNoActiveSession):
		status = http.StatusNotFound
	case errors.Is(err, coach.ErrAlreadyStarted), errors.Is(err, coach.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, coach.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, coach.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, coach.ErrConnectionFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	Error(w, status, err.Error())
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugw("server: response encode failed", "err", err)
	}
}

func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(began).Milliseconds(),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
