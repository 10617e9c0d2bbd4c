package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/repair-dispatch/internal/observability"
)

const headerRequestID = "X-Request-ID"

type ctxKey struct{}

// requestScope travels with each request so handlers and the access log
// share one logger tagged with the request id.
type requestScope struct {
	id     string
	logger *slog.Logger
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.withScope, s.recoverPanics, s.accessLog)
}

// withScope adopts the caller's X-Request-ID or mints one and echoes it back.
func (s *Server) withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = newID()
		}
		w.Header().Set(headerRequestID, id)
		sc := &requestScope{id: id, logger: s.logger.With("http_request_id", id)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sc)))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.loggerFor(r).Error("handler panic", "panic", rec, "route", routeTemplate(r))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog records one line and one metric sample per request. The actor
// headers are logged as sent; they are not authenticated here.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		code := strconv.Itoa(sw.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.loggerFor(r).Log(r.Context(), level, "http",
			"method", r.Method,
			"route", route,
			"request_id", mux.Vars(r)["id"],
			"actor_type", r.Header.Get(headerActorType),
			"actor_id", r.Header.Get(headerActorID),
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds(),
			"client", clientIP(r),
		)
	})
}

func (s *Server) loggerFor(r *http.Request) *slog.Logger {
	if sc, ok := r.Context().Value(ctxKey{}).(*requestScope); ok {
		return sc.logger
	}
	return s.logger
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack is needed for the /ws routes, which upgrade through this wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
