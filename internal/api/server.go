package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onsite-data/position.report/internal/beacon"
	"github.com/onsite-data/position.report/internal/config"
	"github.com/onsite-data/position.report/internal/db"
	"github.com/onsite-data/position.report/internal/monitoring"
	"github.com/onsite-data/position.report/internal/track"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes tracker state, the beacon layout and the position archive
// over HTTP. The live store is the source of truth for current positions;
// the database only serves historical queries.
type Server struct {
	store      *track.Store
	registry   *beacon.Registry
	db         *db.DB
	hub        *Hub
	layoutPath string

	mu     sync.RWMutex
	layout *config.Layout
}

func NewServer(store *track.Store, registry *beacon.Registry, database *db.DB, hub *Hub, layoutPath string, layout *config.Layout) *Server {
	return &Server{
		store:      store,
		registry:   registry,
		db:         database,
		hub:        hub,
		layoutPath: layoutPath,
		layout:     layout,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack delegates to the underlying writer so the websocket upgrade works
// through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trackers", s.listTrackers)
	mux.HandleFunc("/api/trackers/", s.showTracker)
	mux.HandleFunc("/api/beacons", s.listBeacons)
	mux.HandleFunc("/api/map", s.showMap)
	mux.HandleFunc("/api/config/reload", s.reloadLayout)
	mux.HandleFunc("/debug/trail", s.trailChart)
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			serveWs(s.hub, w, r)
		})
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) listTrackers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snapshots := s.store.SnapshotAll(time.Now())
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write trackers")
		return
	}
}

// showTracker serves /api/trackers/{id} and /api/trackers/{id}/history.
func (s *Server) showTracker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/trackers/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing tracker id")
		return
	}

	switch sub {
	case "":
		tracker, ok := s.store.Get(id)
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown tracker %q", id))
			return
		}
		if err := json.NewEncoder(w).Encode(tracker.Snapshot(time.Now())); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to write tracker")
		}
	case "history":
		s.trackerHistory(w, r, id)
	default:
		s.writeJSONError(w, http.StatusNotFound, "Not found")
	}
}

// trackerHistory serves archived fixes from the database, newest first.
func (s *Server) trackerHistory(w http.ResponseWriter, r *http.Request, id string) {
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "Position archive not enabled")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 10000 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	fixes, err := s.db.RecentFixes(id, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve fixes: %v", err))
		return
	}
	if fixes == nil {
		fixes = []db.PositionFix{}
	}
	if err := json.NewEncoder(w).Encode(fixes); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write fixes")
	}
}

func (s *Server) listBeacons(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	response := map[string]interface{}{
		"propagationFactor": s.registry.PropagationFactor(),
		"beacons":           s.registry.All(),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write beacons")
	}
}

func (s *Server) showMap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.RLock()
	layout := s.layout
	s.mu.RUnlock()

	if layout == nil || layout.Map == nil {
		s.writeJSONError(w, http.StatusNotFound, "No map configured")
		return
	}
	if err := json.NewEncoder(w).Encode(layout.Map); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write map")
	}
}

// reloadLayout re-reads the layout file and swaps the registry atomically.
// A broken file leaves the running registry untouched.
func (s *Server) reloadLayout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.layoutPath == "" {
		s.writeJSONError(w, http.StatusNotFound, "No layout file configured")
		return
	}

	layout, err := config.LoadLayout(s.layoutPath)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Reload rejected: %v", err))
		return
	}
	beacons, err := layout.RegistryBeacons()
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Reload rejected: %v", err))
		return
	}

	s.registry.Reload(beacons, layout.Settings.GetSignalPropagationFactor())
	s.mu.Lock()
	s.layout = layout
	s.mu.Unlock()

	monitoring.Logf("layout reloaded: %d beacons, n=%v",
		s.registry.Len(), s.registry.PropagationFactor())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"beacons":           s.registry.Len(),
		"propagationFactor": s.registry.PropagationFactor(),
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"trackers": s.store.Len(),
		"beacons":  s.registry.Len(),
	})
}
