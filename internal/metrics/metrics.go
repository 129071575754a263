// Package metrics serves the HTTP surface: Prometheus-style metrics, the
// dashboard model as JSON, ledger range queries and the live event stream.
package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/link"
	"github.com/doridoridoriand/envmon/internal/log"
	"github.com/doridoridoriand/envmon/internal/reading"
	"github.com/doridoridoriand/envmon/internal/state"
)

// RangeReader returns ledger rows within an inclusive time range.
type RangeReader interface {
	ReadRange(start, end time.Time) ([]reading.Reading, error)
}

// WindowReader returns the live window oldest first.
type WindowReader interface {
	Snapshot() []reading.Reading
}

// EventStream upgrades requests to a live event feed.
type EventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Clients() int
}

// Sources are the read-only views the server reports on. Nil fields are
// skipped.
type Sources struct {
	Store      state.Store
	Window     WindowReader
	Ledger     RangeReader
	Thresholds *alert.Thresholds
	Stream     EventStream
	LinkStats  func() link.Stats
	Dropped    func() uint64
	Logger     *log.Logger
	Location   *time.Location
}

// Server exposes the HTTP endpoints.
type Server struct {
	src Sources
}

// NewServer constructs a metrics server.
func NewServer(src Sources) *Server {
	if src.Logger == nil {
		src.Logger = log.Nop()
	}
	if src.Location == nil {
		src.Location = time.Local
	}
	return &Server{src: src}
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", s.metrics)
	r.Get("/status", s.status)
	r.Get("/window", s.window)
	r.Get("/readings", s.readings)
	if s.src.Stream != nil {
		r.Get("/events", s.src.Stream.ServeWS)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.src.Logger.Debug("http request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	s.writeMetrics(bw)
}

func (s *Server) writeMetrics(w *bufio.Writer) {
	if s.src.Store != nil {
		writeSnapshot(w, s.src.Store.Snapshot())
	}
	if s.src.Thresholds != nil {
		low, high := s.src.Thresholds.Get()
		writeThreshold(w, "low", low)
		writeThreshold(w, "high", high)
	}
	if s.src.LinkStats != nil {
		writeLinkStats(w, s.src.LinkStats())
	}
	if s.src.Dropped != nil {
		fmt.Fprintf(w, "envmon_relay_dropped_total %d\n", s.src.Dropped())
	}
	if s.src.Stream != nil {
		fmt.Fprintf(w, "envmon_stream_clients %d\n", s.src.Stream.Clients())
	}
}

func writeSnapshot(w *bufio.Writer, snap state.Snapshot) {
	labels := fmt.Sprintf(`session="%s"`, escapeLabel(snap.Session))
	up := 0
	if snap.Connection == string(link.StateConnected) {
		up = 1
	}
	fmt.Fprintf(w, "envmon_link_up{%s} %d\n", labels, up)
	alerting := 0
	if snap.Alert == alert.StateAlert {
		alerting = 1
	}
	fmt.Fprintf(w, "envmon_alert_active{%s} %d\n", labels, alerting)
	if snap.HasReading {
		fmt.Fprintf(w, "envmon_temperature_celsius{%s} %g\n", labels, snap.Latest.Temperature)
		fmt.Fprintf(w, "envmon_humidity_percent{%s} %g\n", labels, snap.Latest.Humidity)
		fmt.Fprintf(w, "envmon_last_reading_timestamp_seconds{%s} %d\n", labels, snap.Latest.Time.Unix())
	}
	fmt.Fprintf(w, "envmon_readings_total{%s} %d\n", labels, snap.Ingested)
	fmt.Fprintf(w, "envmon_persistence_failures_total{%s} %d\n", labels, snap.PersistenceFailures)
	fmt.Fprintf(w, "envmon_invalid_thresholds_total{%s} %d\n", labels, snap.InvalidThresholds)
	fmt.Fprintf(w, "envmon_alert_transitions_total{%s} %d\n", labels, snap.Transitions)
	fmt.Fprintf(w, "envmon_status_changes_total{%s} %d\n", labels, snap.StatusChanges)
}

// Unparseable thresholds are reported as absent.
func writeThreshold(w *bufio.Writer, bound, raw string) {
	var v float64
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%g", &v); err != nil {
		return
	}
	fmt.Fprintf(w, "envmon_alert_threshold_celsius{bound=\"%s\"} %g\n", escapeLabel(bound), v)
}

func writeLinkStats(w *bufio.Writer, stats link.Stats) {
	fmt.Fprintf(w, "envmon_link_lines_dropped_total %d\n", stats.DroppedLines)
	fmt.Fprintf(w, "envmon_link_open_failures_total %d\n", stats.OpenFailures)
	fmt.Fprintf(w, "envmon_link_reconnects_total %d\n", stats.Reconnects)
}

func escapeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return value
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.src.Store == nil {
		http.Error(w, "no state", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.src.Store.Snapshot())
}

func (s *Server) window(w http.ResponseWriter, r *http.Request) {
	if s.src.Window == nil {
		writeJSON(w, []reading.Reading{})
		return
	}
	writeJSON(w, nonNil(s.src.Window.Snapshot()))
}

// readings serves ledger rows filtered by optional start and end query
// parameters, each in "2006-01-02 15:04:05" or RFC 3339 form.
func (s *Server) readings(w http.ResponseWriter, r *http.Request) {
	if s.src.Ledger == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	start, err := parseBound(r.URL.Query().Get("start"), s.src.Location)
	if err != nil {
		http.Error(w, "invalid start: "+err.Error(), http.StatusBadRequest)
		return
	}
	end, err := parseBound(r.URL.Query().Get("end"), s.src.Location)
	if err != nil {
		http.Error(w, "invalid end: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		http.Error(w, "end is before start", http.StatusBadRequest)
		return
	}

	rows, err := s.src.Ledger.ReadRange(start, end)
	if err != nil {
		s.src.Logger.LogError("metrics", err, map[string]interface{}{"path": r.URL.Path})
		http.Error(w, "ledger read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, nonNil(rows))
}

func parseBound(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(reading.TimeLayout, value, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func nonNil(rows []reading.Reading) []reading.Reading {
	if rows == nil {
		return []reading.Reading{}
	}
	return rows
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Serve starts an HTTP server on addr and blocks until context
// cancellation. maxConns caps concurrent connections when positive.
func Serve(ctx context.Context, addr string, maxConns int, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}
}
