// Package api exposes the tracker's command and telemetry surface over
// HTTP/JSON. The handlers only translate between the wire format and
// tracker commands; all sequencing rules live in the tracker itself.
package api

import (
	"encoding/json"
	"errors"
	"image/png"
	"math"
	"net/http"
	"time"

	"github.com/signalsfoundry/star-tracker/internal/imagestore"
	"github.com/signalsfoundry/star-tracker/internal/logging"
	"github.com/signalsfoundry/star-tracker/internal/observability"
	"github.com/signalsfoundry/star-tracker/model"
	"github.com/signalsfoundry/star-tracker/tracker"
)

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     logging.Logger
}

// NewServer wires the tracker command surface onto addr.
func NewServer(addr string, tr *tracker.Tracker, store *imagestore.Store, metrics *observability.TrackerCollector, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Noop()
	}
	h := &handlers{tracker: tr, store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	mux.HandleFunc("GET /api/v1/telemetry", h.telemetry)
	mux.HandleFunc("POST /api/v1/state", h.setState)
	mux.HandleFunc("POST /api/v1/settings", h.setSettings)
	mux.HandleFunc("POST /api/v1/capture", h.captureOnce)
	mux.HandleFunc("POST /api/v1/reset", h.reset)
	mux.HandleFunc("GET /api/v1/frames/latest", h.latestFrame)

	handler := loggingMiddleware(logger)(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control
// (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

// Handler returns the assembled handler, used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type handlers struct {
	tracker *tracker.Tracker
	store   *imagestore.Store
}

type solutionPayload struct {
	Valid          bool      `json:"valid"`
	Reason         string    `json:"reason,omitempty"`
	RADeg          float64   `json:"ra_deg"`
	DecDeg         float64   `json:"dec_deg"`
	RollDeg        float64   `json:"roll_deg"`
	RMSResidualDeg float64   `json:"rms_residual_deg"`
	Inliers        int       `json:"inliers"`
	Timestamp      time.Time `json:"timestamp"`
}

type settingsPayload struct {
	IntervalMs int64 `json:"interval_ms"`
	Images     int   `json:"images"`
	SaveFrames bool  `json:"save_frames"`
}

type telemetryPayload struct {
	State        string          `json:"state"`
	StateReason  string          `json:"state_reason,omitempty"`
	Cycles       uint64          `json:"cycles"`
	StoredFrames int             `json:"stored_frames"`
	LastCapture  *time.Time      `json:"last_capture,omitempty"`
	Settings     settingsPayload `json:"settings"`
	Solution     solutionPayload `json:"solution"`
}

func (h *handlers) telemetry(w http.ResponseWriter, _ *http.Request) {
	snap := h.tracker.Snapshot()
	out := telemetryPayload{
		State:        snap.State.String(),
		StateReason:  snap.StateReason,
		Cycles:       snap.Cycles,
		StoredFrames: snap.StoredFrames,
		Settings: settingsPayload{
			IntervalMs: snap.Settings.Interval.Milliseconds(),
			Images:     snap.Settings.Images,
			SaveFrames: snap.Settings.SaveFrames,
		},
		Solution: solutionPayload{
			Valid:          snap.Solution.Valid,
			Reason:         snap.Solution.Reason,
			RADeg:          degrees(snap.Solution.RA),
			DecDeg:         degrees(snap.Solution.Dec),
			RollDeg:        degrees(snap.Solution.Roll),
			RMSResidualDeg: degrees(snap.Solution.RMSResidual),
			Inliers:        snap.Solution.Inliers,
			Timestamp:      snap.Solution.Timestamp,
		},
	}
	if !snap.LastCapture.IsZero() {
		out.LastCapture = &snap.LastCapture
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) setState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := model.ParseSolverState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.tracker.RequestState(r.Context(), target); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": target.String()})
}

func (h *handlers) setSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	settings := model.CaptureSettings{
		Interval:   time.Duration(req.IntervalMs) * time.Millisecond,
		Images:     req.Images,
		SaveFrames: req.SaveFrames,
	}
	if err := h.tracker.UpdateSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handlers) captureOnce(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.CaptureOnce(r.Context()); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"captured": true})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Reset(r.Context()); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": model.StateStandby.String()})
}

func (h *handlers) latestFrame(w http.ResponseWriter, _ *http.Request) {
	frame, ok := h.store.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no frames captured")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, frame.Image); err != nil {
		// Headers are gone; nothing useful left to send.
		return
	}
}

// commandStatus maps a rejected tracker command to an HTTP status:
// sequencing violations are conflicts, everything else is internal.
func commandStatus(err error) int {
	if errors.Is(err, tracker.ErrInvalidTransition) || errors.Is(err, tracker.ErrNotStandby) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			log := logger.Info
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				log = logger.Debug
			}
			log(r.Context(), "request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", sr.statusCode),
				logging.Any("duration_ms", time.Since(start).Milliseconds()),
				logging.String("remote_ip", r.RemoteAddr),
			)
		})
	}
}
