package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/logging"
	"github.com/AaronLay10/SorterEngine/internal/mqtt"
	"github.com/AaronLay10/SorterEngine/internal/orchestrator"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/version"
)

const (
	defaultResultLimit = 100
	maxResultLimit     = 1000
	shutdownTimeout    = 5 * time.Second
)

// Sorter is the routing coordinator as seen by the API. *orchestrator.Coordinator implements it.
type Sorter interface {
	DebugSort(ctx context.Context, parcelID string, chuteID int64) (path.SortingResult, error)
	Result(parcelID string) (path.SortingResult, bool)
	Results() []path.SortingResult
	InFlight(parcelID string) (orchestrator.ParcelStatus, bool)
	InFlightParcels() []orchestrator.ParcelStatus
}

// OperatorControls is the operator-adjustable mode and safety state.
type OperatorControls interface {
	Snapshot() orchestrator.ControlsSnapshot
	SetMode(m orchestrator.Mode)
	SetState(s orchestrator.SystemState)
	SetFixedChute(chuteID int64)
	SetRoundRobinChutes(chutes []int64)
}

// DiverterLister reports diverter connectivity.
type DiverterLister interface {
	All() []mqtt.DiverterStatus
}

// ResultHistory reads persisted results.
type ResultHistory interface {
	RecentResults(ctx context.Context, limit int) ([]path.SortingResult, error)
}

// Options wires a Server. Diverters and History are optional.
type Options struct {
	Sorter    Sorter
	Controls  OperatorControls
	Diverters DiverterLister
	History   ResultHistory
	Logger    *zap.Logger
}

// Server serves the operator and monitoring HTTP API.
type Server struct {
	sorter    Sorter
	controls  OperatorControls
	diverters DiverterLister
	history   ResultHistory
	logger    *zap.Logger
}

// NewServer creates a server. Sorter and Controls are required.
func NewServer(opts Options) (*Server, error) {
	if opts.Sorter == nil || opts.Controls == nil {
		return nil, errors.New("api: sorter and controls are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sorter:    opts.Sorter,
		controls:  opts.Controls,
		diverters: opts.Diverters,
		history:   opts.History,
		logger:    logger,
	}, nil
}

// readiness tracks the dependencies reported by /ready.
var readiness = &readinessState{}

type readinessState struct {
	mu                sync.RWMutex
	orchestratorReady bool
	mqttConnected     bool
	mqttOptional      bool
	postgresConnected bool
	postgresOptional  bool
}

// SetOrchestratorReady marks the coordinator as able to accept parcels.
func SetOrchestratorReady(ready bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.orchestratorReady = ready
}

// SetMQTTState records broker connectivity. An optional dependency never blocks readiness.
func SetMQTTState(connected, optional bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.mqttConnected = connected
	readiness.mqttOptional = optional
}

// SetPostgresState records database connectivity.
func SetPostgresState(connected, optional bool) {
	readiness.mu.Lock()
	defer readiness.mu.Unlock()
	readiness.postgresConnected = connected
	readiness.postgresOptional = optional
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "sorter",
		Version:   version.Version,
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckStatus is the state of one readiness dependency.
type CheckStatus struct {
	Status   string `json:"status"`
	Optional bool   `json:"optional,omitempty"`
}

type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckStatus `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

func dependencyCheck(name string, connected, optional bool, reasons *[]string) CheckStatus {
	switch {
	case connected:
		return CheckStatus{Status: "ok", Optional: optional}
	case optional:
		return CheckStatus{Status: "unavailable", Optional: true}
	}
	*reasons = append(*reasons, name+" not connected")
	return CheckStatus{Status: "not_ready"}
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness.mu.RLock()
	orchestratorReady := readiness.orchestratorReady
	mqttConnected, mqttOptional := readiness.mqttConnected, readiness.mqttOptional
	pgConnected, pgOptional := readiness.postgresConnected, readiness.postgresOptional
	readiness.mu.RUnlock()

	var reasons []string
	checks := make(map[string]CheckStatus, 3)
	if orchestratorReady {
		checks["orchestrator"] = CheckStatus{Status: "ok"}
	} else {
		checks["orchestrator"] = CheckStatus{Status: "not_ready"}
		reasons = append(reasons, "coordinator not ready")
	}
	checks["mqtt"] = dependencyCheck("mqtt", mqttConnected, mqttOptional, &reasons)
	checks["postgres"] = dependencyCheck("postgres", pgConnected, pgOptional, &reasons)

	resp := ReadinessResponse{Ready: len(reasons) == 0, Checks: checks}
	status := http.StatusOK
	if !resp.Ready {
		resp.NotReadyMsg = strings.Join(reasons, "; ")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func eventsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, events.Snapshot())
}

type OperatorResponse struct {
	OK       bool                           `json:"ok"`
	Error    string                         `json:"error,omitempty"`
	Controls *orchestrator.ControlsSnapshot `json:"controls,omitempty"`
}

type ModeRequest struct {
	Mode             string  `json:"mode"`
	FixedChute       *int64  `json:"fixed_chute,omitempty"`
	RoundRobinChutes []int64 `json:"round_robin_chutes,omitempty"`
}

type StateRequest struct {
	State string `json:"state"`
}

func (s *Server) controlsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.controls.Snapshot()
	writeJSON(w, http.StatusOK, OperatorResponse{OK: true, Controls: &snap})
}

func (s *Server) operatorModeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, OperatorResponse{Error: "method not allowed"})
		return
	}

	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "invalid JSON"})
		return
	}
	mode, err := orchestrator.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: err.Error()})
		return
	}
	if req.FixedChute != nil && *req.FixedChute <= 0 {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "fixed_chute must be positive"})
		return
	}
	for _, c := range req.RoundRobinChutes {
		if c <= 0 {
			writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "round_robin_chutes must be positive"})
			return
		}
	}

	if req.FixedChute != nil {
		s.controls.SetFixedChute(*req.FixedChute)
	}
	if len(req.RoundRobinChutes) > 0 {
		s.controls.SetRoundRobinChutes(req.RoundRobinChutes)
	}
	s.controls.SetMode(mode)
	s.logger.Info("sorting mode changed", zap.String("mode", string(mode)))

	snap := s.controls.Snapshot()
	writeJSON(w, http.StatusOK, OperatorResponse{OK: true, Controls: &snap})
}

func (s *Server) operatorStateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, OperatorResponse{Error: "method not allowed"})
		return
	}

	var req StateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "invalid JSON"})
		return
	}
	state, err := orchestrator.ParseSystemState(req.State)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: err.Error()})
		return
	}

	// Clearing an emergency stop is an admin action.
	current := s.controls.Snapshot().State
	if current == orchestrator.StateEmergencyStop && state != orchestrator.StateEmergencyStop && authenticate(r) != RoleAdmin {
		writeJSON(w, http.StatusForbidden, OperatorResponse{Error: "admin role required to clear emergency stop"})
		return
	}

	s.controls.SetState(state)
	s.logger.Info("system state changed", zap.String("from", string(current)), zap.String("to", string(state)))

	snap := s.controls.Snapshot()
	writeJSON(w, http.StatusOK, OperatorResponse{OK: true, Controls: &snap})
}

type DebugSortRequest struct {
	ParcelID string `json:"parcel_id"`
	ChuteID  int64  `json:"chute_id"`
}

func (s *Server) debugSortHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, OperatorResponse{Error: "method not allowed"})
		return
	}

	var req DebugSortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "invalid JSON"})
		return
	}
	if req.ChuteID <= 0 {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "chute_id must be positive"})
		return
	}
	if req.ParcelID == "" {
		req.ParcelID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	res, err := s.sorter.DebugSort(r.Context(), req.ParcelID, req.ChuteID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("debug sort abandoned", zap.String("parcel_id", req.ParcelID), zap.Error(err))
			return
		}
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ParcelResponse is a completed result or the status of an in-flight parcel.
type ParcelResponse struct {
	Status string                     `json:"status"`
	Result *path.SortingResult        `json:"result,omitempty"`
	Parcel *orchestrator.ParcelStatus `json:"parcel,omitempty"`
}

func (s *Server) parcelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "parcel id required"})
		return
	}
	if res, ok := s.sorter.Result(id); ok {
		writeJSON(w, http.StatusOK, ParcelResponse{Status: "completed", Result: &res})
		return
	}
	if st, ok := s.sorter.InFlight(id); ok {
		writeJSON(w, http.StatusOK, ParcelResponse{Status: "in_flight", Parcel: &st})
		return
	}
	writeJSON(w, http.StatusNotFound, OperatorResponse{Error: "parcel not found"})
}

func (s *Server) inFlightHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sorter.InFlightParcels())
}

// resultsHandler lists recent results from memory, or from the result store
// with ?source=store.
func (s *Server) resultsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultResultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, OperatorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, maxResultLimit)
	}

	if r.URL.Query().Get("source") == "store" {
		if s.history == nil {
			writeJSON(w, http.StatusNotFound, OperatorResponse{Error: "no result store configured"})
			return
		}
		results, err := s.history.RecentResults(r.Context(), limit)
		if err != nil {
			s.logger.Error("read result history", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, OperatorResponse{Error: "result store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, results)
		return
	}

	results := s.sorter.Results()
	if len(results) > limit {
		results = results[:limit]
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) divertersHandler(w http.ResponseWriter, r *http.Request) {
	if s.diverters == nil {
		writeJSON(w, http.StatusOK, []mqtt.DiverterStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.diverters.All())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	level := logging.Level()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler)
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /events", RequireAnyRole(eventsHandler))
	mux.HandleFunc("GET /ws/events", RequireAnyRole(wsEventsHandler))
	mux.HandleFunc("GET /ui", RequireAnyRole(uiHandler))
	mux.HandleFunc("GET /operator/controls", RequireAnyRole(s.controlsHandler))
	mux.HandleFunc("/operator/mode", RequireAnyRole(s.operatorModeHandler))
	mux.HandleFunc("/operator/state", RequireAnyRole(s.operatorStateHandler))
	mux.HandleFunc("/debug/sort", RequireAdmin(s.debugSortHandler))
	mux.HandleFunc("/debug/log-level", RequireAdmin(level.ServeHTTP))
	mux.HandleFunc("GET /parcels", RequireAnyRole(s.inFlightHandler))
	mux.HandleFunc("GET /parcels/{id}", RequireAnyRole(s.parcelHandler))
	mux.HandleFunc("GET /results", RequireAnyRole(s.resultsHandler))
	mux.HandleFunc("GET /diverters", RequireAnyRole(s.divertersHandler))
	return mux
}

// ListenAndServe serves the API on port until ctx is done, then shuts down
// gracefully. TLS is used when InitTLS found a certificate.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg := LoadTLSConfig(); cfg != nil {
			srv.TLSConfig = cfg
			s.logger.Info("api listening", zap.String("addr", srv.Addr), zap.Bool("tls", true))
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		s.logger.Info("api listening", zap.String("addr", srv.Addr), zap.Bool("tls", false))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	events.CloseAllSubscribers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
