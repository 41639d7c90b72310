// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/internal/backtester"
	"github.com/atlas-desktop/wf-validator/internal/data"
	"github.com/atlas-desktop/wf-validator/internal/metrics"
	"github.com/atlas-desktop/wf-validator/internal/simulator"
	"github.com/atlas-desktop/wf-validator/internal/storage"
	"github.com/atlas-desktop/wf-validator/internal/timeseries"
	"github.com/atlas-desktop/wf-validator/pkg/types"
	"github.com/atlas-desktop/wf-validator/pkg/utils"
)

// RunStatus is the lifecycle state of a run started through the API
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRequest starts a walk-forward run. Omitted sections fall back to the
// server's configured run settings.
type RunRequest struct {
	Symbol       string                   `json:"symbol" default:"BTCUSDT" validate:"required"`
	Interval     string                   `json:"interval" default:"1h" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	Mode         types.Mode               `json:"mode" validate:"omitempty,oneof=fixed optimize"`
	Strategy     string                   `json:"strategy"`
	FixedParams  map[string]any           `json:"fixedParams"`
	WalkForward  *types.WalkForwardConfig `json:"walkForward"`
	Selection    *types.SelectionConfig   `json:"selection"`
	Optimizer    *types.OptimizerConfig   `json:"optimizer"`
	Objectives   []types.Objective        `json:"objectives" validate:"omitempty,dive"`
	Constraints  []types.Constraint       `json:"constraints" validate:"omitempty,dive"`
	HistoryStart *int                     `json:"historyStart" validate:"omitempty,gte=0"`
	HistoryEnd   *int                     `json:"historyEnd" validate:"omitempty,gte=0"`
}

// PreviewRequest asks for the window layout over a symbol's history
type PreviewRequest struct {
	Symbol      string                  `json:"symbol" default:"BTCUSDT" validate:"required"`
	Interval    string                  `json:"interval" default:"1h" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	WalkForward types.WalkForwardConfig `json:"walkForward"`
}

// PreviewWindow is one planned window with its boundary timestamps
type PreviewWindow struct {
	Window types.Window      `json:"window"`
	Times  types.WindowTimes `json:"times"`
}

// RunState tracks a run started through the API
type RunState struct {
	ID        string             `json:"id"`
	Symbol    string             `json:"symbol"`
	Interval  string             `json:"interval"`
	Mode      types.Mode         `json:"mode"`
	Status    RunStatus          `json:"status"`
	Started   time.Time          `json:"started"`
	Completed *time.Time         `json:"completed,omitempty"`
	Progress  *types.RunProgress `json:"progress,omitempty"`
	Error     string             `json:"error,omitempty"`

	report *types.RunReport
	cancel context.CancelFunc
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithRetryPolicy sets the persistence retry policy handed to each run
func WithRetryPolicy(cfg utils.RetryConfig) ServerOption {
	return func(s *Server) { s.retry = cfg }
}

// WithCollector exposes metrics on /metrics and records run metrics
func WithCollector(c *metrics.Collector) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	base       types.ValidationConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	stopHub    context.CancelFunc
	dataStore  *data.Store
	store      storage.Store
	metrics    *metrics.Collector
	retry      utils.RetryConfig
	runs       map[string]*RunState
	wg         sync.WaitGroup
}

// NewServer creates a new API server. base supplies every run setting a
// request leaves out.
func NewServer(logger *zap.Logger, config *types.ServerConfig, base types.ValidationConfig, dataStore *data.Store, store storage.Store, opts ...ServerOption) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}
	server := &Server{
		logger:    logger,
		config:    config,
		base:      base,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		dataStore: dataStore,
		store:     store,
		retry:     utils.DefaultRetryConfig(),
		runs:      make(map[string]*RunState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server.stopHub = cancel
	go server.hub.Run(ctx)

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/runs", s.handleStartRun).Methods("POST")
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/report", s.handleGetReport).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/cancel", s.handleCancelRun).Methods("POST")
	s.router.HandleFunc("/api/v1/windows/preview", s.handlePreview).Methods("POST")
	s.router.HandleFunc("/api/v1/data/{symbol}/quality", s.handleDataQuality).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router returns the HTTP handler, for embedding and tests
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return srv.ListenAndServe()
}

// Stop cancels running runs, waits for them to finish and shuts the
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, state := range s.runs {
		if state.Status == RunStatusRunning {
			state.cancel()
		}
	}
	srv := s.httpServer
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Runs still active at shutdown")
	}

	s.stopHub()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	active := 0
	for _, state := range s.runs {
		if state.Status == RunStatusRunning {
			active++
		}
	}
	s.mu.RUnlock()

	resp := map[string]interface{}{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"activeRuns": active,
		"clients":    s.hub.ClientCount(),
	}
	if b, ok := s.store.(*storage.BreakerStore); ok {
		resp["storage"] = b.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartRun validates the request and starts a run in the background
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if errs := readAndValidateRequest(r, &req); errs != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	cfg := s.runConfig(&req)
	if err := cfg.Check(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": validationErrors(err)})
		return
	}

	series, ok := s.loadSeries(w, r, req.Symbol, req.Interval, cfg.WalkForward.Timezone)
	if !ok {
		return
	}

	id := uuid.New().String()
	hs, he := -1, -1
	if req.HistoryStart != nil {
		hs = *req.HistoryStart
	}
	if req.HistoryEnd != nil {
		he = *req.HistoryEnd
	}

	progress := make(chan types.RunProgress, 64)
	wf, err := backtester.NewWalkForward(
		s.logger.With(zap.String("run", id)),
		cfg,
		simulator.NewMACross(cfg.Portfolio),
		s.store,
		backtester.WithProgress(progress),
		backtester.WithMetrics(s.metrics),
		backtester.WithRetry(s.retry),
		backtester.WithStudyID(id),
		backtester.WithHistory(hs, he),
	)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": validationErrors(err)})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &RunState{
		ID:       id,
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Mode:     cfg.Mode,
		Status:   RunStatusRunning,
		Started:  time.Now(),
		cancel:   cancel,
	}

	s.mu.Lock()
	s.runs[id] = state
	s.mu.Unlock()

	forwarded := make(chan struct{})
	s.wg.Add(2)
	go s.forwardProgress(id, progress, forwarded)
	go s.execute(ctx, cancel, wf, series, state, progress, forwarded)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      id,
		"status":  RunStatusRunning,
		"started": state.Started.Unix(),
	})
}

// runConfig overlays the request on the server's base run settings
func (s *Server) runConfig(req *RunRequest) types.ValidationConfig {
	cfg := s.base
	if req.Mode != "" {
		cfg.Mode = req.Mode
	}
	if req.Strategy != "" {
		cfg.Strategy = req.Strategy
	}
	if req.FixedParams != nil {
		cfg.FixedParams = req.FixedParams
	}
	if req.WalkForward != nil {
		cfg.WalkForward = *req.WalkForward
	}
	if req.Selection != nil {
		cfg.Selection = *req.Selection
	}
	if req.Optimizer != nil {
		cfg.Optimizer = *req.Optimizer
	}
	if len(req.Objectives) > 0 {
		cfg.Objectives = req.Objectives
	}
	if len(req.Constraints) > 0 {
		cfg.Constraints = req.Constraints
	}
	return cfg
}

// execute runs wf and publishes completion after every progress event
func (s *Server) execute(ctx context.Context, cancel context.CancelFunc, wf *backtester.WalkForward, series *timeseries.Series, state *RunState, progress chan types.RunProgress, forwarded <-chan struct{}) {
	defer s.wg.Done()
	defer cancel()

	report, err := wf.Run(ctx, series)
	close(progress)
	<-forwarded

	now := time.Now()
	s.mu.Lock()
	state.Completed = &now
	state.report = report
	switch {
	case err == nil:
		state.Status = RunStatusCompleted
	case errors.Is(err, context.Canceled):
		state.Status = RunStatusCancelled
		state.Error = err.Error()
	default:
		state.Status = RunStatusFailed
		state.Error = err.Error()
	}
	status := state.Status
	s.mu.Unlock()

	if err != nil && status == RunStatusFailed {
		s.logger.Error("Run failed", zap.String("id", state.ID), zap.Error(err))
	}

	event := map[string]interface{}{"id": state.ID, "status": status}
	if report != nil {
		event["windows"] = len(report.Windows)
		event["efficiency"] = report.Efficiency
	}
	s.hub.PublishRun(state.ID, MsgTypeRunComplete, event)
}

func (s *Server) forwardProgress(id string, progress <-chan types.RunProgress, forwarded chan<- struct{}) {
	defer s.wg.Done()
	defer close(forwarded)
	for ev := range progress {
		ev := ev
		s.mu.Lock()
		if state, ok := s.runs[id]; ok {
			state.Progress = &ev
		}
		s.mu.Unlock()
		s.hub.PublishRun(id, MsgTypeProgress, ev)
	}
}

// handleListRuns returns every tracked run
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	runs := make([]RunState, 0, len(s.runs))
	for _, state := range s.runs {
		runs = append(runs, *state)
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// handleGetRun returns a run's status
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	var snapshot RunState
	if ok {
		snapshot = *state
	}
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleGetReport returns the final report of a run, falling back to the
// persisted report for runs this process no longer tracks
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	var (
		report *types.RunReport
		status RunStatus
	)
	if ok {
		report, status = state.report, state.Status
	}
	s.mu.RUnlock()

	if ok {
		if status == RunStatusRunning {
			writeError(w, http.StatusConflict, "run not complete")
			return
		}
		if report != nil {
			writeJSON(w, http.StatusOK, report)
			return
		}
	}

	rs, isReportStore := s.store.(storage.ReportStore)
	if !isReportStore {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	report, err := rs.LoadReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCancelRun cancels a running run
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	running := ok && state.Status == RunStatusRunning
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if !running {
		writeError(w, http.StatusConflict, "run not running")
		return
	}

	state.cancel()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": "cancelling",
	})
}

// handlePreview plans the windows of a layout without simulating
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if errs := readAndValidateRequest(r, &req); errs != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	series, ok := s.loadSeries(w, r, req.Symbol, req.Interval, req.WalkForward.Timezone)
	if !ok {
		return
	}
	if series.Len() == 0 {
		writeError(w, http.StatusUnprocessableEntity, "series is empty")
		return
	}

	splitter, err := backtester.NewSplitter(series, 0, series.Len()-1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": validationErrors(err)})
		return
	}
	windows, skipped, err := splitter.Plan(backtester.LayoutFromConfig(req.WalkForward), req.WalkForward.Step(), req.WalkForward.Anchored)
	if err != nil {
		if errors.Is(err, types.ErrConfig) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": validationErrors(err)})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out := make([]PreviewWindow, len(windows))
	for i, win := range windows {
		out[i] = PreviewWindow{Window: win, Times: backtester.WindowTimes(series, win)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"windows": out,
		"skipped": skipped,
		"count":   len(out),
		"bars":    series.Len(),
	})
}

// handleDataQuality checks a symbol's series for gaps and bad bars
func (s *Server) handleDataQuality(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	if _, err := data.IntervalDuration(interval); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	series, ok := s.loadSeries(w, r, symbol, interval, r.URL.Query().Get("timezone"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, data.NewQualityChecker(s.logger).Check(series))
}

func (s *Server) loadSeries(w http.ResponseWriter, r *http.Request, symbol, interval, tz string) (*timeseries.Series, bool) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"errors": []ValidationError{{Code: "ERR_CONFIG", Field: "timezone", Message: err.Error()}},
			})
			return nil, false
		}
		loc = l
	}

	series, err := s.dataStore.Load(r.Context(), symbol, interval, loc)
	if err != nil {
		if errors.Is(err, data.ErrNoData) {
			writeError(w, http.StatusNotFound, err.Error())
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return series, true
}

// handleWebSocket upgrades the connection and registers the client
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
