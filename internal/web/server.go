package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"image-shrinker/internal/backup"
	"image-shrinker/internal/batch"
	"image-shrinker/internal/config"
	"image-shrinker/internal/logger"
	"image-shrinker/internal/metrics"
	"image-shrinker/internal/policy"
	"image-shrinker/internal/statistics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Metrics
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	runID          string
	cancel         context.CancelFunc
	currentStats   *statistics.Statistics
	lastReport     *statistics.Report
	done           chan struct{}
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type ScanRequest struct {
	Directory string `json:"directory"`
}

type CompressRequest struct {
	Directory   string  `json:"directory"`
	DryRun      bool    `json:"dry_run"`
	ThresholdMB float64 `json:"threshold_mb,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
}

type RecompressRequest struct {
	Name        string  `json:"name"`
	Quality     int     `json:"quality,omitempty"`
	MaxWidth    int     `json:"max_width,omitempty"`
	ThresholdMB float64 `json:"threshold_mb,omitempty"`
}

type WSMessage struct {
	Type  string      `json:"type"`
	RunID string      `json:"run_id,omitempty"`
	Data  interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		log:          log,
		router:       mux.NewRouter(),
		wsClients:    make(map[*websocket.Conn]bool),
		currentStats: statistics.NewStatistics(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if cfg.Web.EnableMetrics {
		s.metrics = metrics.NewMetrics()
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/tiers", s.handleTiers).Methods("GET")
	api.HandleFunc("/scan", s.handleScan).Methods("POST")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/recompress", s.handleRecompress).Methods("POST")
	api.HandleFunc("/restore", s.handleRestore).Methods("POST")
	api.HandleFunc("/cleanup", s.handleCleanup).Methods("POST")
	api.HandleFunc("/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/results", s.handleResults).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if dir := s.cfg.Web.StaticDir; dir != "" {
		s.router.PathPrefix("/static/").Handler(
			http.StripPrefix("/static/", http.FileServer(http.Dir(dir))),
		)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop cancels a running batch and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.RLock()
	cancel := s.cancel
	s.operationMutex.RUnlock()
	if cancel != nil {
		cancel()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Wait blocks until the current run, if any, has finished.
func (s *Server) Wait() {
	s.operationMutex.RLock()
	done := s.done
	s.operationMutex.RUnlock()
	if done != nil {
		<-done
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	runID := s.runID
	stats := s.currentStats
	s.operationMutex.RUnlock()

	done, total := stats.Progress()
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running": running,
			"run_id":  runID,
			"done":    done,
			"total":   total,
			"summary": stats.Summary(),
		},
	})
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	ladder, err := s.cfg.PolicyTable()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"tiers":  ladder.Table().Tiers(),
			"ladder": ladder.Rungs(),
		},
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg, err := s.configFor(req.Directory)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	runner, err := batch.Build(cfg, s.log)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	results, err := runner.Scan(r.Context(), "")
	if err != nil {
		s.writeError(w, fmt.Sprintf("Scan failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    results,
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg, err := s.configFor(req.Directory)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg.Security.DryRun = cfg.Security.DryRun || req.DryRun
	if req.ThresholdMB > 0 {
		cfg.Retry.ThresholdMB = req.ThresholdMB
	}
	if req.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = req.MaxAttempts
	}

	runner, err := batch.Build(cfg, s.log)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.isRunning = true
	s.runID = uuid.NewString()
	s.cancel = cancel
	s.currentStats.Reset()
	s.done = make(chan struct{})
	runID := s.runID
	stats := s.currentStats
	done := s.done
	s.operationMutex.Unlock()

	go s.runCompressAsync(ctx, runID, cfg, runner, stats, done)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
		Data:    map[string]string{"run_id": runID},
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	cancel := s.cancel
	running := s.isRunning
	s.operationMutex.RUnlock()

	if !running || cancel == nil {
		s.writeError(w, "No operation in progress", http.StatusConflict)
		return
	}
	cancel()

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Stop requested",
	})
}

func (s *Server) handleRecompress(w http.ResponseWriter, r *http.Request) {
	var req RecompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		s.writeError(w, "Name is required", http.StatusBadRequest)
		return
	}
	if !s.acquire() {
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	defer s.release()

	var first *policy.Params
	if req.Quality > 0 || req.MaxWidth > 0 {
		if req.Quality < 1 || req.Quality > 100 || req.MaxWidth <= 0 {
			s.writeError(w, "quality must be 1-100 and max_width positive", http.StatusBadRequest)
			return
		}
		first = &policy.Params{Quality: req.Quality, MaxWidth: req.MaxWidth}
	}

	runner, err := batch.Build(s.cfg, s.log)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	threshold := int64(req.ThresholdMB * policy.BytesPerMB)
	if threshold == 0 {
		threshold = s.cfg.ThresholdBytes()
	}

	result, err := runner.Recompress(r.Context(), req.Name, first, threshold)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, backup.ErrMissingBackup):
			status = http.StatusNotFound
		case errors.Is(err, backup.ErrInvalidName):
			status = http.StatusBadRequest
		}
		s.writeError(w, err.Error(), status)
		return
	}
	if s.metrics != nil {
		s.metrics.OnAsset(0, 1, result)
	}
	s.broadcastWSMessage("asset_recompressed", "", result)
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    result,
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	defer s.release()

	bm := backup.NewManager(s.cfg.WorkingDirectory, s.cfg.BackupDirectory)
	n, err := bm.Restore()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backup.ErrMissingBackup) {
			status = http.StatusNotFound
		}
		s.writeError(w, err.Error(), status)
		return
	}

	s.log.WithField("files", n).Info("Working directory restored from backup")
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Restored %d files", n),
		Data:    map[string]int{"restored": n},
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if !s.acquire() {
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	defer s.release()

	cfg, err := s.configFor(req.Directory)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	runner, err := batch.Build(cfg, s.log)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	report, err := runner.Cleanup("")
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    report,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	report := s.lastReport
	s.operationMutex.RUnlock()

	if report == nil {
		s.writeError(w, "No run has finished yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    report,
	})
}

// handleResults returns the per-asset results of the current or last run.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	stats := s.currentStats
	s.operationMutex.RUnlock()

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    stats.Results(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) runCompressAsync(ctx context.Context, runID string, cfg *config.Config, runner *batch.Runner, stats *statistics.Statistics, done chan struct{}) {
	defer close(done)
	log := logger.WithRun(s.log, runID, "compress")

	s.broadcastWSMessage("compress_started", runID, map[string]interface{}{
		"directory": cfg.WorkingDirectory,
		"dry_run":   cfg.Security.DryRun,
	})

	runner.WithObserver(stats)
	if s.metrics != nil {
		runner.WithObserver(s.metrics)
		s.metrics.RunStarted()
	}
	runner.WithObserver(batch.ObserverFunc(func(index, total int, result batch.AssetResult) {
		s.broadcastWSMessage("asset_processed", runID, map[string]interface{}{
			"index":  index,
			"total":  total,
			"result": result,
		})
	}))
	runner.WithLogHook(func(level, message string) {
		s.broadcastWSMessage("log", runID, map[string]string{
			"level":   level,
			"message": message,
		})
	})

	results, err := runner.Run(ctx, "")
	stats.Finalize()
	if s.metrics != nil {
		s.metrics.RunFinished(err)
	}
	summary := statistics.Summarize(results, stats.Summary().Duration)
	report := statistics.NewReport(summary, results, cfg.Processing.BudgetMB)

	s.operationMutex.Lock()
	s.isRunning = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.lastReport = report
	s.operationMutex.Unlock()

	if err != nil {
		log.Errorf("Compression run failed: %v", err)
		s.broadcastWSMessage("compress_error", runID, map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}
	log.Info("Compression run finished")
	s.broadcastWSMessage("compress_completed", runID, map[string]interface{}{
		"summary": summary,
		"budget":  summary.BudgetVerdict(cfg.Processing.BudgetMB),
	})
}

// configFor returns a copy of the configuration pointed at directory.
func (s *Server) configFor(directory string) (*config.Config, error) {
	cfg := *s.cfg
	cfg.SupportedExtensions = append([]string(nil), s.cfg.SupportedExtensions...)

	if directory == "" {
		return &cfg, nil
	}
	directory = filepath.Clean(directory)
	if strings.Contains(directory, "..") {
		return nil, fmt.Errorf("invalid directory")
	}
	info, err := os.Stat(directory)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory does not exist: %s", directory)
	}

	if abs, _ := filepath.Abs(directory); abs != mustAbs(s.cfg.WorkingDirectory) {
		cfg.WorkingDirectory = directory
		cfg.BackupDirectory = ""
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// acquire takes the operation slot for a synchronous operation so no batch
// can start on the same tree until release.
func (s *Server) acquire() bool {
	s.operationMutex.Lock()
	defer s.operationMutex.Unlock()
	if s.isRunning {
		return false
	}
	s.isRunning = true
	return true
}

func (s *Server) release() {
	s.operationMutex.Lock()
	s.isRunning = false
	s.operationMutex.Unlock()
}

func (s *Server) broadcastWSMessage(messageType, runID string, data interface{}) {
	message := WSMessage{
		Type:  messageType,
		RunID: runID,
		Data:  data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
