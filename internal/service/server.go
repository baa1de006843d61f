package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/veluv01/AcoustiVision/internal/models"
	"github.com/veluv01/AcoustiVision/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	historyQueryTimeout = 5 * time.Second
)

// Server 状态查询和 WebSocket 推送的 HTTP 服务
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// StatusResponse GET /status 响应
type StatusResponse struct {
	Connected int                      `json:"connected"`
	Total     int                      `json:"total"`
	WSClients int                      `json:"ws_clients"`
	Devices   []models.SessionSnapshot `json:"devices"`
}

// ReadingsResponse GET /readings 响应
type ReadingsResponse struct {
	Kind     models.PeripheralKind      `json:"kind"`
	Readings []repository.StoredReading `json:"readings"`
}

// ReadingHistory 最近读数查询（由 repository.ReadingRepository 实现）
type ReadingHistory interface {
	ListRecent(ctx context.Context, kind models.PeripheralKind, limit int) ([]repository.StoredReading, error)
}

// StatusSource 连接状态来源
type StatusSource interface {
	Snapshots() []models.SessionSnapshot
}

// WSHub WebSocket 端点
type WSHub interface {
	http.Handler
	ClientCount() int
}

// Router HTTP 路由：/status、/readings、/ws
type Router struct {
	status  StatusSource
	history ReadingHistory
	hub     WSHub
	logger  *zap.Logger
}

// NewRouter 创建路由；history 为 nil 时 /readings 返回 503
func NewRouter(status StatusSource, history ReadingHistory, hub WSHub, logger *zap.Logger) http.Handler {
	rt := &Router{
		status:  status,
		history: history,
		hub:     hub,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", rt.handleStatus)
	mux.HandleFunc("/readings", rt.handleReadings)
	mux.Handle("/ws", hub)
	return mux
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	snaps := rt.status.Snapshots()
	rt.writeJSON(w, http.StatusOK, StatusResponse{
		Connected: countConnected(snaps),
		Total:     len(snaps),
		WSClients: rt.hub.ClientCount(),
		Devices:   snaps,
	})
}

// handleReadings GET /readings?kind=acoustic&limit=100，按时间倒序
func (rt *Router) handleReadings(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if rt.history == nil {
		rt.writeError(w, http.StatusServiceUnavailable, "reading history is disabled")
		return
	}

	q := r.URL.Query()
	kind, err := models.ParseKind(q.Get("kind"))
	if err != nil {
		rt.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			rt.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), historyQueryTimeout)
	defer cancel()
	readings, err := rt.history.ListRecent(ctx, kind, limit)
	if err != nil {
		rt.logger.Error("Failed to list readings", zap.String("kind", kind.String()), zap.Error(err))
		rt.writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}
	if readings == nil {
		readings = []repository.StoredReading{}
	}

	rt.writeJSON(w, http.StatusOK, ReadingsResponse{Kind: kind, Readings: readings})
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.logger.Warn("Failed to write response", zap.Int("status", status), zap.Error(err))
	}
}

func (rt *Router) writeError(w http.ResponseWriter, status int, message string) {
	rt.writeJSON(w, status, map[string]string{"error": message})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, logger: logger}
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func countConnected(snaps []models.SessionSnapshot) int {
	n := 0
	for _, s := range snaps {
		if s.Connected {
			n++
		}
	}
	return n
}
