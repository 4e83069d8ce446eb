package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"

	"minicluster/internal/chaos"
	"minicluster/internal/cluster"
	"minicluster/internal/config"
	"minicluster/internal/events"
	"minicluster/internal/logger"
	"minicluster/internal/metrics"
	"minicluster/internal/process"
)

const defaultStatusInterval = time.Second

// Server はクラスタの状態を公開するAPIサーバー
type Server struct {
	addr           string
	cluster        *cluster.Cluster
	metrics        *metrics.Metrics
	monkey         *chaos.Monkey
	statusInterval time.Duration
	router         chi.Router

	mu        sync.Mutex
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// Option はサーバーの設定を変更する
type Option func(*Server)

// WithMetrics は /metrics で公開するメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithChaos は障害注入エンドポイントを有効にする
func WithChaos(m *chaos.Monkey) Option {
	return func(s *Server) { s.monkey = m }
}

// WithStatusInterval はWebSocketへのステータス配信間隔を設定する
func WithStatusInterval(d time.Duration) Option {
	return func(s *Server) { s.statusInterval = d }
}

// NewServer は新しいAPIサーバーを作成する
func NewServer(addr string, c *cluster.Cluster, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		cluster:        c,
		statusInterval: defaultStatusInterval,
		router:         chi.NewRouter(),
		wsClients:      make(map[*websocket.Conn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metricsMiddleware(s.metrics))
}

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/processes", s.handleProcesses)
		r.Post("/stop", s.handleStop)
		r.Post("/processes/{role}/{index}/kill", s.handleKill)
		if s.monkey != nil {
			r.Get("/chaos", s.handleChaosStats)
			r.Post("/chaos/{attack}", s.handleChaosAttack)
		}
	})

	s.router.Handle("/ws", websocket.Handler(s.handleWebSocket))
}

// Handler はルーターを返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start はサーバーを開始し、ctx がキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("", "API server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeWebSockets()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	State            string `json:"state"`
	Error            string `json:"error,omitempty"`
	InstanceName     string `json:"instance_name,omitempty"`
	ConnectString    string `json:"connect_string,omitempty"`
	Dir              string `json:"dir,omitempty"`
	Debug            bool   `json:"debug"`
	ProcessCount     int    `json:"process_count"`
	RunningProcesses int    `json:"running_processes"`
	Crashes          uint64 `json:"crashes"`
}

func (s *Server) status() StatusResponse {
	c := s.cluster
	resp := StatusResponse{
		State:            c.State().String(),
		InstanceName:     c.InstanceName(),
		ConnectString:    c.ConnectString(),
		Dir:              c.Dir(),
		Debug:            c.IsDebugEnabled(),
		ProcessCount:     len(c.Processes()),
		RunningProcesses: c.RunningCount(),
		Crashes:          c.CrashStats().TotalCrashes,
	}
	if err := c.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	state := s.cluster.State()
	status := http.StatusOK
	if state != cluster.StateRunning {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"state": state.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleProcesses(w http.ResponseWriter, _ *http.Request) {
	procs := s.cluster.Processes()
	if procs == nil {
		procs = []process.Info{}
	}
	s.writeJSON(w, http.StatusOK, procs)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.cluster.Stop(); err != nil {
		logger.Warn("", "Stop via API returned errors: %v", err)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	role, err := config.ParseServerType(chi.URLParam(r, "role"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("index must be a non-negative integer"))
		return
	}

	if err := s.cluster.KillProcess(role, index); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cluster.ErrNoSuchProcess) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handleChaosStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monkey.Stats())
}

func (s *Server) handleChaosAttack(w http.ResponseWriter, r *http.Request) {
	var attack chaos.AttackType
	switch chi.URLParam(r, "attack") {
	case "kill":
		attack = chaos.AttackKill
	case "suspend":
		attack = chaos.AttackSuspend
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("attack must be kill or suspend"))
		return
	}

	hit := s.monkey.Attack(attack)
	s.writeJSON(w, http.StatusOK, map[string]any{"attack": attack.String(), "targets": hit})
}

// wsMessage はWebSocketで配信するメッセージ
type wsMessage struct {
	Type   string          `json:"type"`
	Status *StatusResponse `json:"status,omitempty"`
	Event  *events.Event   `json:"event,omitempty"`
}

// handleWebSocket は接続ごとにイベントとステータスを配信する
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	bus := s.cluster.EventBus()
	ch := bus.Subscribe()

	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		bus.Unsubscribe(ch)
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	status := s.status()
	if err := websocket.JSON.Send(ws, wsMessage{Type: "status", Status: &status}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		var msg wsMessage
		select {
		case <-closed:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			msg = wsMessage{Type: "event", Event: &e}
		case <-ticker.C:
			status := s.status()
			msg = wsMessage{Type: "status", Status: &status}
		}
		if err := websocket.JSON.Send(ws, msg); err != nil {
			return
		}
	}
}

func (s *Server) closeWebSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ws := range s.wsClients {
		_ = ws.Close()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
