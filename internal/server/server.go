package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"edgecam/internal/agent"
	"edgecam/internal/camera"
	"edgecam/internal/config"
)

// Deliverer はサーバーから操作する配信機能
type Deliverer interface {
	Deliver(ctx context.Context) agent.Outcome
	Preview(ctx context.Context) (*camera.Frame, error)
}

// StatusFunc は現在の稼働状況を返す
type StatusFunc func() Status

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	log        *zap.Logger

	deliverer Deliverer
	status    StatusFunc

	mu      sync.Mutex
	baseCtx context.Context
	addr    net.Addr
}

// New は新しいServerインスタンスを作成する
func New(cfg config.ServerConfig, deliverer Deliverer, status StatusFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config:    cfg,
		engine:    engine,
		log:       logger,
		deliverer: deliverer,
		status:    status,
		baseCtx:   context.Background(),
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      exemptTriggerWriteDeadline(engine),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/frame", s.handleFrame)
	api.POST(triggerPath, s.handleTrigger)
}

const triggerPath = "/trigger"

// exemptTriggerWriteDeadline は手動トリガーの書き込み期限を外す
//
// 手動トリガーは配信が終わるまで応答しないため、再試行が続くと WriteTimeout を超える。
func exemptTriggerWriteDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api"+triggerPath {
			// httptest.ResponseRecorder は期限に対応しないので失敗は無視する
			_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		}
		next.ServeHTTP(w, r)
	})
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start はサーバーを起動し、ctx がキャンセルされるとシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.addr = ln.Addr()
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("HTTPサーバーを起動しています", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Addr は待ち受けているアドレスを返す。起動前は nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// requestLogger はリクエストごとに1行ログを出す
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
