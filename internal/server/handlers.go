package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"edgecam/internal/agent"
	"edgecam/internal/camera"
	"edgecam/internal/grabber"
	"edgecam/internal/mvi"
	"edgecam/internal/trigger"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Status は稼働状況の応答
type Status struct {
	Status     string                   `json:"status"`
	Source     camera.SourceKind        `json:"source"`
	Loop       *grabber.SupervisorStats `json:"loop,omitempty"`
	Session    mvi.SessionState         `json:"session"`
	Deliveries agent.Stats              `json:"deliveries"`
	Triggers   map[string]trigger.Stats `json:"triggers"`
	Timestamp  time.Time                `json:"timestamp"`
}

// TriggerResponse は手動トリガーの応答
type TriggerResponse struct {
	Outcome   agent.Outcome `json:"outcome"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func errorJSON(c *gin.Context, code int, kind, message string) {
	c.JSON(code, ErrorResponse{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, Status{Status: "running", Timestamp: time.Now()})
		return
	}
	st := s.status()
	if st.Status == "" {
		st.Status = "running"
	}
	st.Timestamp = time.Now()
	c.JSON(http.StatusOK, st)
}

// handleFrame は現在アップロードされるはずのフレームを PNG で返す
func (s *Server) handleFrame(c *gin.Context) {
	frame, err := s.deliverer.Preview(c.Request.Context())
	if errors.Is(err, agent.ErrNoFrame) {
		errorJSON(c, http.StatusServiceUnavailable, "no_frame", "有効なフレームがありません")
		return
	}
	if err != nil {
		s.log.Warn("フレームの取得に失敗", zap.Error(err))
		errorJSON(c, http.StatusBadGateway, "fetch_failed", err.Error())
		return
	}

	data, err := camera.EncodePNG(frame)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", data)
}

// handleTrigger は手動で1回配信する
//
// 配信はサーバーの実行コンテキストで行い、クライアントの切断では中断しない。
func (s *Server) handleTrigger(c *gin.Context) {
	s.log.Info("手動トリガーを受信しました", zap.String("remote", c.ClientIP()))
	out := s.deliverer.Deliver(s.runContext())
	c.JSON(triggerStatus(out), TriggerResponse{Outcome: out, Timestamp: time.Now()})
}

func triggerStatus(out agent.Outcome) int {
	switch out {
	case agent.OutcomeUploaded:
		return http.StatusOK
	case agent.OutcomeUploadFailed, agent.OutcomeFetchFailed:
		return http.StatusBadGateway
	case agent.OutcomePanic:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}
