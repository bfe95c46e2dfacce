package mvi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/retry"
)

type authRequest struct {
	GrantType string `json:"grant_type"`
	Password  string `json:"password"`
	User      string `json:"user"`
}

type authResponse struct {
	Token string `json:"token"`
}

// SessionState は認証状態のスナップショット
type SessionState struct {
	Authenticated bool      `json:"authenticated"`
	LastAuthAt    time.Time `json:"last_auth_at"`
	LastPingAt    time.Time `json:"last_ping_at"`
	Reauths       uint64    `json:"reauths"`
	PingFailures  uint64    `json:"ping_failures"`
	LastError     string    `json:"last_error,omitempty"`
}

// Session は認証トークンを保持し、期限切れを検出したら取り直す
//
// トークンの有効期限は追跡しない。失効はキープアライブの 401 で知る。
type Session struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger

	mu         sync.RWMutex
	token      string
	lastErr    error
	lastAuthAt time.Time
	lastPingAt time.Time

	reauths      atomic.Uint64
	pingFailures atomic.Uint64
}

// NewSession は Session を作成する
func NewSession(cfg Config, client *http.Client, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{cfg: cfg, client: client, log: logger}
}

// Authenticate は再試行付きでトークンを取得して保持する
//
// 全ての試行が失敗した場合は保持しているトークンを破棄し、以後 Token はエラーを返す。
func (s *Session) Authenticate(ctx context.Context) (string, error) {
	var token string
	policy := retry.Policy{
		Attempts: s.cfg.AuthAttempts,
		Backoff: retry.Exponential{
			Multiplier: time.Second,
			Min:        s.cfg.AuthMinBackoff,
			Max:        s.cfg.AuthMaxBackoff,
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.log.Warn("認証に失敗、再試行します",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		t, err := s.authenticateOnce(ctx)
		if err != nil {
			return err
		}
		token = t
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.token = ""
		s.lastErr = err
		return "", fmt.Errorf("認証に失敗: %w", err)
	}
	s.token = token
	s.lastErr = nil
	s.lastAuthAt = time.Now()
	s.log.Info("認証に成功しました")
	return token, nil
}

func (s *Session) authenticateOnce(ctx context.Context) (string, error) {
	body, err := json.Marshal(authRequest{
		GrantType: "password",
		Password:  s.cfg.Password,
		User:      s.cfg.Username,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SessionURL(), bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("リクエストの作成に失敗: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAccept, "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("認証リクエストに失敗: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readError(resp)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("認証応答の解析に失敗: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("認証応答にトークンが含まれていません")
	}
	return out.Token, nil
}

// Token は現在のトークンを返す。認証が失敗している場合はエラーを返す
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		if s.lastErr != nil {
			return "", fmt.Errorf("%w: %v", ErrNoCredential, s.lastErr)
		}
		return "", ErrNoCredential
	}
	return s.token, nil
}

// Ping はキープアライブを1回送る
//
// 401 の場合はトークンを取り直す。それ以外の失敗はエラーとして返すだけで状態は変えない。
func (s *Session) Ping(ctx context.Context) error {
	token, err := s.Token()
	if err != nil {
		return s.reauthenticate(ctx, err)
	}

	err = s.ping(ctx, token)
	if errors.Is(err, ErrUnauthorized) {
		return s.reauthenticate(ctx, err)
	}
	if err != nil {
		s.pingFailures.Add(1)
		return err
	}

	s.mu.Lock()
	s.lastPingAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) reauthenticate(ctx context.Context, cause error) error {
	s.log.Warn("セッションが失効したため再認証します", zap.Error(cause))
	s.reauths.Add(1)
	if _, err := s.Authenticate(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Session) ping(ctx context.Context, token string) error {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.KeepAliveURL(), nil)
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set(HeaderToken, token)
	req.Header.Set(HeaderAccept, "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("キープアライブに失敗: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}
	return nil
}

// KeepAlive は ctx がキャンセルされるまで interval ごとに Ping を送る
//
// interval は毎回呼び出すので、設定の再読み込みが次の周期から反映される。
func (s *Session) KeepAlive(ctx context.Context, interval func() time.Duration) {
	for {
		if err := retry.Sleep(ctx, interval()); err != nil {
			return
		}
		if err := s.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("キープアライブに失敗", zap.Error(err))
			continue
		}
		s.log.Info("キープアライブに成功しました")
	}
}

// State は認証状態を返す
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SessionState{
		Authenticated: s.token != "",
		LastAuthAt:    s.lastAuthAt,
		LastPingAt:    s.lastPingAt,
		Reauths:       s.reauths.Load(),
		PingFailures:  s.pingFailures.Load(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
