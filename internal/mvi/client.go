// Package mvi は推論サーバー（MVI Edge）とのセッション管理と画像アップロードを担う
package mvi

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ヘッダー名
const (
	HeaderToken  = "mvie-controller"
	HeaderAccept = "accept"
)

var (
	// ErrUnauthorized はトークンが失効していることを表す
	ErrUnauthorized = errors.New("認証トークンが失効しています")
	// ErrNoCredential は有効なトークンが無いことを表す
	ErrNoCredential = errors.New("有効な認証トークンがありません")
)

// StatusError は2xx以外の応答
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable は再試行して意味のある応答かを返す
//
// 4xx は 408 と 429 を除いて再試行しない。
func (e *StatusError) Retryable() bool {
	if e.Code >= 400 && e.Code < 500 {
		return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
	}
	return true
}

// isRetryable は StatusError 以外（通信エラーなど）を再試行対象とする
func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Config は MVI への接続設定
type Config struct {
	Endpoint string // ホスト名（スキーム無し）。例: mvi.example.com:443
	Username string
	Password string
	DeviceID string

	CACertFile     string        // 空の場合は証明書を検証しない
	RequestTimeout time.Duration // 1リクエストあたりのタイムアウト

	AuthAttempts   int
	AuthMinBackoff time.Duration
	AuthMaxBackoff time.Duration

	UploadAttempts int
	UploadBackoff  time.Duration
}

// DefaultConfig はデフォルト値を埋めた設定を返す
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		AuthAttempts:   5,
		AuthMinBackoff: 4 * time.Second,
		AuthMaxBackoff: 10 * time.Second,
		UploadAttempts: 3,
		UploadBackoff:  2 * time.Second,
	}
}

func (c Config) baseURL() string {
	return "https://" + strings.TrimSuffix(c.Endpoint, "/")
}

// SessionURL は認証 API の URL
func (c Config) SessionURL() string {
	return c.baseURL() + "/users/sessions"
}

// KeepAliveURL はセッション延長 API の URL
func (c Config) KeepAliveURL() string {
	return c.baseURL() + "/users/sessions/keepalive"
}

// UploadURL は画像アップロード API の URL
func (c Config) UploadURL() string {
	return c.baseURL() + "/devices/images?uuid=" + url.QueryEscape(c.DeviceID)
}

// NewHTTPClient は CA 証明書を設定した http.Client を作成する
//
// caFile が空の場合はサーバー証明書を検証しない。
func NewHTTPClient(caFile string, timeout time.Duration, logger *zap.Logger) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile == "" {
		logger.Warn("CA証明書が指定されていないため、サーバー証明書を検証しません")
		tlsConfig.InsecureSkipVerify = true // #nosec G402 CA未指定時の明示的な動作
	} else {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("CA証明書の読み込みに失敗: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA証明書の解析に失敗: %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// readError は応答本文の先頭を StatusError に詰める
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
