package mvi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/camera"
	"edgecam/internal/retry"
)

// アップロードするファイルの属性
const (
	UploadField       = "file"
	UploadFilename    = "captured_frame.png"
	UploadContentType = "image/png"
)

// Uploader はフレームを PNG にして multipart/form-data で送る
type Uploader struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

// NewUploader は Uploader を作成する
func NewUploader(cfg Config, client *http.Client, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{cfg: cfg, client: client, log: logger}
}

// Destination はアップロード先の URL を返す
func (u *Uploader) Destination() string {
	return u.cfg.UploadURL()
}

// Upload はフレームを送信する。失敗した場合は固定間隔で再試行する
//
// token は呼び出し時点のトークンで、再試行中に差し替えない。
func (u *Uploader) Upload(ctx context.Context, frame *camera.Frame, token string) error {
	data, err := camera.EncodePNG(frame)
	if err != nil {
		return err
	}

	policy := retry.Policy{
		Attempts:  u.cfg.UploadAttempts,
		Backoff:   retry.Fixed(u.cfg.UploadBackoff),
		Retryable: isRetryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			u.log.Warn("アップロードに失敗、再試行します",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}

	return retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return u.post(ctx, data, token)
	})
}

func (u *Uploader) post(ctx context.Context, data []byte, token string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, UploadField, UploadFilename))
	header.Set("Content-Type", UploadContentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return retry.Permanent(fmt.Errorf("multipartの作成に失敗: %w", err))
	}
	if _, err := part.Write(data); err != nil {
		return retry.Permanent(fmt.Errorf("multipartの書き込みに失敗: %w", err))
	}
	if err := mw.Close(); err != nil {
		return retry.Permanent(fmt.Errorf("multipartの作成に失敗: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Destination(), &body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("リクエストの作成に失敗: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderToken, token)
	req.Header.Set(HeaderAccept, "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("アップロードリクエストに失敗: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}

	u.log.Info("フレームをアップロードしました", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(data)))
	return nil
}
