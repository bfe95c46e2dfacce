package camera

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // image.Decode 用
	_ "image/png"  // image.Decode 用
	"io"
	"net/http"
	"time"
)

// SnapshotFetcher は HTTP で静止画を1枚ずつ取得する
type SnapshotFetcher struct {
	cfg    SourceConfig
	client *http.Client
}

// NewSnapshotFetcher は設定から SnapshotFetcher を作成する
func NewSnapshotFetcher(cfg SourceConfig) (Fetcher, error) {
	return NewSnapshotFetcherWithClient(cfg, &http.Client{Timeout: 10 * time.Second})
}

// NewSnapshotFetcherWithClient は任意の http.Client を使う SnapshotFetcher を作成する
func NewSnapshotFetcherWithClient(cfg SourceConfig, client *http.Client) (Fetcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("スナップショットの取得にはURLが必要です")
	}
	return &SnapshotFetcher{cfg: cfg, client: client}, nil
}

// Fetch は静止画を1枚取得してデコードする
func (f *SnapshotFetcher) Fetch(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	if f.cfg.Username != "" {
		req.SetBasicAuth(f.cfg.Username, f.cfg.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("スナップショットの取得に失敗: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("スナップショットの取得に失敗: status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}
	return FrameFromImage(img, time.Now()), nil
}
