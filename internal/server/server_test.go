package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"edgecam/internal/agent"
	"edgecam/internal/camera"
	"edgecam/internal/config"
	"edgecam/internal/trigger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDeliverer struct {
	frame      *camera.Frame
	previewErr error
	outcome    agent.Outcome
	delay      time.Duration
	delivered  atomic.Int32
}

func (d *fakeDeliverer) Deliver(_ context.Context) agent.Outcome {
	time.Sleep(d.delay)
	d.delivered.Add(1)
	return d.outcome
}

func (d *fakeDeliverer) Preview(_ context.Context) (*camera.Frame, error) {
	if d.previewErr != nil {
		return nil, d.previewErr
	}
	return d.frame.Clone(), nil
}

func testFrame() *camera.Frame {
	pix := make([]byte, 4*2*3)
	for i := range pix {
		pix[i] = 200
	}
	return &camera.Frame{Pix: pix, Width: 4, Height: 2, Channels: 3}
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Enabled:      true,
		Host:         "127.0.0.1",
		Port:         0, // ランダムポートを使用
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func newTestServer(t *testing.T, d *fakeDeliverer) *Server {
	t.Helper()
	status := func() Status {
		return Status{
			Source:   camera.KindUSB,
			Triggers: map[string]trigger.Stats{trigger.SourceMQTT: {Connected: true, Received: 3}},
		}
	}
	return New(testServerConfig(), d, status, zaptest.NewLogger(t))
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := newTestServer(t, &fakeDeliverer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// 待ち受けを開始するまで待つ
	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("サーバーが起動しませんでした")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("HTTPリクエストでエラーが発生しました: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("予期しないステータスコード: got %d", resp.StatusCode)
	}

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestTriggerOutlivesWriteTimeout は WriteTimeout より長い配信でも応答が届くことをテストする
func TestTriggerOutlivesWriteTimeout(t *testing.T) {
	d := &fakeDeliverer{outcome: agent.OutcomeUploaded, delay: 300 * time.Millisecond}
	cfg := testServerConfig()
	cfg.WriteTimeout = 100 * time.Millisecond
	srv := New(cfg, d, func() Status { return Status{} }, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	defer func() {
		cancel()
		<-errCh
	}()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("サーバーが起動しませんでした")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(fmt.Sprintf("http://%s/api/trigger", srv.Addr()), "application/json", nil)
	if err != nil {
		t.Fatalf("書き込み期限を過ぎた応答が失われました: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d", resp.StatusCode)
	}
	var body TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.Outcome != agent.OutcomeUploaded {
		t.Errorf("outcome = %q, want %q", body.Outcome, agent.OutcomeUploaded)
	}
}

// TestServerStartInvalidAddress は待ち受けできないアドレスをテストする
func TestServerStartInvalidAddress(t *testing.T) {
	cfg := testServerConfig()
	cfg.Port = -1
	srv := New(cfg, &fakeDeliverer{}, nil, zaptest.NewLogger(t))
	if err := srv.Start(context.Background()); err == nil {
		t.Error("無効なアドレスでエラーが期待されました")
	}
}

// TestServerEndpoints はサーバーのエンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeDeliverer{frame: testFrame(), outcome: agent.OutcomeUploaded})

	testCases := []struct {
		name           string
		method         string
		endpoint       string
		expectedStatus int
	}{
		{"ヘルスチェックエンドポイント", http.MethodGet, "/health", http.StatusOK},
		{"ステータスエンドポイント", http.MethodGet, "/api/status", http.StatusOK},
		{"フレームエンドポイント", http.MethodGet, "/api/frame", http.StatusOK},
		{"トリガーエンドポイント", http.MethodPost, "/api/trigger", http.StatusOK},
		{"トリガーはGET不可", http.MethodGet, "/api/trigger", http.StatusNotFound},
		{"存在しないエンドポイント", http.MethodGet, "/api/cameras", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(srv, tc.method, tc.endpoint)
			if rec.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", rec.Code, tc.expectedStatus)
			}
		})
	}
}

// TestStatusEndpoint はステータスの内容をテストする
func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeDeliverer{})

	rec := serve(srv, http.MethodGet, "/api/status")
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("応答の解析に失敗しました: %v", err)
	}
	if st.Status != "running" {
		t.Errorf("status: got %q", st.Status)
	}
	if st.Source != camera.KindUSB {
		t.Errorf("source: got %q", st.Source)
	}
	if st.Triggers[trigger.SourceMQTT].Received != 3 {
		t.Errorf("triggers: got %+v", st.Triggers)
	}
	if st.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

// TestFrameEndpoint はフレームの配信をテストする
func TestFrameEndpoint(t *testing.T) {
	t.Run("PNGを返す", func(t *testing.T) {
		srv := newTestServer(t, &fakeDeliverer{frame: testFrame()})
		rec := serve(srv, http.MethodGet, "/api/frame")

		if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("content type: got %q", ct)
		}
		img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
		if err != nil {
			t.Fatalf("PNGの解析に失敗しました: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
			t.Errorf("size: got %dx%d", b.Dx(), b.Dy())
		}
	})

	t.Run("フレームが無い", func(t *testing.T) {
		srv := newTestServer(t, &fakeDeliverer{previewErr: agent.ErrNoFrame})
		rec := serve(srv, http.MethodGet, "/api/frame")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status: got %d", rec.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("応答の解析に失敗しました: %v", err)
		}
		if body.Error != "no_frame" {
			t.Errorf("error: got %q", body.Error)
		}
	})

	t.Run("取得に失敗", func(t *testing.T) {
		srv := newTestServer(t, &fakeDeliverer{previewErr: errors.New("camera offline")})
		rec := serve(srv, http.MethodGet, "/api/frame")
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status: got %d", rec.Code)
		}
	})
}

// TestTriggerEndpoint は手動トリガーの結果とステータスコードをテストする
func TestTriggerEndpoint(t *testing.T) {
	testCases := []struct {
		outcome agent.Outcome
		status  int
	}{
		{agent.OutcomeUploaded, http.StatusOK},
		{agent.OutcomeNoFrame, http.StatusServiceUnavailable},
		{agent.OutcomeRecoveryFailed, http.StatusServiceUnavailable},
		{agent.OutcomeCredentialUnavailable, http.StatusServiceUnavailable},
		{agent.OutcomeUploadFailed, http.StatusBadGateway},
		{agent.OutcomeFetchFailed, http.StatusBadGateway},
		{agent.OutcomePanic, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(string(tc.outcome), func(t *testing.T) {
			d := &fakeDeliverer{outcome: tc.outcome}
			srv := newTestServer(t, d)
			rec := serve(srv, http.MethodPost, "/api/trigger")

			if rec.Code != tc.status {
				t.Errorf("status: got %d, want %d", rec.Code, tc.status)
			}
			var body TriggerResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("応答の解析に失敗しました: %v", err)
			}
			if body.Outcome != tc.outcome {
				t.Errorf("outcome: got %q", body.Outcome)
			}
			if d.delivered.Load() != 1 {
				t.Errorf("deliver should be called exactly once: got %d", d.delivered.Load())
			}
		})
	}
}
