package mvi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edgecam/internal/camera"
	"edgecam/internal/retry"
)

const testDeviceID = "16c02770-ca42-4404-b9b4-f07419414f4d"

// fakeMVI は認証・キープアライブ・アップロードを模したサーバー
type fakeMVI struct {
	mu           sync.Mutex
	tokens       []string // 発行するトークン
	issued       int
	valid        string
	authFailures int // 先頭から失敗させる認証回数
	authCalls    atomic.Int32
	pingCalls    atomic.Int32
	uploadCalls  atomic.Int32
	uploadStatus []int // 呼び出しごとの応答（尽きたら 200）
	lastUpload   *http.Request
	lastFile     []byte
	lastAuth     authRequest
}

func (f *fakeMVI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/sessions", func(w http.ResponseWriter, r *http.Request) {
		n := f.authCalls.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.lastAuth)
		if int(n) <= f.authFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		tok := "token-default"
		if f.issued < len(f.tokens) {
			tok = f.tokens[f.issued]
		}
		f.issued++
		f.valid = tok
		_ = json.NewEncoder(w).Encode(authResponse{Token: tok})
	})
	mux.HandleFunc("/users/sessions/keepalive", func(w http.ResponseWriter, r *http.Request) {
		f.pingCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Header.Get(HeaderToken) != f.valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/devices/images", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.uploadCalls.Add(1))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastUpload = r
		if file, _, err := r.FormFile(UploadField); err == nil {
			f.lastFile, _ = io.ReadAll(file)
		} else {
			t.Errorf("missing form file: %v", err)
		}
		if n <= len(f.uploadStatus) {
			w.WriteHeader(f.uploadStatus[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestServer(t *testing.T, f *fakeMVI) (*httptest.Server, Config) {
	ts := httptest.NewTLSServer(f.handler(t))
	t.Cleanup(ts.Close)

	cfg := DefaultConfig()
	cfg.Endpoint = strings.TrimPrefix(ts.URL, "https://")
	cfg.Username = "edge"
	cfg.Password = "secret"
	cfg.DeviceID = testDeviceID
	cfg.AuthMinBackoff = time.Millisecond
	cfg.AuthMaxBackoff = 5 * time.Millisecond
	cfg.UploadBackoff = time.Millisecond
	return ts, cfg
}

func testFrame() *camera.Frame {
	pix := bytes.Repeat([]byte{120}, 4*3*3)
	return &camera.Frame{Pix: pix, Width: 4, Height: 3, Channels: 3}
}

func TestConfigURLs(t *testing.T) {
	cfg := Config{Endpoint: "mvi.local:8443/", DeviceID: testDeviceID}
	assert.Equal(t, "https://mvi.local:8443/users/sessions", cfg.SessionURL())
	assert.Equal(t, "https://mvi.local:8443/users/sessions/keepalive", cfg.KeepAliveURL())
	assert.Equal(t, "https://mvi.local:8443/devices/images?uuid="+testDeviceID, cfg.UploadURL())
}

func TestSession_Authenticate(t *testing.T) {
	f := &fakeMVI{tokens: []string{"tok-1"}}
	ts, cfg := newTestServer(t, f)

	s := NewSession(cfg, ts.Client(), zaptest.NewLogger(t))
	_, err := s.Token()
	assert.ErrorIs(t, err, ErrNoCredential)

	token, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	got, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	assert.Equal(t, "password", f.lastAuth.GrantType)
	assert.Equal(t, "edge", f.lastAuth.User)
	assert.Equal(t, "secret", f.lastAuth.Password)
}

func TestSession_AuthenticateRetries(t *testing.T) {
	f := &fakeMVI{tokens: []string{"tok-1"}, authFailures: 2}
	ts, cfg := newTestServer(t, f)

	s := NewSession(cfg, ts.Client(), zaptest.NewLogger(t))
	token, err := s.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(3), f.authCalls.Load())
}

func TestSession_AuthenticateExhaustedFailsLoudly(t *testing.T) {
	f := &fakeMVI{authFailures: 100}
	ts, cfg := newTestServer(t, f)

	s := NewSession(cfg, ts.Client(), zaptest.NewLogger(t))
	_, err := s.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, int32(5), f.authCalls.Load())

	_, err = s.Token()
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.False(t, s.State().Authenticated)
	assert.NotEmpty(t, s.State().LastError)
}

func TestSession_PingReauthenticatesOn401(t *testing.T) {
	f := &fakeMVI{tokens: []string{"tok-1", "tok-2"}}
	ts, cfg := newTestServer(t, f)

	s := NewSession(cfg, ts.Client(), zaptest.NewLogger(t))
	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Ping(context.Background()))
	tok, _ := s.Token()
	assert.Equal(t, "tok-1", tok)

	// サーバー側でセッションを失効させる
	f.mu.Lock()
	f.valid = "expired"
	f.mu.Unlock()

	require.NoError(t, s.Ping(context.Background()))
	tok, err = s.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, uint64(1), s.State().Reauths)
}

func TestSession_PingOtherFailureKeepsToken(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/sessions" {
			_ = json.NewEncoder(w).Encode(authResponse{Token: "tok-1"})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = strings.TrimPrefix(ts.URL, "https://")
	s := NewSession(cfg, ts.Client(), zaptest.NewLogger(t))
	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	err = s.Ping(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, uint64(1), s.State().PingFailures)
}

func TestSession_KeepAliveLoop(t *testing.T) {
	f := &fakeMVI{tokens: []string{"tok-1"}}
	ts, cfg := newTestServer(t, f)

	s := NewSession(cfg, ts.Client(), zaptest.NewLogger(t))
	_, err := s.Authenticate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.KeepAlive(ctx, func() time.Duration { return 5 * time.Millisecond })
	}()

	require.Eventually(t, func() bool {
		return f.pingCalls.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not return after cancel")
	}
}

func TestUploader_Upload(t *testing.T) {
	f := &fakeMVI{}
	ts, cfg := newTestServer(t, f)

	u := NewUploader(cfg, ts.Client(), zaptest.NewLogger(t))
	require.NoError(t, u.Upload(context.Background(), testFrame(), "tok-1"))
	assert.Equal(t, int32(1), f.uploadCalls.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.lastUpload
	assert.Equal(t, "tok-1", r.Header.Get(HeaderToken))
	assert.Equal(t, "application/json", r.Header.Get(HeaderAccept))
	assert.Equal(t, testDeviceID, r.URL.Query().Get("uuid"))

	_, fh, err := r.FormFile(UploadField)
	require.NoError(t, err)
	assert.Equal(t, UploadFilename, fh.Filename)
	assert.Equal(t, UploadContentType, fh.Header.Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(f.lastFile))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
}

func TestUploader_RetriesServerErrors(t *testing.T) {
	f := &fakeMVI{uploadStatus: []int{http.StatusInternalServerError, http.StatusBadGateway}}
	ts, cfg := newTestServer(t, f)

	u := NewUploader(cfg, ts.Client(), zaptest.NewLogger(t))
	require.NoError(t, u.Upload(context.Background(), testFrame(), "tok-1"))
	assert.Equal(t, int32(3), f.uploadCalls.Load())
}

func TestUploader_Exhausted(t *testing.T) {
	f := &fakeMVI{uploadStatus: []int{500, 500, 500, 500}}
	ts, cfg := newTestServer(t, f)

	u := NewUploader(cfg, ts.Client(), zaptest.NewLogger(t))
	err := u.Upload(context.Background(), testFrame(), "tok-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, int32(3), f.uploadCalls.Load())
}

func TestUploader_ClientErrorIsNotRetried(t *testing.T) {
	f := &fakeMVI{uploadStatus: []int{http.StatusBadRequest}}
	ts, cfg := newTestServer(t, f)

	u := NewUploader(cfg, ts.Client(), zaptest.NewLogger(t))
	err := u.Upload(context.Background(), testFrame(), "tok-1")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), f.uploadCalls.Load())
}

func TestUploader_RejectsInvalidFrame(t *testing.T) {
	u := NewUploader(DefaultConfig(), http.DefaultClient, zaptest.NewLogger(t))
	err := u.Upload(context.Background(), &camera.Frame{Pix: []byte{1}, Width: 2, Height: 2, Channels: 3}, "tok")
	require.Error(t, err)
}

func TestStatusErrorRetryable(t *testing.T) {
	cases := map[int]bool{
		400: false, 401: false, 404: false,
		408: true, 429: true,
		500: true, 502: true, 503: true,
	}
	for code, want := range cases {
		assert.Equal(t, want, (&StatusError{Code: code}).Retryable(), "status %d", code)
	}
	assert.True(t, isRetryable(errors.New("connection reset")))
}

func TestNewHTTPClient(t *testing.T) {
	log := zaptest.NewLogger(t)

	c, err := NewHTTPClient("", time.Second, log)
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.Timeout)

	_, err = NewHTTPClient(filepath.Join(t.TempDir(), "missing.pem"), time.Second, log)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = NewHTTPClient(bad, time.Second, log)
	assert.Error(t, err)
}
