//go:build gocv

// Package opencv は gocv（OpenCV）を使う連続ソースのバックエンド
//
// OpenCV のネイティブライブラリが必要なため gocv ビルドタグを付けたときだけビルドされる。
//
//	go build -tags gocv ./...
package opencv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"edgecam/internal/camera"
)

// Register はファクトリーに opencv バックエンドを登録する
func Register(f *camera.Factory) {
	f.Register(camera.BackendOpenCV, NewOpener)
}

// Opener は gocv.VideoCapture を開く
type Opener struct {
	cfg camera.SourceConfig
}

// NewOpener は設定から Opener を作成する
func NewOpener(cfg camera.SourceConfig) (camera.Opener, error) {
	switch cfg.Kind {
	case camera.KindUSB, camera.KindPiCam:
		if cfg.Device == "" {
			return nil, fmt.Errorf("カメラデバイスが指定されていません")
		}
	case camera.KindRTSP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("RTSPストリームの作成にはURLが必要です")
		}
	default:
		return nil, fmt.Errorf("opencvでサポートされていないソースタイプ: %s", cfg.Kind)
	}
	return &Opener{cfg: cfg}, nil
}

// apiPreference はプラットフォームごとのキャプチャ API を返す
func apiPreference(cfg camera.SourceConfig) gocv.VideoCaptureAPI {
	if cfg.Kind == camera.KindRTSP {
		return gocv.VideoCaptureAny
	}
	switch cfg.Platform {
	case camera.PlatformWindows:
		return gocv.VideoCaptureDshow
	case camera.PlatformLinux, camera.PlatformRPI:
		return gocv.VideoCaptureV4L2
	default:
		return gocv.VideoCaptureAny
	}
}

// deviceArg は "/dev/video2" や "2" をインデックスに変換する
func deviceArg(device string) interface{} {
	trimmed := strings.TrimPrefix(device, "/dev/video")
	if idx, err := strconv.Atoi(trimmed); err == nil {
		return idx
	}
	return device
}

// Open はキャプチャデバイスを開く
func (o *Opener) Open(ctx context.Context) (camera.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var src interface{}
	if o.cfg.Kind == camera.KindRTSP {
		src = camera.RTSPURL(o.cfg)
	} else {
		src = deviceArg(o.cfg.Device)
	}

	capture, err := gocv.OpenVideoCaptureWithAPI(src, apiPreference(o.cfg))
	if err != nil {
		return nil, fmt.Errorf("キャプチャデバイスのオープンに失敗: %w", err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("キャプチャデバイスを開けません: %v", src)
	}

	if o.cfg.Kind != camera.KindRTSP {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(o.cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(o.cfg.Height))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return &stream{capture: capture, mat: gocv.NewMat(), rgb: gocv.NewMat()}, nil
}

// stream は VideoCapture を包む
//
// gocv の Read と Close は並行に呼べないため、Close は進行中の Read の完了を待つ。
type stream struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	rgb     gocv.Mat
	closed  bool
}

// Read は1フレーム読み取り BGR から RGB に変換する
func (s *stream) Read(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, camera.ErrClosed
	}

	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, fmt.Errorf("フレームの読み取りに失敗")
	}

	if s.mat.Channels() == 3 {
		gocv.CvtColor(s.mat, &s.rgb, gocv.ColorBGRToRGB)
	} else {
		s.mat.CopyTo(&s.rgb)
	}

	pix, err := s.rgb.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("画素データの取得に失敗: %w", err)
	}
	buf := make([]byte, len(pix))
	copy(buf, pix)

	return &camera.Frame{
		Pix:        buf,
		Width:      s.rgb.Cols(),
		Height:     s.rgb.Rows(),
		Channels:   s.rgb.Channels(),
		CapturedAt: time.Now(),
	}, nil
}

// Close はキャプチャデバイスを解放する
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.mat.Close()
	_ = s.rgb.Close()
	if err := s.capture.Close(); err != nil {
		return fmt.Errorf("キャプチャデバイスの解放に失敗: %w", err)
	}
	return nil
}
