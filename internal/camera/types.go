package camera

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrClosed は既に閉じられたストリームに対する操作で返される
var ErrClosed = errors.New("ストリームは閉じられています")

// SourceKind はフレームソースの種類を表す
type SourceKind string

const (
	KindUSB      SourceKind = "usb"      // ローカルのカメラデバイス
	KindRTSP     SourceKind = "rtsp"     // ネットワークストリーム
	KindPiCam    SourceKind = "picam"    // Raspberry Pi カメラモジュール
	KindSnapshot SourceKind = "snapshot" // 1枚ずつ取得するネットワークカメラ
)

// Continuous は常時開いておくソースかどうかを返す
func (k SourceKind) Continuous() bool {
	return k != KindSnapshot
}

// Valid は既知の種類かどうかを返す
func (k SourceKind) Valid() bool {
	switch k {
	case KindUSB, KindRTSP, KindPiCam, KindSnapshot:
		return true
	}
	return false
}

// Platform は実行ホストの種類
type Platform string

const (
	PlatformRPI     Platform = "RPI"
	PlatformLinux   Platform = "LINUX"
	PlatformWindows Platform = "WINDOWS"
)

// Frame は1枚の画像
//
// Pix は Channels 個のサンプルを行優先で並べたもの（3チャンネルなら RGB の順）。
type Frame struct {
	Pix        []byte
	Width      int
	Height     int
	Channels   int
	CapturedAt time.Time
}

// Clone は画素バッファを含めた複製を返す
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{
		Pix:        pix,
		Width:      f.Width,
		Height:     f.Height,
		Channels:   f.Channels,
		CapturedAt: f.CapturedAt,
	}
}

// MeanIntensity は全サンプルの平均値（0〜255）を返す
func (f *Frame) MeanIntensity() float64 {
	if f == nil || len(f.Pix) == 0 {
		return 0
	}
	var sum uint64
	for _, v := range f.Pix {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(f.Pix))
}

// Stream は開いている連続ソース
//
// Close は Read と並行して呼ばれてもよく、ブロック中の Read を解放する。
// Close は何度呼んでもよい。
type Stream interface {
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

// Opener は連続ソースを開く
type Opener interface {
	Open(ctx context.Context) (Stream, error)
}

// Fetcher は呼ばれるたびに1枚だけ取得する単発ソース
type Fetcher interface {
	Fetch(ctx context.Context) (*Frame, error)
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device      string       // デバイスパス
	Name        string       // デバイス名
	Driver      string       // ドライバー名
	Resolutions []Resolution // サポートされる解像度
	Formats     []string     // サポートされるフォーマット
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int // 幅
	Height int // 高さ
}

// SourceConfig はソース作成設定
type SourceConfig struct {
	Kind     SourceKind
	Backend  string // "ffmpeg", "rpicam", "opencv"。空ならソース種類から決める
	Platform Platform
	Device   string // デバイスパス（Windows では DirectShow のデバイス名）
	URL      string // RTSP / スナップショットの URL
	Username string
	Password string
	Width    int
	Height   int

	OpenTimeout time.Duration // 開いてから最初のフレームを待つ時間。0 なら DefaultOpenTimeout
}

// FrameFromImage は任意の image.Image を RGB の Frame に変換する
func FrameFromImage(img image.Image, at time.Time) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
			for x := 0; x < w; x++ {
				pix = append(pix, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				pix = append(pix, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
		}
	}

	return &Frame{Pix: pix, Width: w, Height: h, Channels: 3, CapturedAt: at}
}
