package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// FFmpegOpener は ffmpeg を使ってカメラデバイスや RTSP ストリームを開く
//
// 出力は rgb24 の rawvideo に固定し、指定サイズにスケールする。
type FFmpegOpener struct {
	cfg    SourceConfig
	binary string
}

// NewFFmpegOpener は設定から FFmpegOpener を作成する
func NewFFmpegOpener(cfg SourceConfig) (Opener, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("無効な画像サイズ: %dx%d", cfg.Width, cfg.Height)
	}
	switch cfg.Kind {
	case KindUSB:
		if cfg.Device == "" {
			return nil, fmt.Errorf("USBカメラの作成にはデバイスパスが必要です")
		}
	case KindRTSP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("RTSPストリームの作成にはURLが必要です")
		}
	default:
		return nil, fmt.Errorf("ffmpegでサポートされていないソースタイプ: %s", cfg.Kind)
	}
	return &FFmpegOpener{cfg: cfg, binary: "ffmpeg"}, nil
}

// Args は ffmpeg に渡す引数を返す
func (o *FFmpegOpener) Args() []string {
	size := fmt.Sprintf("%dx%d", o.cfg.Width, o.cfg.Height)
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch o.cfg.Kind {
	case KindRTSP:
		args = append(args, "-rtsp_transport", "tcp", "-i", RTSPURL(o.cfg))
	default:
		if o.cfg.Platform == PlatformWindows {
			args = append(args, "-f", "dshow", "-video_size", size, "-i", "video="+o.cfg.Device)
		} else {
			args = append(args, "-f", "v4l2", "-video_size", size, "-i", o.cfg.Device)
		}
	}

	return append(args,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", o.cfg.Width, o.cfg.Height),
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
		"-",
	)
}

// Open は ffmpeg を起動し、最初のフレームが届くまで待つ
//
// プロセスの寿命は ctx ではなく返した Stream の Close で管理する。
func (o *FFmpegOpener) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(o.binary); err != nil {
		return nil, fmt.Errorf("%sが見つかりません: %w", o.binary, err)
	}

	// #nosec G204 引数は設定値から組み立てる
	cmd := exec.Command(o.binary, o.Args()...)
	stream, err := startProcessStream(ctx, cmd, rawFrameDecoder(o.cfg.Width, o.cfg.Height), o.cfg.OpenTimeout)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// rawFrameDecoder は rgb24 の rawvideo を1フレームずつ切り出す
func rawFrameDecoder(width, height int) func(r *bufio.Reader) (*Frame, error) {
	size := width * height * 3
	return func(r *bufio.Reader) (*Frame, error) {
		pix := make([]byte, size)
		if _, err := io.ReadFull(r, pix); err != nil {
			return nil, err
		}
		return &Frame{
			Pix:        pix,
			Width:      width,
			Height:     height,
			Channels:   3,
			CapturedAt: time.Now(),
		}, nil
	}
}

// RTSPURL は認証情報を埋め込んだ RTSP の URL を返す
//
// スキームが無ければ rtsp:// を補う。URL に既に認証情報がある場合はそちらを優先する。
func RTSPURL(cfg SourceConfig) string {
	raw := cfg.URL
	if !strings.HasPrefix(raw, "rtsp://") && !strings.HasPrefix(raw, "rtsps://") {
		raw = "rtsp://" + raw
	}
	if cfg.Username == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return raw
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	} else {
		u.User = url.User(cfg.Username)
	}
	return u.String()
}
