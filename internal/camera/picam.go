package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxJPEGSize を超えても EOI が見つからない場合はバッファを捨てる
const maxJPEGSize = 32 << 20

// PiCamOpener は rpicam-vid の MJPEG 出力から Raspberry Pi カメラを読む
type PiCamOpener struct {
	cfg      SourceConfig
	binaries []string
}

// NewPiCamOpener は設定から PiCamOpener を作成する
func NewPiCamOpener(cfg SourceConfig) (Opener, error) {
	if cfg.Platform != "" && cfg.Platform != PlatformRPI {
		return nil, fmt.Errorf("picamはRPIでのみ利用できます (platform=%s)", cfg.Platform)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("無効な画像サイズ: %dx%d", cfg.Width, cfg.Height)
	}
	return &PiCamOpener{
		cfg:      cfg,
		binaries: []string{"rpicam-vid", "libcamera-vid"},
	}, nil
}

// Args は rpicam-vid に渡す引数を返す
func (o *PiCamOpener) Args() []string {
	return []string{
		"-t", "0",
		"-n",
		"--codec", "mjpeg",
		"--width", strconv.Itoa(o.cfg.Width),
		"--height", strconv.Itoa(o.cfg.Height),
		"-o", "-",
	}
}

// Open は rpicam-vid（古い環境では libcamera-vid）を起動し、最初のフレームが届くまで待つ
func (o *PiCamOpener) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var binary string
	for _, b := range o.binaries {
		if path, err := exec.LookPath(b); err == nil {
			binary = path
			break
		}
	}
	if binary == "" {
		return nil, fmt.Errorf("カメラコマンドが見つかりません: %v", o.binaries)
	}

	// #nosec G204 引数は設定値から組み立てる
	cmd := exec.Command(binary, o.Args()...)
	var splitter *mjpegSplitter
	stream, err := startProcessStream(ctx, cmd, func(r *bufio.Reader) (*Frame, error) {
		if splitter == nil {
			splitter = newMJPEGSplitter(r)
		}
		data, err := splitter.Next()
		if err != nil {
			return nil, err
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return FrameFromImage(img, time.Now()), nil
	}, o.cfg.OpenTimeout)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// mjpegSplitter は連結された JPEG 列を SOI/EOI マーカーで1枚ずつに分割する
type mjpegSplitter struct {
	r     io.Reader
	buf   bytes.Buffer
	chunk []byte
}

func newMJPEGSplitter(r io.Reader) *mjpegSplitter {
	return &mjpegSplitter{r: r, chunk: make([]byte, 64*1024)}
}

// Next は次の完全な JPEG を返す
func (s *mjpegSplitter) Next() ([]byte, error) {
	for {
		data := s.buf.Bytes()
		start := bytes.Index(data, jpegSOI)
		switch {
		case start >= 0:
			end := bytes.Index(data[start+2:], jpegEOI)
			if end >= 0 {
				end += start + 2 + 2 // マーカーのサイズを含める
				frame := make([]byte, end-start)
				copy(frame, data[start:end])
				s.buf.Next(end)
				return frame, nil
			}
			if start > 0 {
				// 不要なデータを削除
				s.buf.Next(start)
			}
		case len(data) > 1:
			// 0xFF が末尾で分断されている可能性があるので1バイト残す
			s.buf.Next(len(data) - 1)
		}

		if s.buf.Len() > maxJPEGSize {
			s.buf.Reset()
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf.Write(s.chunk[:n])
		}
		if err != nil && n == 0 {
			return nil, err
		}
	}
}
