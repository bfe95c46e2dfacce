package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoWorkingCamera はフレームを返すカメラが1台も無いことを表す
var ErrNoWorkingCamera = errors.New("動作するカメラが見つかりません")

var videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	pattern string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{pattern: "/dev/video*"}
}

// ScanDevices はカラー映像を出せる V4L2 デバイスを番号順に返す
//
// 同じ物理カメラが複数のノードを持つ場合は最も小さい番号だけを残す。
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) || !d.hasColorFormat(ctx, match) {
			continue
		}

		name := d.deviceName(ctx, match)
		if name != "" {
			if seen[name] {
				continue
			}
			seen[name] = true
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが開けるかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(device) {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	name := d.deviceName(ctx, device)
	if name == "" {
		name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	info := &DeviceInfo{
		Device: device,
		Name:   name,
		Driver: "v4l2",
	}
	if out, err := v4l2ctl(ctx, device, "--list-formats-ext"); err == nil {
		info.Formats, info.Resolutions = parseFormats(out)
	}
	return info, nil
}

func (d *LinuxDiscovery) hasColorFormat(ctx context.Context, device string) bool {
	out, err := v4l2ctl(ctx, device, "--list-formats-ext")
	if err != nil {
		return false
	}
	return strings.Contains(out, "YUYV") || strings.Contains(out, "MJPG")
}

// deviceName は v4l2-ctl の "Card type" からカメラ名を取得する
func (d *LinuxDiscovery) deviceName(ctx context.Context, device string) string {
	out, err := v4l2ctl(ctx, device, "--info")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

func v4l2ctl(ctx context.Context, device string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "v4l2-ctl", append([]string{"--device", device}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var (
	formatLine = regexp.MustCompile(`\[\d+\]:\s+'(\w+)'`)
	sizeLine   = regexp.MustCompile(`Size:\s+Discrete\s+(\d+)x(\d+)`)
)

// parseFormats は --list-formats-ext の出力からフォーマットと解像度を取り出す
func parseFormats(out string) ([]string, []Resolution) {
	var formats []string
	var resolutions []Resolution
	seen := make(map[Resolution]bool)

	for _, line := range strings.Split(out, "\n") {
		if m := formatLine.FindStringSubmatch(line); m != nil {
			formats = append(formats, m[1])
			continue
		}
		if m := sizeLine.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			r := Resolution{Width: w, Height: h}
			if !seen[r] {
				seen[r] = true
				resolutions = append(resolutions, r)
			}
		}
	}
	return formats, resolutions
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := videoDevicePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}

// FindWorkingCamera は検出したデバイスを順に開き、timeout 以内にフレームを返した最初のものを返す
func FindWorkingCamera(ctx context.Context, d Discovery, open func(device string) (Opener, error), timeout time.Duration) (string, error) {
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return "", err
	}

	for _, device := range devices {
		opener, err := open(device)
		if err != nil {
			continue
		}
		if probe(ctx, opener, timeout) {
			return device, nil
		}
	}
	return "", ErrNoWorkingCamera
}

// probe は timeout 以内に1フレームでも読めたら true を返す
func probe(ctx context.Context, opener Opener, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := opener.Open(probeCtx)
	if err != nil {
		return false
	}
	defer func() {
		_ = stream.Close()
	}()
	// 期限が来たらストリームを閉じてブロック中の Read を解放する
	stop := context.AfterFunc(probeCtx, func() {
		_ = stream.Close()
	})
	defer stop()

	for probeCtx.Err() == nil {
		frame, err := stream.Read(probeCtx)
		if err == nil && frame != nil {
			return true
		}
		if errors.Is(err, ErrClosed) {
			return false
		}
		select {
		case <-probeCtx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}
