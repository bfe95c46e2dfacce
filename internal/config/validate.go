package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"edgecam/internal/camera"
)

// Validate は設定の妥当性を検証する。問題はすべてまとめて返す
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Platform {
	case camera.PlatformRPI, camera.PlatformLinux, camera.PlatformWindows:
	default:
		add("無効なplatform: %q (WINDOWS, LINUX, RPI のいずれか)", c.Platform)
	}

	// カメラ
	switch c.Camera.Type {
	case camera.KindUSB:
	case camera.KindPiCam:
		if c.Platform != camera.PlatformRPI {
			add("camera.type %q は platform RPI でのみ使えます", c.Camera.Type)
		}
	case camera.KindRTSP:
		if c.Camera.URL == "" {
			add("camera.type rtsp には camera.url が必要です")
		}
	case camera.KindSnapshot:
		if !strings.HasPrefix(c.Camera.URL, "http://") && !strings.HasPrefix(c.Camera.URL, "https://") {
			add("camera.type snapshot には http(s) の camera.url が必要です")
		}
	default:
		add("無効なcamera.type: %q", c.Camera.Type)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		add("無効な画像サイズ: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.WarmUpFrames < 0 {
		add("camera.warm_up_frames は0以上: %d", c.Camera.WarmUpFrames)
	}
	if c.Camera.FailureThreshold < 1 {
		add("camera.failure_threshold は1以上: %d", c.Camera.FailureThreshold)
	}
	if c.Camera.MinMeanIntensity < 0 || c.Camera.MinMeanIntensity > 255 {
		add("camera.min_mean_intensity は0〜255: %v", c.Camera.MinMeanIntensity)
	}
	if c.Camera.OpenTimeout < 0 {
		add("camera.open_timeout は0以上: %s", c.Camera.OpenTimeout)
	}
	if c.Camera.Gamma <= 0 {
		add("camera.gamma は正の値: %v", c.Camera.Gamma)
	}

	// 復旧
	if c.Recovery.Attempts < 1 {
		add("recovery.attempts は1以上: %d", c.Recovery.Attempts)
	}
	if c.Recovery.MinBackoff < 0 || c.Recovery.MaxBackoff < c.Recovery.MinBackoff {
		add("recovery のバックオフが不正: %s..%s", c.Recovery.MinBackoff, c.Recovery.MaxBackoff)
	}
	if c.HealthCheck.Interval <= 0 {
		add("health_check.interval は正の値: %s", c.HealthCheck.Interval)
	}

	// MVI
	if c.MVI.Endpoint == "" || c.MVI.Username == "" || c.MVI.Password == "" {
		add("mvi.endpoint と認証情報は必須です")
	}
	if strings.Contains(c.MVI.Endpoint, "://") {
		add("mvi.endpoint にはスキームを含めません: %s", c.MVI.Endpoint)
	}
	if _, err := uuid.Parse(c.MVI.DeviceID); err != nil {
		add("mvi.device_id はUUIDで指定します: %q", c.MVI.DeviceID)
	}
	if c.MVI.CACert != "" {
		if err := fileExists(c.MVI.CACert); err != nil {
			add("mvi.ca_cert: %w", err)
		}
	}
	if c.MVI.KeepAliveInterval <= 0 {
		add("mvi.keep_alive_interval は正の値: %s", c.MVI.KeepAliveInterval)
	}
	if c.MVI.AuthAttempts < 1 || c.MVI.UploadAttempts < 1 {
		add("mvi の試行回数は1以上")
	}

	// トリガー
	if !c.MQTT.Enabled() && !c.Redis.Enabled() {
		add("トリガーが設定されていません (mqtt.broker または redis.url)")
	}
	if c.MQTT.Enabled() {
		if c.MQTT.Topic == "" {
			add("mqtt.topic は必須です")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			add("無効なmqtt.port: %d", c.MQTT.Port)
		}
		if c.MQTT.QoS > 2 {
			add("mqtt.qos は0〜2: %d", c.MQTT.QoS)
		}
		if c.MQTT.TLSRequired {
			if c.MQTT.CAFile == "" {
				add("mqtt.tls_required には mqtt.ca_file が必要です")
			} else if err := fileExists(c.MQTT.CAFile); err != nil {
				add("mqtt.ca_file: %w", err)
			}
		}
	}
	if c.Redis.Enabled() && c.Redis.Channel == "" {
		add("redis.channel は必須です")
	}

	// サーバー
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		add("無効なポート番号: %d", c.Server.Port)
	}

	return errors.Join(errs...)
}

func fileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s はディレクトリです", path)
	}
	return nil
}

// PlatformWarning は設定の platform が実行中の OS と合わない場合に説明を返す
func (c *Config) PlatformWarning() string {
	return platformWarning(c.Platform, runtime.GOOS)
}

func platformWarning(p camera.Platform, goos string) string {
	switch {
	case p == camera.PlatformWindows && goos != "windows":
		return "platform WINDOWS が指定されていますが Windows 以外で動作しています"
	case (p == camera.PlatformLinux || p == camera.PlatformRPI) && goos != "linux":
		return fmt.Sprintf("platform %s が指定されていますが Linux 以外で動作しています", p)
	}
	return ""
}
