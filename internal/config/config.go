// Package config は設定ファイルの読み込み・検証と、実行中の設定の差し替えを扱う
package config

import (
	"fmt"
	"time"

	"edgecam/internal/camera"
	"edgecam/internal/grabber"
	"edgecam/internal/logger"
	"edgecam/internal/mvi"
	"edgecam/internal/trigger"
)

// DefaultFile は設定ファイルの既定のパス
const DefaultFile = "camera_edge_config.yaml"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Platform    camera.Platform   `yaml:"platform"`
	Camera      CameraConfig      `yaml:"camera"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	MVI         MVIConfig         `yaml:"mvi"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Redis       RedisConfig       `yaml:"redis"`
	Server      ServerConfig      `yaml:"server"`
	Log         logger.Config     `yaml:"log"`

	// path は読み込んだファイルのパス。相対パスの解決に使う
	path string
}

// CameraConfig はカメラと取得ループの設定
type CameraConfig struct {
	Type     camera.SourceKind `yaml:"type"`
	Backend  string            `yaml:"backend"` // 空ならカメラの種類から決める
	Device   string            `yaml:"device"`  // 空なら自動検出（USB のみ）
	URL      string            `yaml:"url"`     // RTSP / スナップショットの URL
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Width    int               `yaml:"width"`
	Height   int               `yaml:"height"`

	WarmUpFrames     int           `yaml:"warm_up_frames"`
	WarmUpPause      time.Duration `yaml:"warm_up_pause"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ReadBackoff      time.Duration `yaml:"read_backoff"`
	ReopenBackoff    time.Duration `yaml:"reopen_backoff"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	MinMeanIntensity float64       `yaml:"min_mean_intensity"`
	Gamma            float64       `yaml:"gamma"`

	OpenTimeout      time.Duration `yaml:"open_timeout"` // 開いてから最初のフレームを待つ時間
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// RecoveryConfig は外部からの復旧の設定
type RecoveryConfig struct {
	Attempts         int           `yaml:"attempts"`
	MinBackoff       time.Duration `yaml:"min_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	PostRecoveryWait time.Duration `yaml:"post_recovery_wait"`
}

// HealthCheckConfig は定期ヘルスチェックの設定
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MVIConfig は推論サーバーの設定
type MVIConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	DeviceID          string        `yaml:"device_id"`
	CACert            string        `yaml:"ca_cert"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	AuthAttempts   int           `yaml:"auth_attempts"`
	AuthMinBackoff time.Duration `yaml:"auth_min_backoff"`
	AuthMaxBackoff time.Duration `yaml:"auth_max_backoff"`
	UploadAttempts int           `yaml:"upload_attempts"`
	UploadBackoff  time.Duration `yaml:"upload_backoff"`
}

// MQTTConfig は MQTT トリガーの設定
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	Topic       string `yaml:"topic"`
	QoS         byte   `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLSRequired bool   `yaml:"tls_required"`
	CAFile      string `yaml:"ca_file"`
	ClientID    string `yaml:"client_id"`
}

// Enabled はブローカーが設定されているかを返す
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// RedisConfig は Redis トリガーの設定
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Enabled は URL が設定されているかを返す
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"` // リッスンするホスト
	Port    int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// Default はデフォルト値を埋めた設定を返す
func Default() *Config {
	gc := grabber.DefaultConfig()
	sc := grabber.DefaultSupervisorConfig()
	mc := mvi.DefaultConfig()

	return &Config{
		Platform: camera.PlatformRPI,
		Camera: CameraConfig{
			Type:             camera.KindUSB,
			Width:            1920,
			Height:           1080,
			WarmUpFrames:     gc.WarmUpFrames,
			WarmUpPause:      gc.WarmUpPause,
			FailureThreshold: gc.FailureThreshold,
			ReadBackoff:      gc.FailureBackoff,
			ReopenBackoff:    gc.ReopenBackoff,
			SettleDelay:      gc.SettleDelay,
			MinMeanIntensity: gc.MinMeanIntensity,
			Gamma:            1.5,
			OpenTimeout:      camera.DefaultOpenTimeout,
			DiscoveryTimeout: 2 * time.Second,
		},
		Recovery: RecoveryConfig{
			Attempts:         sc.Attempts,
			MinBackoff:       sc.MinBackoff,
			MaxBackoff:       sc.MaxBackoff,
			SettleDelay:      sc.SettleDelay,
			PostRecoveryWait: 500 * time.Millisecond,
		},
		HealthCheck: HealthCheckConfig{Interval: 30 * time.Second},
		MVI: MVIConfig{
			RequestTimeout:    mc.RequestTimeout,
			KeepAliveInterval: 300 * time.Second,
			AuthAttempts:      mc.AuthAttempts,
			AuthMinBackoff:    mc.AuthMinBackoff,
			AuthMaxBackoff:    mc.AuthMaxBackoff,
			UploadAttempts:    mc.UploadAttempts,
			UploadBackoff:     mc.UploadBackoff,
		},
		MQTT: MQTTConfig{
			Port:        8883,
			TLSRequired: true,
		},
		Redis: RedisConfig{Channel: "edgecam:trigger"},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Log: logger.DefaultConfig(),
	}
}

// Path は読み込んだファイルのパスを返す
func (c *Config) Path() string {
	return c.path
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return c.Server.Address()
}

// Address はリッスンアドレスを返す
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Source はフレームソースの作成設定を返す
func (c *Config) Source() camera.SourceConfig {
	return camera.SourceConfig{
		Kind:     c.Camera.Type,
		Backend:  c.Camera.Backend,
		Platform: c.Platform,
		Device:   c.Camera.Device,
		URL:      c.Camera.URL,
		Username: c.Camera.Username,
		Password: c.Camera.Password,
		Width:    c.Camera.Width,
		Height:   c.Camera.Height,

		OpenTimeout: c.Camera.OpenTimeout,
	}
}

// Grabber は取得ループの設定を返す
func (c *Config) Grabber() grabber.Config {
	return grabber.Config{
		WarmUpFrames:     c.Camera.WarmUpFrames,
		WarmUpPause:      c.Camera.WarmUpPause,
		FailureThreshold: c.Camera.FailureThreshold,
		FailureBackoff:   c.Camera.ReadBackoff,
		ReopenBackoff:    c.Camera.ReopenBackoff,
		SettleDelay:      c.Camera.SettleDelay,
		MinMeanIntensity: c.Camera.MinMeanIntensity,
	}
}

// Supervisor は復旧処理の設定を返す
func (c *Config) Supervisor() grabber.SupervisorConfig {
	return grabber.SupervisorConfig{
		Attempts:    c.Recovery.Attempts,
		MinBackoff:  c.Recovery.MinBackoff,
		MaxBackoff:  c.Recovery.MaxBackoff,
		SettleDelay: c.Recovery.SettleDelay,
	}
}

// MVIClient は推論サーバーへの接続設定を返す
func (c *Config) MVIClient() mvi.Config {
	return mvi.Config{
		Endpoint:       c.MVI.Endpoint,
		Username:       c.MVI.Username,
		Password:       c.MVI.Password,
		DeviceID:       c.MVI.DeviceID,
		CACertFile:     c.MVI.CACert,
		RequestTimeout: c.MVI.RequestTimeout,
		AuthAttempts:   c.MVI.AuthAttempts,
		AuthMinBackoff: c.MVI.AuthMinBackoff,
		AuthMaxBackoff: c.MVI.AuthMaxBackoff,
		UploadAttempts: c.MVI.UploadAttempts,
		UploadBackoff:  c.MVI.UploadBackoff,
	}
}

// MQTTTrigger は MQTT トリガーの設定を返す
func (c *Config) MQTTTrigger() trigger.MQTTConfig {
	return trigger.MQTTConfig{
		Broker:      c.MQTT.Broker,
		Port:        c.MQTT.Port,
		Topic:       c.MQTT.Topic,
		QoS:         c.MQTT.QoS,
		Username:    c.MQTT.Username,
		Password:    c.MQTT.Password,
		TLSRequired: c.MQTT.TLSRequired,
		CAFile:      c.MQTT.CAFile,
		ClientID:    c.MQTT.ClientID,
	}
}

// RedisTrigger は Redis トリガーの設定を返す
func (c *Config) RedisTrigger() trigger.RedisConfig {
	return trigger.RedisConfig{URL: c.Redis.URL, Channel: c.Redis.Channel}
}
