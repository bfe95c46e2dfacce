package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"edgecam/internal/camera"
)

// 設定ファイルより優先する環境変数
const (
	EnvMVIUsername  = "MVI_USERNAME"
	EnvMVIPassword  = "MVI_PASSWORD"
	EnvMQTTUsername = "MQTT_USERNAME"
	EnvMQTTPassword = "MQTT_PASSWORD"
)

// envVarPattern は ${VAR} と ${VAR:-default} にマッチする
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv は ${VAR} と ${VAR:-default} を環境変数の値で置き換える
//
// 未設定で既定値も無い変数は空文字列になる。必須項目は Validate で検出する。
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 {
			return groups[2]
		}
		return ""
	})
}

// Load は設定ファイルを読み込み、検証済みの設定を返す
//
// 設定ファイルと同じディレクトリに .env があれば先に読み込む。
// 既に設定されている環境変数は上書きしない。
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// Parse は設定ファイルを読み込むが検証はしない
func Parse(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルのパスが不正です: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(abs), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("設定ファイルが見つかりません: %s", abs)
		}
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg, err := parse([]byte(ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	cfg.path = abs
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("YAMLの解析に失敗: %w", err)
	}
	return cfg, nil
}

// applyEnv は認証情報を環境変数で上書きする
func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.MVI.Username, EnvMVIUsername)
	override(&c.MVI.Password, EnvMVIPassword)
	override(&c.MQTT.Username, EnvMQTTUsername)
	override(&c.MQTT.Password, EnvMQTTPassword)
}

// normalize は表記ゆれを揃え、相対パスを設定ファイルの場所から解決する
func (c *Config) normalize() {
	c.Platform = camera.Platform(strings.ToUpper(strings.TrimSpace(string(c.Platform))))
	c.Camera.Type = camera.SourceKind(strings.ToLower(strings.TrimSpace(string(c.Camera.Type))))
	c.Camera.URL = strings.TrimSpace(c.Camera.URL)
	c.MVI.Endpoint = strings.TrimSpace(c.MVI.Endpoint)
	c.MVI.Username = strings.TrimSpace(c.MVI.Username)
	c.MVI.Password = strings.TrimSpace(c.MVI.Password)
	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
	c.MQTT.Topic = strings.TrimSpace(c.MQTT.Topic)

	if c.Camera.Type == camera.KindRTSP && c.Camera.URL != "" && !strings.HasPrefix(c.Camera.URL, "rtsp://") {
		c.Camera.URL = "rtsp://" + c.Camera.URL
	}

	c.MVI.CACert = c.resolve(c.MVI.CACert)
	c.MQTT.CAFile = c.resolve(c.MQTT.CAFile)
	c.Log.File = c.resolve(c.Log.File)
}

func (c *Config) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}
