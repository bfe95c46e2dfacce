package trigger

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SourceMQTT は MQTT トリガーの名前
const SourceMQTT = "mqtt"

// MQTTConfig は MQTT ブローカーへの接続設定
type MQTTConfig struct {
	Broker      string // ホスト名。スキームを含む場合はそのまま使う
	Port        int
	Topic       string
	QoS         byte
	Username    string
	Password    string
	TLSRequired bool
	CAFile      string
	ClientID    string // 空の場合は自動生成する
	KeepAlive   time.Duration
}

// BrokerURL は paho に渡すブローカーの URL を返す
func (c MQTTConfig) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	scheme := "tcp"
	if c.TLSRequired {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker, c.Port)
}

// MQTT はトピックを購読し、メッセージごとに Handler を呼ぶ
//
// 接続は非同期で行い、切断されても自動で再接続する。
// 購読は接続のたびに OnConnect でやり直す。
type MQTT struct {
	cfg     MQTTConfig
	handler Handler
	log     *zap.Logger
	opts    *mqtt.ClientOptions

	ctx context.Context
	counter
}

// NewMQTT は MQTT トリガーを作成する。接続は Run で行う
func NewMQTT(cfg MQTTConfig, handler Handler, logger *zap.Logger) (*MQTT, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("MQTTのブローカーとトピックは必須です")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "edgecam-" + uuid.NewString()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}

	m := &MQTT{
		cfg:     cfg,
		handler: handler,
		log:     logger,
		ctx:     context.Background(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	// 配信は復旧を含めて長引くことがあるので受信処理を止めない
	opts.SetOrderMatters(false)

	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLSRequired {
		tlsConfig, err := newTLSConfig(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.OnConnect = m.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.log.Warn("MQTTの接続が切れました。自動で再接続します",
			zap.String("broker", cfg.BrokerURL()),
			zap.Error(err))
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		m.log.Info("MQTTに再接続しています", zap.String("broker", cfg.BrokerURL()))
	}

	m.opts = opts
	return m, nil
}

func newTLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, errors.New("MQTTのTLSにはCA証明書が必要です")
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("MQTTのCA証明書の読み込みに失敗: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("MQTTのCA証明書の解析に失敗: %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (m *MQTT) onConnect(c mqtt.Client) {
	m.connected.Store(true)
	m.log.Info("MQTTに接続しました", zap.String("broker", m.cfg.BrokerURL()))

	token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, m.onMessage)
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			m.log.Warn("MQTTの購読がタイムアウトしました", zap.String("topic", m.cfg.Topic))
			return
		}
		if err := token.Error(); err != nil {
			m.log.Error("MQTTの購読に失敗", zap.String("topic", m.cfg.Topic), zap.Error(err))
			return
		}
		m.log.Info("MQTTのトピックを購読しました", zap.String("topic", m.cfg.Topic))
	}()
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.log.Info("MQTTメッセージを受信しました",
		zap.String("topic", msg.Topic()),
		zap.String("payload", truncate(msg.Payload())))
	if !m.fire(m.ctx, m.handler, SourceMQTT) {
		m.log.Warn("停止中のためMQTTトリガーを無視しました", zap.String("topic", msg.Topic()))
	}
}

// Run は ctx がキャンセルされるまでブローカーとの接続を維持する
func (m *MQTT) Run(ctx context.Context) error {
	m.ctx = ctx
	client := mqtt.NewClient(m.opts)

	m.log.Info("MQTTクライアントを開始します",
		zap.String("broker", m.cfg.BrokerURL()),
		zap.String("client_id", m.cfg.ClientID))
	// ConnectRetry が有効なので接続完了を待たずに進む
	client.Connect()

	<-ctx.Done()

	client.Disconnect(250)
	m.connected.Store(false)
	m.wait()
	m.log.Info("MQTTクライアントを停止しました")
	return nil
}

// Stats は統計を返す
func (m *MQTT) Stats() Stats {
	return m.stats()
}
