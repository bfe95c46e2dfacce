package trigger

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SourceRedis は Redis トリガーの名前
const SourceRedis = "redis"

// RedisConfig は Redis の pub/sub チャンネルの設定
type RedisConfig struct {
	// URL は redis://[:password@]host:port[/db] の形式
	URL     string
	Channel string
}

// Redis はチャンネルを購読し、メッセージごとに Handler を呼ぶ
//
// 切断された場合は go-redis が再接続と再購読を行う。
type Redis struct {
	cfg     RedisConfig
	handler Handler
	log     *zap.Logger
	client  *goredis.Client

	counter
}

// NewRedis は Redis トリガーを作成する
func NewRedis(cfg RedisConfig, handler Handler, logger *zap.Logger) (*Redis, error) {
	if cfg.URL == "" || cfg.Channel == "" {
		return nil, errors.New("RedisのURLとチャンネルは必須です")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RedisのURLが不正です: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		cfg:     cfg,
		handler: handler,
		log:     logger,
		client:  goredis.NewClient(opts),
	}, nil
}

// Run は ctx がキャンセルされるまでチャンネルを購読する
func (r *Redis) Run(ctx context.Context) error {
	defer func() {
		r.wait()
		_ = r.client.Close()
	}()

	sub := r.client.Subscribe(ctx, r.cfg.Channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("Redisの購読を確認できません。再接続を続けます",
			zap.String("channel", r.cfg.Channel),
			zap.Error(err))
	} else {
		r.connected.Store(true)
		r.log.Info("Redisのチャンネルを購読しました", zap.String("channel", r.cfg.Channel))
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.connected.Store(false)
			return nil
		case msg, ok := <-ch:
			if !ok {
				r.connected.Store(false)
				return errors.New("Redisの購読が終了しました")
			}
			r.connected.Store(true)
			r.log.Info("Redisメッセージを受信しました",
				zap.String("channel", msg.Channel),
				zap.String("payload", truncate([]byte(msg.Payload))))
			if !r.fire(ctx, r.handler, SourceRedis) {
				r.log.Warn("停止中のためRedisトリガーを無視しました", zap.String("channel", msg.Channel))
			}
		}
	}
}

// Stats は統計を返す
func (r *Redis) Stats() Stats {
	return r.stats()
}
