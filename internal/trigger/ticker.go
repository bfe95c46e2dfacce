package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/retry"
)

// SourceHealthCheck は定期ヘルスチェックの名前
const SourceHealthCheck = "health_check"

// Ticker は一定間隔で Handler を呼ぶ
//
// 間隔は毎回 interval から読むので、設定の再読み込みが次の周期から反映される。
// 前回の呼び出しが終わってから次の待機を始める。
type Ticker struct {
	interval func() time.Duration
	handler  Handler
	log      *zap.Logger

	counter
}

// NewTicker は Ticker を作成する
func NewTicker(interval func() time.Duration, handler Handler, logger *zap.Logger) *Ticker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ticker{interval: interval, handler: handler, log: logger}
}

// Run は ctx がキャンセルされるまで繰り返す
func (t *Ticker) Run(ctx context.Context) error {
	t.connected.Store(true)
	defer t.connected.Store(false)

	for {
		d := t.interval()
		if d <= 0 {
			t.log.Warn("ヘルスチェックの間隔が不正なため既定値を使います", zap.Duration("interval", d))
			d = 30 * time.Second
		}
		if err := retry.Sleep(ctx, d); err != nil {
			return nil
		}
		t.received.Add(1)
		t.lastFired.Store(time.Now().UnixNano())
		t.handler(ctx, SourceHealthCheck)
	}
}

// Stats は統計を返す
func (t *Ticker) Stats() Stats {
	return t.stats()
}
