// Package agent はトリガーを受けてフレームを取得し、アップロードするまでの流れをまとめる
//
// Deliver と HealthCheck はどのトリガーから並行に呼ばれてもよく、
// 失敗はすべて Outcome として返して呼び出し元には伝播させない。
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edgecam/internal/camera"
	"edgecam/internal/retry"
)

// ErrNoFrame は有効なフレームが無いことを表す
var ErrNoFrame = errors.New("有効なフレームがありません")

// Outcome は1回の配信（またはヘルスチェック）の結果
type Outcome string

const (
	OutcomeUploaded              Outcome = "uploaded"
	OutcomeNoFrame               Outcome = "no_frame"
	OutcomeRecoveryFailed        Outcome = "recovery_failed"
	OutcomeFetchFailed           Outcome = "fetch_failed"
	OutcomeCredentialUnavailable Outcome = "credential_unavailable"
	OutcomeUploadFailed          Outcome = "upload_failed"
	OutcomePanic                 Outcome = "panic"

	OutcomeHealthy   Outcome = "healthy"
	OutcomeRecovered Outcome = "recovered"
)

// FrameCache は常時取得しているソースの最新フレームと復旧手段
type FrameCache interface {
	Latest() (*camera.Frame, bool)
	Recover(ctx context.Context) error
}

// Credentials は現在の認証トークンを返す
type Credentials interface {
	Token() (string, error)
}

// Uploader はフレームを送信する
type Uploader interface {
	Upload(ctx context.Context, frame *camera.Frame, token string) error
}

// Options は配信の設定
type Options struct {
	// PostRecoveryWait は復旧後にフレームを読み直すまでの待ち時間
	PostRecoveryWait time.Duration
	// Gamma は現在のガンマ値を返す。1 以下または nil なら補正しない
	Gamma func() float64
}

// Agent は取得・復旧・アップロードをまとめる
type Agent struct {
	cache    FrameCache
	fetcher  camera.Fetcher
	creds    Credentials
	uploader Uploader
	opts     Options
	log      *zap.Logger

	stats *collector
}

// NewContinuous は常時取得ソース用の Agent を作成する
func NewContinuous(cache FrameCache, creds Credentials, uploader Uploader, opts Options, logger *zap.Logger) *Agent {
	return newAgent(cache, nil, creds, uploader, opts, logger)
}

// NewSingleShot は単発取得ソース用の Agent を作成する
func NewSingleShot(fetcher camera.Fetcher, creds Credentials, uploader Uploader, opts Options, logger *zap.Logger) *Agent {
	return newAgent(nil, fetcher, creds, uploader, opts, logger)
}

func newAgent(cache FrameCache, fetcher camera.Fetcher, creds Credentials, uploader Uploader, opts Options, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cache:    cache,
		fetcher:  fetcher,
		creds:    creds,
		uploader: uploader,
		opts:     opts,
		log:      logger,
		stats:    newCollector(),
	}
}

// Deliver はフレームを1枚取得してアップロードする
//
// 常時取得ソースでフレームが無い場合は復旧し、少し待ってから1回だけ読み直す。
// 単発取得ソースでは取得の失敗で打ち切り、復旧は行わない。
func (a *Agent) Deliver(ctx context.Context) (out Outcome) {
	log := a.log.With(zap.String("delivery_id", uuid.NewString()))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("配信中にpanicが発生しました", zap.Any("panic", r), zap.Stack("stack"))
			out = OutcomePanic
		}
		a.stats.record(out, time.Since(start))
	}()

	frame, out := a.acquire(ctx, log)
	if frame == nil {
		return out
	}

	frame = a.correct(frame)
	log.Info("フレームを取得しました",
		zap.Int("width", frame.Width),
		zap.Int("height", frame.Height),
		zap.Int("channels", frame.Channels))

	token, err := a.creds.Token()
	if err != nil {
		log.Error("認証トークンが取得できないためアップロードを中止します", zap.Error(err))
		return OutcomeCredentialUnavailable
	}

	if err := a.uploader.Upload(ctx, frame, token); err != nil {
		log.Error("アップロードに失敗しました", zap.Error(err))
		return OutcomeUploadFailed
	}
	return OutcomeUploaded
}

func (a *Agent) acquire(ctx context.Context, log *zap.Logger) (*camera.Frame, Outcome) {
	if a.cache == nil {
		frame, err := a.fetcher.Fetch(ctx)
		if err != nil {
			log.Error("フレームの取得に失敗しました", zap.Error(err))
			return nil, OutcomeFetchFailed
		}
		return frame, ""
	}

	if frame, ok := a.cache.Latest(); ok {
		return frame, ""
	}

	log.Warn("有効なフレームが無いためカメラを復旧します")
	if err := a.cache.Recover(ctx); err != nil {
		log.Error("カメラの復旧に失敗しました", zap.Error(err))
		return nil, OutcomeRecoveryFailed
	}
	if err := retry.Sleep(ctx, a.opts.PostRecoveryWait); err != nil {
		log.Error("復旧後の待機が中断されました", zap.Error(err))
		return nil, OutcomeNoFrame
	}

	frame, ok := a.cache.Latest()
	if !ok {
		log.Error("復旧後もフレームが無いためアップロードを中止します")
		return nil, OutcomeNoFrame
	}
	return frame, ""
}

func (a *Agent) correct(frame *camera.Frame) *camera.Frame {
	if a.opts.Gamma == nil {
		return frame
	}
	if g := a.opts.Gamma(); g > 0 && g != 1 {
		return camera.ApplyGamma(frame, g)
	}
	return frame
}

// HealthCheck はフレームが無ければ復旧する。アップロードはしない
func (a *Agent) HealthCheck(ctx context.Context) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("ヘルスチェック中にpanicが発生しました", zap.Any("panic", r), zap.Stack("stack"))
			out = OutcomePanic
		}
		a.stats.recordHealth(out)
	}()

	if a.cache == nil {
		return OutcomeHealthy
	}
	if _, ok := a.cache.Latest(); ok {
		return OutcomeHealthy
	}

	a.log.Info("定期ヘルスチェックでフレームが無いため復旧します")
	if err := a.cache.Recover(ctx); err != nil {
		a.log.Error("定期ヘルスチェックでの復旧に失敗しました", zap.Error(err))
		return OutcomeRecoveryFailed
	}
	return OutcomeRecovered
}

// Preview は現在アップロードされるはずのフレームを返す。復旧は行わない
func (a *Agent) Preview(ctx context.Context) (*camera.Frame, error) {
	if a.cache == nil {
		frame, err := a.fetcher.Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("フレームの取得に失敗: %w", err)
		}
		return a.correct(frame), nil
	}
	frame, ok := a.cache.Latest()
	if !ok {
		return nil, ErrNoFrame
	}
	return a.correct(frame), nil
}

// Stats は配信の統計を返す
func (a *Agent) Stats() Stats {
	return a.stats.snapshot()
}

// Stats は配信結果の集計
type Stats struct {
	Deliveries     uint64             `json:"deliveries"`
	Outcomes       map[Outcome]uint64 `json:"outcomes"`
	HealthChecks   map[Outcome]uint64 `json:"health_checks"`
	LastOutcome    Outcome            `json:"last_outcome,omitempty"`
	LastDeliveryAt time.Time          `json:"last_delivery_at"`
	LastDuration   time.Duration      `json:"last_duration_ns"`
}

type collector struct {
	mu    sync.Mutex
	stats Stats
}

func newCollector() *collector {
	return &collector{stats: Stats{
		Outcomes:     make(map[Outcome]uint64),
		HealthChecks: make(map[Outcome]uint64),
	}}
}

func (c *collector) record(out Outcome, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Deliveries++
	c.stats.Outcomes[out]++
	c.stats.LastOutcome = out
	c.stats.LastDeliveryAt = time.Now()
	c.stats.LastDuration = d
}

func (c *collector) recordHealth(out Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.HealthChecks[out]++
}

func (c *collector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Outcomes = make(map[Outcome]uint64, len(c.stats.Outcomes))
	for k, v := range c.stats.Outcomes {
		s.Outcomes[k] = v
	}
	s.HealthChecks = make(map[Outcome]uint64, len(c.stats.HealthChecks))
	for k, v := range c.stats.HealthChecks {
		s.HealthChecks[k] = v
	}
	return s
}
