package grabber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/camera"
	"edgecam/internal/retry"
)

// NewFunc は現在の設定で新しい Grabber を作る
//
// lock は Supervisor と共有するロックで、Grabber の自己再オープンに使われる。
type NewFunc func(lock sync.Locker) (*Grabber, error)

// SupervisorConfig は復旧処理の設定
type SupervisorConfig struct {
	Attempts    int           // 最大試行回数
	MinBackoff  time.Duration // 指数バックオフの下限
	MaxBackoff  time.Duration // 指数バックオフの上限
	SettleDelay time.Duration // 停止から再開始までの待ち時間
}

// DefaultSupervisorConfig はデフォルトの設定を返す
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Attempts:    5,
		MinBackoff:  2 * time.Second,
		MaxBackoff:  10 * time.Second,
		SettleDelay: time.Second,
	}
}

// SupervisorStats は Supervisor の統計
type SupervisorStats struct {
	Loop             Stats  `json:"loop"`
	Recoveries       uint64 `json:"recoveries"`
	RecoveryFailures uint64 `json:"recovery_failures"`
	Generation       uint64 `json:"generation"`
}

// Supervisor は取得ループのインスタンスを差し替えて復旧する
//
// Recover と各 Grabber の自己再オープンは同じロックで直列化される。
// ロック待ちの間に別の復旧が完了していれば、その結果を共有して戻る。
type Supervisor struct {
	cfg     SupervisorConfig
	newFunc NewFunc
	log     *zap.Logger

	mu         sync.Mutex
	current    atomic.Pointer[Grabber]
	generation atomic.Uint64
	lastErr    error // mu で保護
	closed     atomic.Bool

	recoveries       atomic.Uint64
	recoveryFailures atomic.Uint64
}

// NewSupervisor は Supervisor を作成する
func NewSupervisor(cfg SupervisorConfig, newFunc NewFunc, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, newFunc: newFunc, log: logger}
}

// Start は最初の取得ループを開始する
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrStopped
	}
	if s.current.Load() != nil {
		return ErrAlreadyStarted
	}

	g, err := s.startOne(ctx)
	if err != nil {
		return err
	}
	s.install(g)
	return nil
}

// Latest は現在の取得ループの最新の有効なフレームを返す
func (s *Supervisor) Latest() (*camera.Frame, bool) {
	g := s.current.Load()
	if g == nil {
		return nil, false
	}
	return g.Latest()
}

// Recover は現在のループを停止し、待機後に新しいループを開始する
//
// 失敗した場合は指数バックオフで再試行し、上限に達したらエラーを返す。
func (s *Supervisor) Recover(ctx context.Context) error {
	gen := s.generation.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation.Load() != gen {
		s.log.Info("並行する復旧が完了したため結果を共有します", zap.Error(s.lastErr))
		return s.lastErr
	}
	if s.closed.Load() {
		return ErrStopped
	}

	s.recoveries.Add(1)
	policy := retry.Policy{
		Attempts: s.cfg.Attempts,
		Backoff: retry.Exponential{
			Multiplier: time.Second,
			Min:        s.cfg.MinBackoff,
			Max:        s.cfg.MaxBackoff,
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.log.Warn("カメラの復旧に失敗、再試行します",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if s.closed.Load() {
			return retry.Permanent(ErrStopped)
		}
		if old := s.current.Load(); old != nil {
			old.Stop()
		}
		if err := retry.Sleep(ctx, s.cfg.SettleDelay); err != nil {
			return retry.Permanent(err)
		}

		g, err := s.startOne(ctx)
		if err != nil {
			return err
		}
		s.install(g)
		s.log.Info("カメラを復旧しました", zap.Int("attempt", attempt))
		return nil
	})
	if err != nil {
		s.recoveryFailures.Add(1)
		s.log.Error("カメラの復旧に失敗しました", zap.Error(err))
	}

	s.lastErr = err
	s.generation.Add(1)
	return err
}

func (s *Supervisor) startOne(ctx context.Context) (*Grabber, error) {
	g, err := s.newFunc(&s.mu)
	if err != nil {
		return nil, fmt.Errorf("取得ループの作成に失敗: %w", err)
	}
	if err := g.Start(ctx); err != nil {
		g.Stop()
		return nil, err
	}
	return g, nil
}

// install は新しいループを現在のループにする
func (s *Supervisor) install(g *Grabber) {
	s.current.Store(g)
	// Stop と競合した場合はここで止める
	if s.closed.Load() {
		g.Stop()
	}
}

// Stop は現在のループを停止する。以後の Recover は ErrStopped を返す
func (s *Supervisor) Stop() {
	s.closed.Store(true)
	if g := s.current.Load(); g != nil {
		g.Stop()
	}
}

// Current は現在の取得ループを返す
func (s *Supervisor) Current() *Grabber {
	return s.current.Load()
}

// Stats は統計を返す
func (s *Supervisor) Stats() SupervisorStats {
	st := SupervisorStats{
		Recoveries:       s.recoveries.Load(),
		RecoveryFailures: s.recoveryFailures.Load(),
		Generation:       s.generation.Load(),
	}
	if g := s.current.Load(); g != nil {
		st.Loop = g.Stats()
	} else {
		st.Loop.State = StateStopped
	}
	return st
}
