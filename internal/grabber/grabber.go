package grabber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/camera"
)

var (
	// ErrStopped は停止済みのグラバーに対する操作で返される
	ErrStopped = errors.New("グラバーは停止しています")
	// ErrAlreadyStarted は Start が2回呼ばれたときに返される
	ErrAlreadyStarted = errors.New("グラバーは既に開始されています")
)

// State は取得ループの状態
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDegraded     State = "degraded" // 連続失敗が1回以上
	StateReopening    State = "reopening"
	StateStopped      State = "stopped"
)

// Config は取得ループの設定。インスタンスごとに固定
type Config struct {
	WarmUpFrames     int           // 開始時に捨てる読み取り回数
	WarmUpPause      time.Duration // 捨て読みごとの待ち時間
	FailureThreshold int           // 再オープンまでの連続失敗回数
	FailureBackoff   time.Duration // 読み取り失敗後の待ち時間
	ReopenBackoff    time.Duration // 再オープン失敗後の待ち時間
	SettleDelay      time.Duration // 解放から再オープンまでの待ち時間
	MinMeanIntensity float64       // これ未満の平均輝度のフレームは無効
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() Config {
	return Config{
		WarmUpFrames:     15,
		WarmUpPause:      100 * time.Millisecond,
		FailureThreshold: 10,
		FailureBackoff:   100 * time.Millisecond,
		ReopenBackoff:    5 * time.Second,
		SettleDelay:      time.Second,
		MinMeanIntensity: 5,
	}
}

// Stats は取得ループの統計
type Stats struct {
	State               State     `json:"state"`
	Frames              uint64    `json:"frames"`
	ReadFailures        uint64    `json:"read_failures"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Reopens             uint64    `json:"reopens"`
	ReopenFailures      uint64    `json:"reopen_failures"`
	LastFrameAt         time.Time `json:"last_frame_at"`
}

// Grabber はソースを開いたまま最新フレームを保持し続ける取得ループ
//
// ループはゴルーチン1つで動き、読み取りの成否をここで判定する。
// 連続失敗が閾値に達するとソースを自分で開き直す。
// 開き直しは Supervisor と共有するロックの下で行う。
type Grabber struct {
	cfg    Config
	opener camera.Opener
	lock   sync.Locker
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	slotMu sync.RWMutex
	latest *camera.Frame

	streamMu sync.Mutex
	stream   camera.Stream
	started  bool
	stopped  bool
	stopOnce sync.Once

	// ループのゴルーチンだけが書き込む
	failures atomic.Int64

	state          atomic.Value
	frames         atomic.Uint64
	readFailures   atomic.Uint64
	reopens        atomic.Uint64
	reopenFailures atomic.Uint64
	lastFrameAt    atomic.Int64
}

// New は Grabber を作成する。lock が nil の場合は専用のロックを使う
func New(cfg Config, opener camera.Opener, lock sync.Locker, logger *zap.Logger) *Grabber {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Grabber{
		cfg:    cfg,
		opener: opener,
		lock:   lock,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	g.state.Store(StateInitializing)
	return g
}

// Start はソースを開いて捨て読みを行い、取得ループを起動してすぐに戻る
//
// Start は1インスタンスにつき1回だけ呼べる。
func (g *Grabber) Start(ctx context.Context) error {
	g.streamMu.Lock()
	if g.stopped {
		g.streamMu.Unlock()
		return ErrStopped
	}
	if g.started {
		g.streamMu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.streamMu.Unlock()

	launched := false
	defer func() {
		if !launched {
			g.Stop()
			close(g.done)
		}
	}()

	stream, err := g.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("ソースのオープンに失敗: %w", err)
	}
	if !g.setStream(stream) {
		return ErrStopped
	}

	for i := 0; i < g.cfg.WarmUpFrames; i++ {
		if _, err := stream.Read(ctx); err != nil {
			g.log.Debug("ウォームアップ読み取りに失敗", zap.Int("frame", i+1), zap.Error(err))
		}
		if err := g.pause(ctx, g.cfg.WarmUpPause); err != nil {
			return err
		}
	}

	g.state.Store(StateRunning)
	launched = true
	go g.loop()

	g.log.Info("取得ループを開始しました", zap.Int("warm_up_frames", g.cfg.WarmUpFrames))
	return nil
}

// pause は d だけ待つ。呼び出し元のキャンセルか停止で中断される
func (g *Grabber) pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.ctx.Done():
		return ErrStopped
	case <-t.C:
		return nil
	}
}

// sleep はループ用の待機。停止された場合は false を返す
func (g *Grabber) sleep(d time.Duration) bool {
	return g.pause(context.Background(), d) == nil
}

func (g *Grabber) loop() {
	defer close(g.done)

	for {
		if g.ctx.Err() != nil {
			return
		}

		frame, err := g.read()
		if err == nil {
			g.store(frame)
			g.failures.Store(0)
			g.frames.Add(1)
			g.state.Store(StateRunning)
			continue
		}
		if g.ctx.Err() != nil {
			return
		}

		n := g.failures.Add(1)
		g.readFailures.Add(1)
		g.state.Store(StateDegraded)
		g.log.Warn("フレームの読み取りに失敗",
			zap.Int64("consecutive_failures", n),
			zap.Int("threshold", g.cfg.FailureThreshold),
			zap.Error(err))

		if n < int64(g.cfg.FailureThreshold) {
			if !g.sleep(g.cfg.FailureBackoff) {
				return
			}
			continue
		}

		g.log.Error("連続失敗が閾値に達したためソースを開き直します", zap.Int64("consecutive_failures", n))
		ok := g.reopen()
		g.failures.Store(0)
		if !ok && !g.sleep(g.cfg.ReopenBackoff) {
			return
		}
	}
}

func (g *Grabber) read() (*camera.Frame, error) {
	g.streamMu.Lock()
	stream := g.stream
	g.streamMu.Unlock()

	if stream == nil {
		return nil, fmt.Errorf("ソースが開かれていません")
	}
	frame, err := stream.Read(g.ctx)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, fmt.Errorf("空のフレーム")
	}
	return frame, nil
}

// reopen はソースを解放して開き直す。成功した場合は true を返す
func (g *Grabber) reopen() bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.state.Store(StateReopening)
	g.reopens.Add(1)
	g.releaseStream()

	if !g.sleep(g.cfg.SettleDelay) {
		return false
	}

	stream, err := g.opener.Open(g.ctx)
	if err != nil {
		if g.ctx.Err() != nil {
			return false
		}
		g.reopenFailures.Add(1)
		g.state.Store(StateDegraded)
		g.log.Error("ソースの再オープンに失敗", zap.Error(err), zap.Duration("backoff", g.cfg.ReopenBackoff))
		return false
	}
	if !g.setStream(stream) {
		return false
	}

	g.state.Store(StateRunning)
	g.log.Info("ソースを開き直しました")
	return true
}

// setStream は新しいストリームを保持する。停止済みなら閉じて false を返す
func (g *Grabber) setStream(stream camera.Stream) bool {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()
	if g.stopped {
		_ = stream.Close()
		return false
	}
	g.stream = stream
	return true
}

func (g *Grabber) releaseStream() {
	g.streamMu.Lock()
	stream := g.stream
	g.stream = nil
	g.streamMu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			g.log.Warn("ソースの解放に失敗", zap.Error(err))
		}
	}
}

// store は読み取ったフレームを保持する。フレームは以後変更しない
func (g *Grabber) store(frame *camera.Frame) {
	g.slotMu.Lock()
	if g.ctx.Err() != nil {
		g.slotMu.Unlock()
		return
	}
	g.latest = frame
	g.slotMu.Unlock()
	g.lastFrameAt.Store(frame.CapturedAt.UnixNano())
}

// Latest は最新の有効なフレームの複製を返す
//
// フレームが無い場合と、平均輝度が MinMeanIntensity 未満の場合は false を返す。
func (g *Grabber) Latest() (*camera.Frame, bool) {
	g.slotMu.RLock()
	frame := g.latest
	g.slotMu.RUnlock()

	if frame == nil {
		return nil, false
	}
	if frame.MeanIntensity() < g.cfg.MinMeanIntensity {
		return nil, false
	}
	return frame.Clone(), true
}

// Stop はループに停止を指示してソースを解放する
//
// 何度呼んでもよい。進行中の読み取りの完了は待たない。
func (g *Grabber) Stop() {
	g.stopOnce.Do(func() {
		g.streamMu.Lock()
		g.stopped = true
		started := g.started
		g.streamMu.Unlock()

		g.cancel()
		g.releaseStream()

		g.slotMu.Lock()
		g.latest = nil
		g.slotMu.Unlock()

		g.state.Store(StateStopped)
		if !started {
			close(g.done)
		}
	})
}

// Done はループが終了すると閉じられるチャネルを返す
func (g *Grabber) Done() <-chan struct{} {
	return g.done
}

// Stats は統計を返す
func (g *Grabber) Stats() Stats {
	s := Stats{
		State:               g.state.Load().(State),
		Frames:              g.frames.Load(),
		ReadFailures:        g.readFailures.Load(),
		ConsecutiveFailures: g.failures.Load(),
		Reopens:             g.reopens.Load(),
		ReopenFailures:      g.reopenFailures.Load(),
	}
	if ns := g.lastFrameAt.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}
