// Package app は設定から各コンポーネントを組み立てて起動する
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edgecam/internal/agent"
	"edgecam/internal/camera"
	"edgecam/internal/config"
	"edgecam/internal/grabber"
	"edgecam/internal/mvi"
	"edgecam/internal/server"
	"edgecam/internal/trigger"
)

const closeTimeout = 5 * time.Second

// extraBackends はビルドタグで追加されるバックエンドの登録関数
var extraBackends []func(f *camera.Factory)

// NewFactory は利用できる全バックエンドを登録した Factory を返す
func NewFactory() *camera.Factory {
	f := camera.NewFactory()
	for _, register := range extraBackends {
		register(f)
	}
	return f
}

// Deps は差し替え可能な依存
type Deps struct {
	Factory   *camera.Factory
	Discovery camera.Discovery
}

func (d Deps) withDefaults() Deps {
	if d.Factory == nil {
		d.Factory = NewFactory()
	}
	if d.Discovery == nil {
		d.Discovery = camera.NewLinuxDiscovery()
	}
	return d
}

// App は起動済みのコンポーネントをまとめる
type App struct {
	store *config.Store
	log   *zap.Logger

	source   camera.SourceConfig
	session  *mvi.Session
	uploader *mvi.Uploader
	sup      *grabber.Supervisor // 単発取得ソースでは nil
	agent    *agent.Agent

	mu       sync.Mutex
	triggers map[string]interface{ Stats() trigger.Stats }
}

func (a *App) addTrigger(name string, t interface{ Stats() trigger.Stats }) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers[name] = t
}

// New は認証とカメラの起動までを行う
//
// 認証できない、カメラを開けないといった起動時の問題はここでエラーになる。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps Deps) (*App, error) {
	deps = deps.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if w := cfg.PlatformWarning(); w != "" {
		logger.Warn(w)
	}

	a := &App{
		store:    config.NewStore(cfg),
		log:      logger,
		triggers: make(map[string]interface{ Stats() trigger.Stats }),
	}

	mvicfg := cfg.MVIClient()
	client, err := mvi.NewHTTPClient(mvicfg.CACertFile, mvicfg.RequestTimeout, logger.Named("mvi"))
	if err != nil {
		return nil, err
	}
	a.session = mvi.NewSession(mvicfg, client, logger.Named("session"))
	a.uploader = mvi.NewUploader(mvicfg, client, logger.Named("uploader"))

	if _, err := a.session.Authenticate(ctx); err != nil {
		return nil, err
	}

	a.source = cfg.Source()
	opts := agent.Options{
		PostRecoveryWait: cfg.Recovery.PostRecoveryWait,
		Gamma:            func() float64 { return a.store.Load().Camera.Gamma },
	}

	if !a.source.Kind.Continuous() {
		fetcher, err := deps.Factory.NewFetcher(a.source)
		if err != nil {
			return nil, err
		}
		logger.Info("単発取得ソースを使用します", zap.String("url", a.source.URL))
		a.agent = agent.NewSingleShot(fetcher, a.session, a.uploader, opts, logger.Named("agent"))
		return a, nil
	}

	if a.source.Kind == camera.KindUSB && a.source.Device == "" {
		device, err := a.discover(ctx, deps, cfg.Camera.DiscoveryTimeout)
		if err != nil {
			return nil, err
		}
		a.source.Device = device
	}

	opener, err := deps.Factory.NewOpener(a.source)
	if err != nil {
		return nil, err
	}

	loopLog := logger.Named("grabber")
	newGrabber := func(lock sync.Locker) (*grabber.Grabber, error) {
		return grabber.New(a.store.Load().Grabber(), opener, lock, loopLog), nil
	}
	a.sup = grabber.NewSupervisor(cfg.Supervisor(), newGrabber, logger.Named("supervisor"))
	if err := a.sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("カメラの起動に失敗: %w", err)
	}
	logger.Info("カメラの取得ループを開始しました",
		zap.String("type", string(a.source.Kind)),
		zap.String("device", a.source.Device),
		zap.Int("width", a.source.Width),
		zap.Int("height", a.source.Height))

	a.agent = agent.NewContinuous(a.sup, a.session, a.uploader, opts, logger.Named("agent"))
	return a, nil
}

func (a *App) discover(ctx context.Context, deps Deps, timeout time.Duration) (string, error) {
	if a.source.Platform == camera.PlatformWindows {
		return "", errors.New("Windowsでは camera.device にデバイス名を指定してください")
	}
	a.log.Info("動作するUSBカメラを検索しています")
	device, err := camera.FindWorkingCamera(ctx, deps.Discovery, func(device string) (camera.Opener, error) {
		src := a.source
		src.Device = device
		return deps.Factory.NewOpener(src)
	}, timeout)
	if err != nil {
		return "", err
	}
	a.log.Info("USBカメラを検出しました", zap.String("device", device))
	return device, nil
}

// Agent は配信を行う Agent を返す
func (a *App) Agent() *agent.Agent {
	return a.agent
}

// Run はトリガー・キープアライブ・設定の監視・HTTPサーバーを動かし、
// ctx がキャンセルされたら全て止めてから戻る
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	cfg := a.store.Load()

	deliver := func(ctx context.Context, source string) {
		out := a.agent.Deliver(ctx)
		a.log.Info("配信が終了しました", zap.String("trigger", source), zap.String("outcome", string(out)))
	}

	// 起動前に作れないものがあればここで失敗させる
	var runners []func(context.Context) error
	if cfg.MQTT.Enabled() {
		m, err := trigger.NewMQTT(cfg.MQTTTrigger(), deliver, a.log.Named("mqtt"))
		if err != nil {
			return err
		}
		a.addTrigger(trigger.SourceMQTT, m)
		runners = append(runners, m.Run)
	}
	if cfg.Redis.Enabled() {
		r, err := trigger.NewRedis(cfg.RedisTrigger(), deliver, a.log.Named("redis"))
		if err != nil {
			return err
		}
		a.addTrigger(trigger.SourceRedis, r)
		runners = append(runners, r.Run)
	}
	if path := cfg.Path(); path != "" {
		w, err := config.NewWatcher(path, a.store, a.log.Named("config"))
		if err != nil {
			return err
		}
		runners = append(runners, w.Run)
	}

	health := trigger.NewTicker(
		func() time.Duration { return a.store.Load().HealthCheck.Interval },
		func(ctx context.Context, _ string) {
			if out := a.agent.HealthCheck(ctx); out != agent.OutcomeHealthy {
				a.log.Info("ヘルスチェックが終了しました", zap.String("outcome", string(out)))
			}
		},
		a.log.Named("health"))
	a.addTrigger(trigger.SourceHealthCheck, health)
	runners = append(runners, health.Run)

	runners = append(runners, func(ctx context.Context) error {
		a.session.KeepAlive(ctx, func() time.Duration { return a.store.Load().MVI.KeepAliveInterval })
		return nil
	})

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, a.agent, a.Status, a.log.Named("server"))
		runners = append(runners, srv.Start)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(ctx) })
	}

	a.log.Info("すべてのコンポーネントを起動しました。トリガーを待っています")
	err := g.Wait()
	a.log.Info("停止しました")
	return err
}

// DeliverOnce は最初のフレームを待ってから1回だけ配信する
func (a *App) DeliverOnce(ctx context.Context, wait time.Duration) agent.Outcome {
	if a.sup != nil {
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if _, ok := a.sup.Latest(); ok {
				break
			}
			select {
			case <-ctx.Done():
				return a.agent.Deliver(ctx)
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return a.agent.Deliver(ctx)
}

// Status は稼働状況を返す
func (a *App) Status() server.Status {
	st := server.Status{
		Source:     a.source.Kind,
		Session:    a.session.State(),
		Deliveries: a.agent.Stats(),
	}
	if a.sup != nil {
		loop := a.sup.Stats()
		st.Loop = &loop
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st.Triggers = make(map[string]trigger.Stats, len(a.triggers))
	for name, t := range a.triggers {
		st.Triggers[name] = t.Stats()
	}
	return st
}

// Close は取得ループを停止し、終了を最大 closeTimeout 待つ
func (a *App) Close() {
	if a.sup == nil {
		return
	}
	a.sup.Stop()
	g := a.sup.Current()
	if g == nil {
		return
	}
	select {
	case <-g.Done():
	case <-time.After(closeTimeout):
		a.log.Warn("取得ループの終了を待たずに停止します")
	}
}
