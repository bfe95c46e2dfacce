package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store は現在の設定を保持する。読み取りはロック無しで行える
//
// 保持している *Config は差し替えるだけで書き換えない。
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore は Store を作成する
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Load は現在の設定を返す
func (s *Store) Load() *Config {
	return s.v.Load()
}

// Swap は設定を差し替えて以前の設定を返す
func (s *Store) Swap(cfg *Config) *Config {
	return s.v.Swap(cfg)
}

// RestartRequired は再起動しないと反映されない項目のうち、変更されたものを返す
//
// ガンマと取得ループの設定は次に作られる取得ループから、
// ヘルスチェックとキープアライブの間隔は次の周期から反映される。
func RestartRequired(prev, next *Config) []string {
	var changed []string
	if prev.Platform != next.Platform {
		changed = append(changed, "platform")
	}
	if prev.Source() != next.Source() {
		changed = append(changed, "camera")
	}

	if prev.Recovery != next.Recovery {
		changed = append(changed, "recovery")
	}

	pm, nm := prev.MVI, next.MVI
	pm.KeepAliveInterval, nm.KeepAliveInterval = 0, 0
	if pm != nm {
		changed = append(changed, "mvi")
	}
	if prev.MQTT != next.MQTT {
		changed = append(changed, "mqtt")
	}
	if prev.Redis != next.Redis {
		changed = append(changed, "redis")
	}
	if prev.Server != next.Server {
		changed = append(changed, "server")
	}
	if prev.Log != next.Log {
		changed = append(changed, "log")
	}
	return changed
}

// Watcher は設定ファイルの変更を監視して Store を差し替える
//
// 読み込みや検証に失敗した場合は以前の設定を使い続ける。
type Watcher struct {
	path     string
	store    *Store
	log      *zap.Logger
	debounce time.Duration

	reloads  atomic.Uint64
	failures atomic.Uint64
}

// NewWatcher は Watcher を作成する
func NewWatcher(path string, store *Store, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルのパスが不正です: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     abs,
		store:    store,
		log:      logger,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Run は ctx がキャンセルされるまで監視する
//
// エディタによる置き換え保存も拾えるように、ファイルではなくディレクトリを監視する。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("ディレクトリの監視に失敗: %w", err)
	}
	w.log.Info("設定ファイルの監視を開始しました", zap.String("path", w.path))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("設定ファイルの監視を停止しました")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			_ = w.Reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("ファイル監視でエラーが発生しました", zap.Error(err))
		}
	}
}

// Reload は設定ファイルを読み直し、妥当であれば差し替える
func (w *Watcher) Reload() error {
	w.log.Info("設定ファイルの変更を検出しました。再読み込みします")

	next, err := Load(w.path)
	if err != nil {
		w.failures.Add(1)
		w.log.Error("設定の再読み込みに失敗しました。以前の設定を使い続けます", zap.Error(err))
		return err
	}

	prev := w.store.Swap(next)
	w.reloads.Add(1)

	if changed := RestartRequired(prev, next); len(changed) > 0 {
		w.log.Warn("変更された項目の一部は再起動後に反映されます", zap.Strings("sections", changed))
	}
	w.log.Info("設定を再読み込みしました",
		zap.Float64("gamma", next.Camera.Gamma),
		zap.Int("warm_up_frames", next.Camera.WarmUpFrames),
		zap.Duration("keep_alive_interval", next.MVI.KeepAliveInterval))
	return nil
}

// Reloads は成功した再読み込みと失敗した再読み込みの回数を返す
func (w *Watcher) Reloads() (ok, failed uint64) {
	return w.reloads.Load(), w.failures.Load()
}
