// Package trigger は配信のきっかけとなる外部イベントを受け取る
//
// 各トリガーは Run(ctx) で動き、ctx がキャンセルされるまで戻らない。
// 受信したメッセージの内容は記録するだけで解釈しない。
package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handler は1回のトリガーで呼ばれる。source はトリガーの種類
type Handler func(ctx context.Context, source string)

// 記録するペイロードの上限
const maxLoggedPayload = 256

// Stats はトリガーの統計
type Stats struct {
	Connected   bool      `json:"connected"`
	Received    uint64    `json:"received"`
	LastFiredAt time.Time `json:"last_fired_at"`
}

// counter は各トリガーで共通の受信数の集計
type counter struct {
	connected atomic.Bool
	received  atomic.Uint64
	lastFired atomic.Int64

	// mu は stopping と inflight.Add を wait と排他にする
	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup
}

// fire はハンドラーを別の goroutine で起動する。停止処理の開始後は何もせず false を返す
func (c *counter) fire(ctx context.Context, h Handler, source string) bool {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return false
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	c.received.Add(1)
	c.lastFired.Store(time.Now().UnixNano())
	go func() {
		defer c.inflight.Done()
		h(ctx, source)
	}()
	return true
}

// wait は以後のトリガーを受け付けないようにして、実行中のハンドラーの完了を待つ
func (c *counter) wait() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.inflight.Wait()
}

func (c *counter) stats() Stats {
	st := Stats{
		Connected: c.connected.Load(),
		Received:  c.received.Load(),
	}
	if ns := c.lastFired.Load(); ns > 0 {
		st.LastFiredAt = time.Unix(0, ns)
	}
	return st
}

func truncate(payload []byte) string {
	if len(payload) > maxLoggedPayload {
		return string(payload[:maxLoggedPayload]) + "..."
	}
	return string(payload)
}
