// Package retry は回数制限付きの再試行とバックオフ計算を提供する
//
// 認証・復旧・アップロードの各処理が同じ再試行ループを共有する。
// 待機はコンテキストのキャンセルで中断できる。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted は全ての試行が失敗したことを表す
var ErrExhausted = errors.New("再試行回数の上限に達しました")

// Backoff は n 回目の失敗後の待機時間を返す（n は1始まり）
type Backoff interface {
	Delay(n int) time.Duration
}

// Exponential は multiplier*2^(n-1) を [Min, Max] に収める指数バックオフ
type Exponential struct {
	Multiplier time.Duration
	Min        time.Duration
	Max        time.Duration
}

// Delay は待機時間を計算する
func (e Exponential) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := e.Multiplier
	if mult <= 0 {
		mult = time.Second
	}

	d := mult
	for i := 1; i < n; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			d = e.Max
			break
		}
	}

	if d < e.Min {
		d = e.Min
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	return d
}

// Fixed は常に同じ時間だけ待機する
type Fixed time.Duration

// Delay は固定の待機時間を返す
func (f Fixed) Delay(int) time.Duration {
	return time.Duration(f)
}

// Policy は再試行の方針
type Policy struct {
	Attempts int     // 最大試行回数（1以上）
	Backoff  Backoff // 失敗後の待機時間

	// Retryable が false を返したエラーでは即座に打ち切る（nil なら常に再試行）
	Retryable func(error) bool

	// OnRetry は待機に入る直前に呼ばれる
	OnRetry func(attempt int, err error, wait time.Duration)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent はこれ以上再試行しないエラーとして包む
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do は fn が成功するまで Policy に従って再試行する
//
// fn には1始まりの試行番号が渡される。
// 上限に達した場合は ErrExhausted と最後のエラーの両方を包んだエラーを返す。
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (最後のエラー: %v)", err, lastErr)
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff.Delay(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w (最後のエラー: %v)", err, lastErr)
		}
	}

	return fmt.Errorf("%w (%d回): %w", ErrExhausted, attempts, lastErr)
}

// Sleep は d だけ待機する。コンテキストがキャンセルされた場合はそのエラーを返す
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
