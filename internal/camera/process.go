package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultOpenTimeout は最初のフレームを待つ既定の時間
const DefaultOpenTimeout = 10 * time.Second

// processStream は外部コマンドの標準出力からフレームを読み出すストリーム
//
// ffmpeg と rpicam-vid の両方で使う。Close でプロセスを kill するので、
// ブロック中の Read はパイプの終端で戻る。
type processStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *tailBuffer
	decode func(r *bufio.Reader) (*Frame, error)

	// pending は起動確認で読んだ最初のフレーム。次の Read で返す
	pending *Frame

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// startProcessStream は外部コマンドを起動し、timeout 以内に最初のフレームが届くことを確かめる
//
// デバイスが無いなどでプロセスがすぐ終了した場合や、時間内にフレームが届かない場合は
// プロセスを停止してエラーを返す。
func startProcessStream(ctx context.Context, cmd *exec.Cmd, decode func(r *bufio.Reader) (*Frame, error), timeout time.Duration) (*processStream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%sの起動に失敗: %w", cmd.Path, err)
	}

	s := &processStream{
		cmd:    cmd,
		stdout: stdout,
		reader: bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
		decode: decode,
	}
	if err := s.confirm(ctx, timeout); err != nil {
		return nil, err
	}
	return s, nil
}

// confirm は最初のフレームを読み、失敗したらプロセスを停止する
func (s *processStream) confirm(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	type result struct {
		frame *Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := s.decode(s.reader)
		ch <- result{frame, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case r := <-ch:
		if r.err == nil {
			s.pending = r.frame
			return nil
		}
		cause = r.err
	case <-timer.C:
		cause = fmt.Errorf("%s 以内に最初のフレームを受信できません", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	// Close はプロセスの終了と stderr の回収を待つ
	_ = s.Close()
	select {
	case <-ch:
	default:
	}
	if msg := s.stderr.String(); msg != "" {
		return fmt.Errorf("ソースを開けません: %w (stderr: %s)", cause, msg)
	}
	return fmt.Errorf("ソースを開けません: %w", cause)
}

// Read は次の1フレームを読み取る
func (s *processStream) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if frame := s.pending; frame != nil {
		s.pending = nil
		return frame, nil
	}

	frame, err := s.decode(s.reader)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		if msg := s.stderr.String(); msg != "" {
			return nil, fmt.Errorf("フレーム読み取りエラー: %w (stderr: %s)", err, msg)
		}
		return nil, fmt.Errorf("フレーム読み取りエラー: %w", err)
	}
	return frame, nil
}

// Close はプロセスを停止する
func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.closeErr = fmt.Errorf("プロセスの停止に失敗: %w", err)
			}
		}
		// kill 後の終了ステータスは常にエラーになるため無視する
		_ = s.cmd.Wait()
	})
	return s.closeErr
}

// tailBuffer は書き込まれたデータの末尾 limit バイトだけを保持する
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf.Bytes()))
}
