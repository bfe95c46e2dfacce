package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMockRead はモックの読み取り失敗
var ErrMockRead = errors.New("モック読み取りエラー")

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	devices []string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	return &MockDiscovery{devices: append([]string(nil), devices...)}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d == device {
			return true
		}
	}
	return false
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !m.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	return &DeviceInfo{
		Device:      device,
		Name:        "テストカメラ " + device,
		Driver:      "mock",
		Resolutions: []Resolution{{Width: 640, Height: 480}},
		Formats:     []string{"MJPG"},
	}, nil
}

// MockOpener はテスト用の連続ソース
//
// Open のたびに新しい MockStream を作る。SetShouldFail* で失敗を注入する。
type MockOpener struct {
	mu             sync.Mutex
	width, height  int
	value          byte
	opens          int
	shouldFailOpen bool
	shouldFailRead bool
	failReads      int // 残りの失敗回数（shouldFailRead より優先）
	readDelay      time.Duration
	streams        []*MockStream
}

// NewMockOpener は value で塗りつぶしたフレームを返す MockOpener を作成する
func NewMockOpener(width, height int, value byte) *MockOpener {
	return &MockOpener{width: width, height: height, value: value}
}

// Open は新しいストリームを返す
func (m *MockOpener) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.shouldFailOpen {
		return nil, errors.New("モックのオープンに失敗")
	}
	s := &MockStream{owner: m, closedCh: make(chan struct{})}
	m.streams = append(m.streams, s)
	return s, nil
}

// Opens は Open が呼ばれた回数を返す
func (m *MockOpener) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Streams はこれまでに開いたストリームを返す
func (m *MockOpener) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// SetShouldFailOpen は Open を失敗させるかを設定する
func (m *MockOpener) SetShouldFailOpen(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailOpen = fail
}

// SetShouldFailRead は全ての Read を失敗させるかを設定する
func (m *MockOpener) SetShouldFailRead(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailRead = fail
}

// FailNextReads は次の n 回の Read を失敗させる
func (m *MockOpener) FailNextReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

// SetValue はフレームの画素値を変更する
func (m *MockOpener) SetValue(v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
}

// SetReadDelay は Read ごとの待ち時間を設定する
func (m *MockOpener) SetReadDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDelay = d
}

func (m *MockOpener) next() (*Frame, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads > 0 {
		m.failReads--
		return nil, m.readDelay, ErrMockRead
	}
	if m.shouldFailRead {
		return nil, m.readDelay, ErrMockRead
	}
	pix := make([]byte, m.width*m.height*3)
	for i := range pix {
		pix[i] = m.value
	}
	return &Frame{Pix: pix, Width: m.width, Height: m.height, Channels: 3, CapturedAt: time.Now()}, m.readDelay, nil
}

// MockStream は MockOpener が返すストリーム
type MockStream struct {
	owner     *MockOpener
	mu        sync.Mutex
	reads     int
	closed    bool
	closedCh  chan struct{}
	closeOnce sync.Once
}

// Read はフレームを1枚返す
func (s *MockStream) Read(ctx context.Context) (*Frame, error) {
	frame, delay, err := s.owner.next()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closedCh:
			return nil, ErrClosed
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.reads++
	return frame, err
}

// Close はストリームを閉じる
func (s *MockStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closedCh)
	})
	return nil
}

// Closed は Close 済みかどうかを返す
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reads は Read が呼ばれた回数を返す
func (s *MockStream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// MockFetcher はテスト用の単発ソース
type MockFetcher struct {
	mu          sync.Mutex
	frame       *Frame
	shouldFail  bool
	fetchCalled int
}

// NewMockFetcher は常に frame の複製を返す MockFetcher を作成する
func NewMockFetcher(frame *Frame) *MockFetcher {
	return &MockFetcher{frame: frame}
}

// Fetch はフレームを返す
func (m *MockFetcher) Fetch(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalled++
	if m.shouldFail {
		return nil, errors.New("モックの取得に失敗")
	}
	return m.frame.Clone(), nil
}

// SetShouldFail は Fetch を失敗させるかを設定する
func (m *MockFetcher) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = fail
}

// FetchCalled は Fetch が呼ばれた回数を返す
func (m *MockFetcher) FetchCalled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalled
}
