package grabber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edgecam/internal/camera"
)

func testConfig() Config {
	return Config{
		WarmUpFrames:     0,
		WarmUpPause:      time.Millisecond,
		FailureThreshold: 10,
		FailureBackoff:   time.Millisecond,
		ReopenBackoff:    time.Millisecond,
		SettleDelay:      time.Millisecond,
		MinMeanIntensity: 5,
	}
}

func newTestOpener() *camera.MockOpener {
	o := camera.NewMockOpener(4, 4, 100)
	o.SetReadDelay(time.Millisecond)
	return o
}

// stopAndWait はループの終了まで待ち、テスト終了後のログ出力を防ぐ
func stopAndWait(t *testing.T, g *Grabber) {
	t.Helper()
	g.Stop()
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
}

func TestGrabber_StartCachesFrames(t *testing.T) {
	opener := newTestOpener()
	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	require.Eventually(t, func() bool {
		_, ok := g.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	frame, ok := g.Latest()
	require.True(t, ok)
	assert.Equal(t, 4, frame.Width)
	assert.Equal(t, 1, opener.Opens())
	assert.Equal(t, StateRunning, g.Stats().State)
}

func TestGrabber_WarmUpReadsAreDiscarded(t *testing.T) {
	opener := newTestOpener()
	cfg := testConfig()
	cfg.WarmUpFrames = 3
	// ウォームアップ中の失敗は無視される
	opener.FailNextReads(3)

	g := New(cfg, opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	streams := opener.Streams()
	require.Len(t, streams, 1)
	assert.GreaterOrEqual(t, streams[0].Reads(), 3)
	assert.Equal(t, uint64(0), g.Stats().ReadFailures)
}

func TestGrabber_BelowThresholdDoesNotReopen(t *testing.T) {
	opener := newTestOpener()
	opener.FailNextReads(9)

	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	require.Eventually(t, func() bool {
		return g.Stats().Frames > 0
	}, time.Second, 5*time.Millisecond)

	stats := g.Stats()
	assert.Equal(t, uint64(9), stats.ReadFailures)
	assert.Equal(t, uint64(0), stats.Reopens)
	assert.Equal(t, 1, opener.Opens())
	assert.Equal(t, int64(0), stats.ConsecutiveFailures)
}

func TestGrabber_ThresholdReopensExactlyOnce(t *testing.T) {
	opener := newTestOpener()
	opener.FailNextReads(10)

	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	require.Eventually(t, func() bool {
		return g.Stats().Frames > 0
	}, time.Second, 5*time.Millisecond)

	stats := g.Stats()
	assert.Equal(t, uint64(1), stats.Reopens)
	assert.Equal(t, 2, opener.Opens())

	streams := opener.Streams()
	require.Len(t, streams, 2)
	assert.True(t, streams[0].Closed(), "old stream must be released before reopening")
	assert.False(t, streams[1].Closed())

	_, ok := g.Latest()
	assert.True(t, ok)
}

func TestGrabber_SuccessResetsFailureCount(t *testing.T) {
	opener := newTestOpener()
	opener.FailNextReads(5)

	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	require.Eventually(t, func() bool {
		return g.Stats().Frames > 0
	}, time.Second, 5*time.Millisecond)
	before := g.Stats().Frames

	opener.FailNextReads(9)
	require.Eventually(t, func() bool {
		s := g.Stats()
		return s.ReadFailures == 14 && s.Frames > before
	}, time.Second, 5*time.Millisecond)

	// 5 + 9 回失敗しても連続ではないため再オープンしない
	assert.Equal(t, uint64(0), g.Stats().Reopens)
	assert.Equal(t, 1, opener.Opens())
}

func TestGrabber_FailedReopenRetriesLater(t *testing.T) {
	opener := newTestOpener()
	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	opener.SetShouldFailOpen(true)
	opener.SetShouldFailRead(true)

	require.Eventually(t, func() bool {
		return g.Stats().ReopenFailures > 0
	}, 2*time.Second, 5*time.Millisecond)

	opener.SetShouldFailOpen(false)
	opener.SetShouldFailRead(false)

	require.Eventually(t, func() bool {
		_, ok := g.Latest()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGrabber_LatestRejectsDarkFrames(t *testing.T) {
	opener := newTestOpener()
	opener.SetValue(2)

	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	require.Eventually(t, func() bool {
		return g.Stats().Frames > 0
	}, time.Second, 5*time.Millisecond)

	_, ok := g.Latest()
	assert.False(t, ok, "frame with mean intensity below 5 must be rejected")

	opener.SetValue(5)
	require.Eventually(t, func() bool {
		_, ok := g.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestGrabber_LatestReturnsPrivateCopy(t *testing.T) {
	g := New(testConfig(), newTestOpener(), nil, zaptest.NewLogger(t))
	defer stopAndWait(t, g)
	g.store(&camera.Frame{Pix: []byte{50, 50, 50}, Width: 1, Height: 1, Channels: 3})

	a, ok := g.Latest()
	require.True(t, ok)
	a.Pix[0] = 0

	b, ok := g.Latest()
	require.True(t, ok)
	assert.Equal(t, byte(50), b.Pix[0])
}

func TestGrabber_StopIsIdempotent(t *testing.T) {
	opener := newTestOpener()
	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := g.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	g.Stop()
	g.Stop()

	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after Stop")
	}

	assert.True(t, opener.Streams()[0].Closed())
	assert.Equal(t, StateStopped, g.Stats().State)
	_, ok := g.Latest()
	assert.False(t, ok)
}

func TestGrabber_StopUnblocksRead(t *testing.T) {
	opener := newTestOpener()
	opener.SetReadDelay(time.Hour)

	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))

	time.Sleep(10 * time.Millisecond)
	g.Stop()

	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("blocked read was not released by Stop")
	}
}

func TestGrabber_StartOnce(t *testing.T) {
	opener := newTestOpener()
	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyStarted)
}

func TestGrabber_StartAfterStop(t *testing.T) {
	g := New(testConfig(), newTestOpener(), nil, zaptest.NewLogger(t))
	g.Stop()
	assert.ErrorIs(t, g.Start(context.Background()), ErrStopped)

	select {
	case <-g.Done():
	default:
		t.Fatal("Done must be closed for a grabber that never ran")
	}
}

func TestGrabber_StartOpenFailure(t *testing.T) {
	opener := newTestOpener()
	opener.SetShouldFailOpen(true)

	g := New(testConfig(), opener, nil, zaptest.NewLogger(t))
	err := g.Start(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStopped))

	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must be closed after a failed start")
	}
}

func TestGrabber_ReopenWaitsForSharedLock(t *testing.T) {
	opener := newTestOpener()
	var lock sync.Mutex
	g := New(testConfig(), opener, &lock, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	defer stopAndWait(t, g)

	lock.Lock()
	opener.FailNextReads(10)

	require.Eventually(t, func() bool {
		return g.Stats().ReadFailures >= 10
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, opener.Opens(), "reopen must wait for the shared lock")

	lock.Unlock()
	require.Eventually(t, func() bool {
		return opener.Opens() == 2
	}, time.Second, 5*time.Millisecond)
}
