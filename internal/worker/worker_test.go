package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent sending, backpressure, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender records every payload it receives.
type recordingSender struct {
	mu   sync.Mutex
	got  []string
	fail bool
}

func (s *recordingSender) Send(_ context.Context, _ netip.AddrPort, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, string(payload))
	if s.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (s *recordingSender) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

var testAddr = netip.MustParseAddrPort("127.0.0.1:9")

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, &recordingSender{})
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, &recordingSender{})

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(2))
	pool.Stop()
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, &recordingSender{})
	assert.ErrorIs(t, pool.Submit(Task{Addr: testAddr}), ErrPoolNotStarted)
}

func TestSendAllThenStop(t *testing.T) {
	sender := &recordingSender{}
	var results sync.WaitGroup
	results.Add(20)
	pool := NewPool(32, sender, WithResultHook(func(Result) { results.Done() }))
	require.NoError(t, pool.Start(3))

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Notify(testAddr, "NCID_01_1 test"))
	}
	results.Wait()
	pool.Stop()

	assert.Len(t, sender.payloads(), 20)
	assert.Equal(t, int64(20), pool.Stats().Sent)
	assert.ErrorIs(t, pool.Submit(Task{Addr: testAddr}), ErrPoolClosed)
}

func TestFailuresAreCounted(t *testing.T) {
	sender := &recordingSender{fail: true}
	done := make(chan Result, 1)
	pool := NewPool(1, sender, WithResultHook(func(r Result) { done <- r }))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Notify(testAddr, "JNTF JSID_01_1"))
	r := <-done
	assert.Error(t, r.Error)
	assert.Equal(t, testAddr, r.Addr)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestBackpressureDrops(t *testing.T) {
	release := make(chan struct{})
	blocking := SenderFunc(func(ctx context.Context, _ netip.AddrPort, _ []byte) error {
		<-release
		return nil
	})
	pool := NewPool(1, blocking)
	require.NoError(t, pool.Start(1))

	// one in flight, one buffered, then the buffer is full
	require.NoError(t, pool.Submit(Task{Addr: testAddr}))
	require.Eventually(t, func() bool { return len(pool.taskCh) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(Task{Addr: testAddr}))
	assert.ErrorIs(t, pool.Submit(Task{Addr: testAddr}), ErrPoolFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	pool.Stop()
}

func TestPanickingSender(t *testing.T) {
	done := make(chan Result, 1)
	boom := SenderFunc(func(context.Context, netip.AddrPort, []byte) error { panic("boom") })
	pool := NewPool(1, boom, WithResultHook(func(r Result) { done <- r }))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Addr: testAddr}))
	assert.Error(t, (<-done).Error)
}

func TestStopIsIdempotent(t *testing.T) {
	pool := NewPool(1, &recordingSender{})
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

// ============================================================================
// UDP Sender
// ============================================================================

func TestUDPSenderDelivers(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewUDPSender()
	require.NoError(t, err)
	defer sender.Close()

	addr := listener.LocalAddr().(*net.UDPAddr).AddrPort()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, addr, []byte("NCID_01_1 q1")))

	buf := make([]byte, 64)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "NCID_01_1 q1", string(buf[:n]))

	require.NoError(t, sender.Close())
	assert.ErrorIs(t, sender.Send(context.Background(), addr, nil), net.ErrClosed)
}
