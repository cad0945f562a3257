package msgmux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testMessage struct {
	ID      int
	Content string
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func listen(t *testing.T, opts ...Option) *Endpoint[testMessage] {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	ep, err := Listen[testMessage](context.Background(), "127.0.0.1:0", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a, err := addrOf(l.Addr())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	return a
}

func writeRawFrame(t *testing.T, c net.Conn, length uint32, payload []byte) {
	t.Helper()
	require.NoError(t, binary.Write(c, binary.LittleEndian, length))
	_, err := c.Write(payload)
	require.NoError(t, err)
}

func TestRoundTripScenario(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t)

	sa, ra := a.Sender(), a.Receiver()
	sb, rb := b.Sender(), b.Receiver()

	require.NoError(t, sa.Send(b.Addr(), testMessage{ID: 10, Content: "Hello"}))

	e, err := rb.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, e.Msg.ID)
	require.Equal(t, "Hello", e.Msg.Content)
	// the source is the observed address of a's connection
	require.Equal(t, a.Addr().Addr(), e.Addr.Addr())

	require.NoError(t, sb.Send(e.Addr, testMessage{ID: 20, Content: "Yo"}))

	e, err = ra.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, b.Addr(), e.Addr)
	require.Equal(t, 20, e.Msg.ID)
	require.Equal(t, "Yo", e.Msg.Content)

	// the reply reused the connection a dialed
	require.EqualValues(t, 1, a.Statistics().DialedCount)
	require.EqualValues(t, 0, b.Statistics().DialedCount)
	require.EqualValues(t, 1, b.Statistics().AcceptedCount)
}

func TestNew(t *testing.T) {
	ctx := testContext(t)

	s1, r1, err := New[testMessage]("127.0.0.1:0")
	require.NoError(t, err)
	defer s1.ep.Close()
	s2, r2, err := New[testMessage]("127.0.0.1:0")
	require.NoError(t, err)
	defer s2.ep.Close()

	require.NoError(t, s1.SendTo(s2.ep.Addr().String(), testMessage{ID: 1}))
	e, err := r2.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.Msg.ID)

	require.NoError(t, s2.Send(e.Addr, testMessage{ID: 2}))
	e, err = r1.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, e.Msg.ID)

	require.Error(t, s1.SendTo("nope", testMessage{}))
}

func TestListenFailure(t *testing.T) {
	a := listen(t)

	_, err := Listen[testMessage](context.Background(), a.Addr().String())
	require.Error(t, err)

	_, _, err = New[testMessage]("127.0.0.1:99999")
	require.Error(t, err)
}

func TestDeliveryExactlyOnce(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, a.Output(ctx, b.Addr(), testMessage{ID: i}))
	}

	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		e, err := b.Recv(ctx)
		require.NoError(t, err)
		seen[e.Msg.ID]++
	}
	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, "message %d", id)
	}

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := b.Recv(rctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentSendsShareOneConnection(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t)

	const n = 50
	var wg sync.WaitGroup
	errC := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errC <- a.Sender().Send(b.Addr(), testMessage{ID: i})
		}(i)
	}
	wg.Wait()
	close(errC)
	for err := range errC {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		_, err := b.Recv(ctx)
		require.NoError(t, err)
	}

	require.Equal(t, []Addr{b.Addr()}, a.Peers())
	require.Len(t, b.Peers(), 1)
	require.EqualValues(t, 1, a.Statistics().DialedCount)
	require.EqualValues(t, 1, b.Statistics().AcceptedCount)
}

func TestUnreachablePeerIsDropped(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	dead := deadAddr(t)

	done := make(chan error, 1)
	go func() { done <- a.Sender().Send(dead, testMessage{ID: 1}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send blocked")
	}

	require.Eventually(t, func() bool {
		return a.Statistics().DroppedCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	err := a.Post(ctx, dead, testMessage{ID: 2})
	require.ErrorIs(t, err, ErrUnreachable)

	require.Empty(t, a.Peers())
	select {
	case se := <-a.Errors():
		t.Fatalf("unexpected send error: %v", se)
	default:
	}

	// the writer is still serving
	b := listen(t)
	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 3}))
	e, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, e.Msg.ID)
}

func TestMalformedFrameIsolated(t *testing.T) {
	cases := []struct {
		name  string
		write func(t *testing.T, c net.Conn)
	}{
		{"undecodable", func(t *testing.T, c net.Conn) {
			writeRawFrame(t, c, 1, []byte{0xc1})
		}},
		{"truncated", func(t *testing.T, c net.Conn) {
			writeRawFrame(t, c, 100, []byte("abc"))
			c.(*net.TCPConn).CloseWrite()
		}},
		{"oversized", func(t *testing.T, c net.Conn) {
			writeRawFrame(t, c, 1<<20, nil)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			b := listen(t, WithMaxFrameSize(1024))
			a := listen(t)

			bad, err := net.Dial("tcp", b.Addr().String())
			require.NoError(t, err)
			defer bad.Close()
			tc.write(t, bad)

			// b hangs up on the bad connection
			bad.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, err = bad.Read(make([]byte, 1))
			require.True(t, errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err), "read: %v", err)

			require.NoError(t, a.Sender().Send(b.Addr(), testMessage{ID: 7, Content: "ok"}))
			e, err := b.Recv(ctx)
			require.NoError(t, err)
			require.Equal(t, testMessage{ID: 7, Content: "ok"}, e.Msg)
			require.Len(t, b.Peers(), 1)
		})
	}
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}

func TestDecodeErrorsCounted(t *testing.T) {
	b := listen(t)

	bad, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer bad.Close()
	writeRawFrame(t, bad, 1, []byte{0xc1})

	require.Eventually(t, func() bool {
		return b.Statistics().DecodeErrors == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(b.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

type flakyTransport struct {
	Transport
	failNext atomic.Bool
}

type failingConn struct {
	net.Conn
}

func (c failingConn) Write([]byte) (int, error) {
	return 0, errors.New("write refused")
}

func (t *flakyTransport) Dial(ctx context.Context, addr Addr) (net.Conn, error) {
	nc, err := t.Transport.Dial(ctx, addr)
	if err != nil || !t.failNext.CompareAndSwap(true, false) {
		return nc, err
	}
	return failingConn{nc}, nil
}

func TestWriteFailureKeepsWriter(t *testing.T) {
	ctx := testContext(t)
	tr := &flakyTransport{Transport: TCP()}
	tr.failNext.Store(true)

	a := listen(t, WithTransport(tr))
	b := listen(t)

	require.NoError(t, a.Sender().Send(b.Addr(), testMessage{ID: 1}))
	select {
	case se := <-a.Errors():
		require.Equal(t, b.Addr(), se.Addr)
		require.ErrorContains(t, se, "write refused")
	case <-ctx.Done():
		t.Fatal("no send error")
	}
	require.Empty(t, a.Peers())

	// the next message redials
	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 2}))
	e, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, e.Msg.ID)

	s := a.Statistics()
	require.EqualValues(t, 1, s.WriteErrors)
	require.EqualValues(t, 2, s.DialedCount)
	require.EqualValues(t, 1, s.WrittenCount)
}

func TestPostReportsEncodeError(t *testing.T) {
	ctx := testContext(t)
	type bad struct{ C chan int }

	a, err := Listen[bad](ctx, "127.0.0.1:0", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer a.Close()
	b := listen(t)

	err = a.Post(ctx, b.Addr(), bad{C: make(chan int)})
	require.Error(t, err)
	require.EqualValues(t, 1, a.Statistics().WriteErrors)
}

func TestSendClose(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t)

	s := a.Sender()
	require.NoError(t, s.Send(b.Addr(), testMessage{ID: 1}))
	s.Close()
	s.Close()

	require.ErrorIs(t, s.Send(b.Addr(), testMessage{ID: 2}), ErrSendClosed)
	require.ErrorIs(t, s.Post(ctx, b.Addr(), testMessage{ID: 3}), ErrSendClosed)
	require.False(t, s.TryOutput(b.Addr(), testMessage{ID: 4}))

	// queued messages are still written
	e, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, e.Msg.ID)

	// receiving keeps working
	require.NoError(t, b.Sender().Send(e.Addr, testMessage{ID: 5}))
	e, err = a.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, e.Msg.ID)
	require.False(t, a.Stopped())
}

func TestReceiverClose(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t, WithReadQueueSize(1))

	r := b.Receiver()
	r.Close()
	_, err := r.Recv(ctx)
	require.ErrorIs(t, err, ErrReceiverClosed)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: i}))
	}
	require.Eventually(t, func() bool {
		return b.Statistics().ReadedCount >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// the reader exits at the first message it cannot deliver
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, b.Statistics().ReadedCount, int64(2))
	require.False(t, b.Stopped())

	// the connection still carries b's messages
	peers := b.Peers()
	require.Len(t, peers, 1)
	require.NoError(t, b.Post(ctx, peers[0], testMessage{ID: 9}))
	e, err := a.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, e.Msg.ID)
}

func TestTryOutput(t *testing.T) {
	a := listen(t)
	require.True(t, a.TryOutput(deadAddr(t), testMessage{}))
}

func TestMaxConns(t *testing.T) {
	ctx := testContext(t)
	a := listen(t, WithMaxConns(1))
	b := listen(t)
	c := listen(t)

	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 1}))
	require.NoError(t, a.Post(ctx, c.Addr(), testMessage{ID: 2}))

	require.Equal(t, []Addr{c.Addr()}, a.Peers())
	require.EqualValues(t, 1, a.Statistics().EvictedCount)

	// b notices the eviction
	require.Eventually(t, func() bool {
		return len(b.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err := b.Recv(ctx)
	require.NoError(t, err)
}

func TestIdleTimeout(t *testing.T) {
	ctx := testContext(t)
	mock := clock.NewMock()
	a := listen(t, WithClock(mock), WithIdleTimeout(time.Minute))
	b := listen(t)

	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 1}))
	require.Len(t, a.Peers(), 1)

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return len(a.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, a.Statistics().EvictedCount)

	_, err := b.Recv(ctx)
	require.NoError(t, err)
}

func TestDialTimeout(t *testing.T) {
	ctx := testContext(t)
	a := listen(t, WithDialTimeout(time.Second))
	b := listen(t)

	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 1}))
	require.ErrorIs(t, a.Post(ctx, deadAddr(t), testMessage{ID: 2}), ErrUnreachable)
}

func TestStop(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t)

	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 1}))
	_, err := b.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.True(t, b.Stopped())
	require.NoError(t, b.Error())
	require.Empty(t, b.Peers())

	_, err = b.Recv(ctx)
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, b.Sender().Send(a.Addr(), testMessage{}), ErrStopped)
	require.ErrorIs(t, b.Post(ctx, a.Addr(), testMessage{}), ErrStopped)

	// a's reader sees the hang up
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ep, err := Listen[testMessage](ctx, "127.0.0.1:0")
	require.NoError(t, err)

	cancel()
	select {
	case <-ep.StopD():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint did not stop")
	}
}

func TestFrameDumpOption(t *testing.T) {
	ctx := testContext(t)
	var dump safeBuffer
	a := listen(t, WithFrameDump(&dump, func(f Frame, read bool) bool { return !read }))
	b := listen(t)

	require.NoError(t, a.Post(ctx, b.Addr(), testMessage{ID: 1}))
	require.Contains(t, dump.String(), fmt.Sprintf("W:%v:", b.Addr()))
}

type safeBuffer struct {
	mu sync.Mutex
	b  []byte
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b = append(s.b, p...)
	return len(p), nil
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.b)
}

// stallWriter makes the writer of ep block on a peer that accepts and never
// reads. It returns that peer's address.
func stallWriter(t *testing.T, ep *Endpoint[testMessage]) Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var held []net.Conn
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, nc := range held {
			nc.Close()
		}
	})
	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, nc)
			mu.Unlock()
		}
	}()

	to, err := addrOf(l.Addr())
	require.NoError(t, err)

	big := testMessage{Content: string(make([]byte, 16<<20))}
	for i := 0; i < 4; i++ {
		require.NoError(t, ep.Sender().Send(to, big))
	}
	require.Eventually(t, func() bool {
		return ep.Statistics().DialedCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	return to
}

func closeWithin(t *testing.T, ep *Endpoint[testMessage], d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		ep.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("Close did not return within %v", d)
	}
	require.True(t, ep.Stopped())
}

func TestCloseWithNonReadingPeer(t *testing.T) {
	a := listen(t)
	stallWriter(t, a)

	closeWithin(t, a, 5*time.Second)
	require.Empty(t, a.Peers())
}

func TestCloseByContextWithNonReadingPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := Listen[testMessage](ctx, "127.0.0.1:0", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	stallWriter(t, a)

	cancel()
	select {
	case <-a.StopD():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint did not stop")
	}
}

func TestSendDoesNotBlock(t *testing.T) {
	a := listen(t, WithWriteQueueSize(4))
	to := stallWriter(t, a)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 2000; i++ {
			if err := a.Sender().Send(to, testMessage{ID: i}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked while the writer was stalled")
	}
	require.GreaterOrEqual(t, a.Statistics().Queued, int64(2000))

	// the size still bounds the waiting calls
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.Output(ctx, to, testMessage{}), context.DeadlineExceeded)
	require.False(t, a.TryOutput(to, testMessage{}))

	closeWithin(t, a, 5*time.Second)
}

func TestSendCloseRace(t *testing.T) {
	ctx := testContext(t)
	a := listen(t)
	b := listen(t)

	var sent atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if a.Sender().Send(b.Addr(), testMessage{ID: g*1000 + i}) != nil {
					return
				}
				sent.Add(1)
			}
		}(g)
	}

	require.Eventually(t, func() bool {
		return sent.Load() >= 50
	}, 5*time.Second, time.Millisecond)
	a.Sender().Close()
	wg.Wait()

	// every accepted message is written
	for n := sent.Load(); n > 0; n-- {
		_, err := b.Recv(ctx)
		require.NoError(t, err)
	}
	require.EqualValues(t, sent.Load(), a.Statistics().WrittenCount)
}

// stallingTransport dials only when released. A blocking dial that honors
// ctx waits for it, the other ignores it.
type stallingTransport struct {
	Transport
	honorCtx bool
	dialing  chan struct{}
	release  chan struct{}
}

func newStallingTransport(honorCtx bool) *stallingTransport {
	return &stallingTransport{
		Transport: TCP(),
		honorCtx:  honorCtx,
		dialing:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
}

func (t *stallingTransport) Dial(ctx context.Context, addr Addr) (net.Conn, error) {
	t.dialing <- struct{}{}
	if t.honorCtx {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.release:
		}
	} else {
		<-t.release
		ctx = context.Background()
	}
	return t.Transport.Dial(ctx, addr)
}

func TestStopDuringDial(t *testing.T) {
	tr := newStallingTransport(true)
	a := listen(t, WithTransport(tr))
	b := listen(t)

	errC := make(chan error, 1)
	go func() {
		errC <- a.Post(context.Background(), b.Addr(), testMessage{ID: 1})
	}()
	<-tr.dialing

	closeWithin(t, a, 5*time.Second)
	require.ErrorIs(t, <-errC, ErrStopped)
	require.Zero(t, a.Statistics().DroppedCount)
}

func TestDialCompletingAfterStop(t *testing.T) {
	tr := newStallingTransport(false)
	a := listen(t, WithTransport(tr))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	to, err := addrOf(l.Addr())
	require.NoError(t, err)

	require.NoError(t, a.Sender().Send(to, testMessage{ID: 1}))
	<-tr.dialing

	a.Stop()
	require.Eventually(t, a.quitting, 5*time.Second, time.Millisecond)
	close(tr.release)
	closeWithin(t, a, 5*time.Second)

	// the late connection is closed before anything is written
	nc, err := l.Accept()
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = nc.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, a.Peers())
	require.Zero(t, a.Statistics().WrittenCount)
}

func TestTinyIdleTimeout(t *testing.T) {
	a := listen(t, WithIdleTimeout(time.Nanosecond))
	b := listen(t)

	require.NoError(t, a.Sender().Send(b.Addr(), testMessage{ID: 1}))
	require.Eventually(t, func() bool {
		return a.Statistics().DialedCount == 1 && len(a.Peers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Close())
}
