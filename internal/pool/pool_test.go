package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/tabrelay/internal/metrics"
)

type fakeTab struct {
	id string

	mu        sync.Mutex
	location  string
	locErr    error
	resetErr  error
	resets    int
	activates int
}

func (t *fakeTab) ID() string { return t.id }

func (t *fakeTab) Location(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.location, t.locErr
}

func (t *fakeTab) Activate(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activates++
	return nil
}

func (t *fakeTab) Reset(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets++
	return t.resetErr
}

func (t *fakeTab) set(location string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.location = location
}

func (t *fakeTab) activations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activates
}

type fakeSource struct {
	mu    sync.Mutex
	tabs  []Tab
	calls int32
}

func (s *fakeSource) Tabs(context.Context) ([]Tab, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tab(nil), s.tabs...), nil
}

func (s *fakeSource) add(t Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs = append(s.tabs, t)
}

// httpOnly mirrors the browser package's location rule closely enough for tests.
func httpOnly(loc string) error {
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		return nil
	}
	return fmt.Errorf("bad location %q", loc)
}

func testConfig() Config {
	return Config{
		MaxCapacity:    5,
		MinCapacity:    1,
		AcquireTimeout: time.Second,
		StuckTimeout:   time.Hour,
		IdleTimeout:    time.Hour,
		ScanInterval:   time.Hour,
		PollInterval:   10 * time.Millisecond,
		ResetTimeout:   time.Second,
	}
}

func newTestPool(t *testing.T, cfg Config, tabs ...*fakeTab) (*Pool, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	for _, tab := range tabs {
		src.add(tab)
	}
	p := New(src, cfg, WithHealthCheck(httpOnly), WithMetrics(metrics.New()))
	_, err := p.Initialize(context.Background())
	require.NoError(t, err)
	return p, src
}

func TestInitializeNamesAndSkips(t *testing.T) {
	p, _ := newTestPool(t, testConfig(),
		&fakeTab{id: "A", location: "https://chatgpt.com/c/1"},
		&fakeTab{id: "B", location: "chrome://newtab/"},
		&fakeTab{id: "C", location: "about:blank"},
		&fakeTab{id: "D", location: "https://www.perplexity.ai/"},
		&fakeTab{id: "E", location: "https://example.org/x"},
	)

	st := p.Status()
	require.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Idle)
	assert.Equal(t, 4, st.KnownRaw, "newtab is remembered, about:blank is not")

	ids := []string{st.Sessions[0].ID, st.Sessions[1].ID, st.Sessions[2].ID}
	assert.Equal(t, []string{"gpt_1", "pplx_2", "example_3"}, ids)
	assert.Equal(t, []int{1, 2, 3}, []int{st.Sessions[0].Index, st.Sessions[1].Index, st.Sessions[2].Index})
	assert.Equal(t, "/tabs/2", st.Sessions[1].Route)
	assert.Equal(t, "default", st.Sessions[0].Preset)
}

func TestTemporarilySkippedTabIsAdoptedLater(t *testing.T) {
	blank := &fakeTab{id: "A", location: "about:blank"}
	p, _ := newTestPool(t, testConfig(), blank)
	require.Equal(t, 0, p.Status().Total)

	blank.set("https://gemini.google.com/app")
	n, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "gemini_1", p.Status().Sessions[0].ID)
}

func TestAcquireRelease(t *testing.T) {
	tab := &fakeTab{id: "A", location: "https://claude.ai/chat"}
	p, _ := newTestPool(t, testConfig(), tab)
	ctx := context.Background()

	s, err := p.Acquire(ctx, "task-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "claude_1", s.ID())

	info, err := p.Info(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "busy", info.Status)
	assert.Equal(t, "task-1", info.TaskID)
	assert.Equal(t, 1, info.RequestCount)
	assert.Equal(t, "claude.ai", info.Domain)

	st := p.Status()
	assert.Equal(t, 0, st.Idle)
	assert.Equal(t, 1, st.Busy)

	require.NoError(t, p.Release(ctx, s.ID()))
	info, _ = p.Info(s.ID())
	assert.Equal(t, "idle", info.Status)
	assert.Empty(t, info.TaskID)

	// releasing twice is harmless
	require.NoError(t, p.Release(ctx, s.ID()))
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	p, _ := newTestPool(t, testConfig(), &fakeTab{id: "A", location: "https://chatgpt.com/"})
	ctx := context.Background()

	_, err := p.Acquire(ctx, "holder", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, "waiter", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

// slowSource lists tabs only after delay, or fails when ctx ends first.
type slowSource struct {
	fakeSource
	delay time.Duration
}

func (s *slowSource) Tabs(ctx context.Context) ([]Tab, error) {
	select {
	case <-time.After(s.delay):
		return s.fakeSource.Tabs(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAcquireDeadlineBoundsDiscovery(t *testing.T) {
	src := &slowSource{delay: 800 * time.Millisecond}
	src.add(&fakeTab{id: "A", location: "https://chatgpt.com/"})
	p := New(src, testConfig(), WithHealthCheck(httpOnly))
	ctx := context.Background()

	start := time.Now()
	_, err := p.AcquireByIndex(ctx, 42, "t", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownIndex)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	start = time.Now()
	_, err = p.Acquire(ctx, "t", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	// an abandoned scan is retried by the next caller
	s, err := p.Acquire(ctx, "t", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index())
}

func TestConcurrentAcquireSingleSession(t *testing.T) {
	p, _ := newTestPool(t, testConfig(), &fakeTab{id: "A", location: "https://chatgpt.com/"})
	ctx := context.Background()

	var holders int32
	var maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Acquire(ctx, fmt.Sprintf("task-%d", i), 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			assert.NoError(t, p.Release(ctx, s.ID()))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxHolders)
}

func TestWaiterWakesOnRelease(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Second
	p, _ := newTestPool(t, cfg, &fakeTab{id: "A", location: "https://chatgpt.com/"})
	ctx := context.Background()

	s, err := p.Acquire(ctx, "holder", time.Second)
	require.NoError(t, err)

	got := make(chan time.Time, 1)
	go func() {
		if _, err := p.Acquire(ctx, "waiter", 3*time.Second); err == nil {
			got <- time.Now()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	released := time.Now()
	require.NoError(t, p.Release(ctx, s.ID()))

	select {
	case at := <-got:
		assert.Less(t, at.Sub(released), 500*time.Millisecond, "waiter should wake on release, not on poll")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestAcquireCancelled(t *testing.T) {
	p, _ := newTestPool(t, testConfig(), &fakeTab{id: "A", location: "https://chatgpt.com/"})
	_, err := p.Acquire(context.Background(), "holder", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "waiter", 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnhealthyIdleSessionIsEvicted(t *testing.T) {
	bad := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	good := &fakeTab{id: "B", location: "https://claude.ai/"}
	p, src := newTestPool(t, testConfig(), bad, good)

	bad.set("chrome-error://chromewebdata/")
	s, err := p.Acquire(context.Background(), "t", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "claude_2", s.ID())

	st := p.Status()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, int64(1), p.metrics.Counter("pool", "evicted"))

	// an evicted tab is never adopted again
	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Status().Total)
	assert.Positive(t, atomic.LoadInt32(&src.calls))
}

func TestAcquireByIndex(t *testing.T) {
	p, _ := newTestPool(t, testConfig(),
		&fakeTab{id: "A", location: "https://chatgpt.com/"},
		&fakeTab{id: "B", location: "https://claude.ai/"},
	)
	ctx := context.Background()

	s, err := p.AcquireByIndex(ctx, 2, "t", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Index())

	start := time.Now()
	_, err = p.AcquireByIndex(ctx, 9, "t", 5*time.Second)
	assert.ErrorIs(t, err, ErrUnknownIndex)
	assert.Less(t, time.Since(start), time.Second)

	_, err = p.AcquireByIndex(ctx, 2, "t2", 40*time.Millisecond)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestAcquireByIndexRemoved(t *testing.T) {
	tab := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	p, _ := newTestPool(t, testConfig(), tab)
	ctx := context.Background()

	tab.set("about:blank")
	_, err := p.AcquireByIndex(ctx, 1, "t", time.Second)
	assert.ErrorIs(t, err, ErrSessionRemoved)

	start := time.Now()
	_, err = p.AcquireByIndex(ctx, 1, "t", 5*time.Second)
	assert.ErrorIs(t, err, ErrSessionRemoved)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPersistentIndexSurvivesChurn(t *testing.T) {
	a := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	b := &fakeTab{id: "B", location: "https://claude.ai/"}
	p, src := newTestPool(t, testConfig(), a, b)

	p.MarkError("gpt_1", "workflow failed")
	require.NoError(t, p.Sweep(context.Background()))
	assert.Equal(t, 1, p.Status().Total)

	src.add(&fakeTab{id: "C", location: "https://poe.com/"})
	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	st := p.Status()
	require.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Sessions[0].Index)
	assert.Equal(t, 3, st.Sessions[1].Index)
	assert.Equal(t, "poe_3", st.Sessions[1].ID)

	tabs := p.Tabs()
	require.Len(t, tabs, 2)
	assert.Equal(t, []int{2, 3}, []int{tabs[0].Index, tabs[1].Index})
	assert.Equal(t, "/tabs/3", tabs[1].Route)
	assert.Equal(t, st.Sessions, tabs)
}

func TestStuckSessionReclaimed(t *testing.T) {
	cfg := testConfig()
	cfg.StuckTimeout = 20 * time.Millisecond
	tab := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	p, _ := newTestPool(t, cfg, tab)
	ctx := context.Background()

	s, err := p.Acquire(ctx, "stuck-task", time.Second)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, p.Sweep(ctx))
	info, err := p.Info(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "idle", info.Status)
	assert.Equal(t, 1, tab.resets)

	// the previous holder cannot release a lease it lost
	s2, err := p.Acquire(ctx, "next-task", time.Second)
	require.NoError(t, err)
	err = p.Release(ctx, s2.ID(), ForTask("stuck-task"))
	assert.ErrorIs(t, err, ErrNotHolder)
	require.NoError(t, p.Release(ctx, s2.ID(), ForTask("next-task")))
}

func TestStuckSessionEvictedWhenResetFails(t *testing.T) {
	cfg := testConfig()
	cfg.StuckTimeout = 20 * time.Millisecond
	tab := &fakeTab{id: "A", location: "https://chatgpt.com/", resetErr: errors.New("target closed")}
	p, _ := newTestPool(t, cfg, tab)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "t", time.Second)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, p.Sweep(ctx))
	assert.Equal(t, 0, p.Status().Total)
}

func TestForceReleaseAll(t *testing.T) {
	p, _ := newTestPool(t, testConfig(),
		&fakeTab{id: "A", location: "https://chatgpt.com/"},
		&fakeTab{id: "B", location: "https://claude.ai/"},
		&fakeTab{id: "C", location: "https://poe.com/", resetErr: errors.New("gone")},
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Acquire(ctx, fmt.Sprintf("t%d", i), time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, p.ForceReleaseAll(ctx))
	st := p.Status()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Idle)
}

func TestReleaseClearPage(t *testing.T) {
	tab := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	p, _ := newTestPool(t, testConfig(), tab)
	ctx := context.Background()

	s, err := p.Acquire(ctx, "t", time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, s.ID(), ClearPage()))
	assert.Equal(t, 1, tab.resets)

	info, _ := p.Info(s.ID())
	assert.Equal(t, "idle", info.Status)
	assert.Empty(t, info.Location)
}

func TestActivateOnlyOnFocusChange(t *testing.T) {
	a := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	b := &fakeTab{id: "B", location: "https://claude.ai/"}
	p, _ := newTestPool(t, testConfig(), a, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := p.Acquire(ctx, "t", time.Second)
		require.NoError(t, err)
		require.NoError(t, p.Release(ctx, s.ID()))
	}
	assert.Equal(t, 1, a.activations())

	s1, _ := p.Acquire(ctx, "t1", time.Second)
	s2, _ := p.Acquire(ctx, "t2", time.Second)
	assert.Equal(t, "gpt_1", s1.ID())
	assert.Equal(t, "claude_2", s2.ID())
	assert.Equal(t, 1, b.activations())
}

func TestIdleSweepRechecks(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	tab := &fakeTab{id: "A", location: "https://chatgpt.com/"}
	p, _ := newTestPool(t, cfg, tab)

	time.Sleep(20 * time.Millisecond)
	tab.set("data:text/html,hi")
	require.NoError(t, p.Sweep(context.Background()))
	assert.Equal(t, 0, p.Status().Total)
}

func TestPresets(t *testing.T) {
	p, _ := newTestPool(t, testConfig(), &fakeTab{id: "A", location: "https://chatgpt.com/"})

	require.NoError(t, p.SetPreset(1, "coding"))
	assert.Equal(t, "coding", p.Preset(1))
	assert.Equal(t, "coding", p.Status().Sessions[0].Preset)

	require.NoError(t, p.SetPreset(1, ""))
	assert.Equal(t, "default", p.Preset(1))

	assert.ErrorIs(t, p.SetPreset(7, "x"), ErrUnknownIndex)
}

func TestShutdownWakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, testConfig(), &fakeTab{id: "A", location: "https://chatgpt.com/"})
	ctx := context.Background()
	_, err := p.Acquire(ctx, "holder", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "waiter", 10*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by shutdown")
	}
	assert.Equal(t, 0, p.Status().Total)
}

func TestIdlePlusBusyEqualsTotal(t *testing.T) {
	tabs := []*fakeTab{
		{id: "A", location: "https://chatgpt.com/"},
		{id: "B", location: "https://claude.ai/"},
		{id: "C", location: "https://poe.com/"},
	}
	p, _ := newTestPool(t, testConfig(), tabs...)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, err := p.Acquire(ctx, fmt.Sprintf("w%d", i), 50*time.Millisecond)
				if err != nil {
					continue
				}
				time.Sleep(time.Millisecond)
				_ = p.Release(ctx, s.ID())
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		st := p.Status()
		assert.Equal(t, st.Total, st.Idle+st.Busy)
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
}
