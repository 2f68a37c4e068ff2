package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypool_nexus/proxypool/applier"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/storage"
	"proxypool_nexus/proxypool/validator"
)

type fakeSource struct {
	mu       sync.Mutex
	batches  [][]*model.Proxy
	err      error
	maxAsked []int
}

func (f *fakeSource) SelectForValidation(ctx context.Context, max int) ([]*model.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAsked = append(f.maxAsked, max)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

type fakeRunner struct {
	active  atomic.Int32
	overlap atomic.Bool
	runs    atomic.Int32
	delay   time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, proxies []*model.Proxy, handle validator.Handler) error {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)
	f.runs.Add(1)
	time.Sleep(f.delay)
	for i, p := range proxies {
		handle(ctx, validator.Outcome{Proxy: p, Success: i%2 == 0, Attempts: 1})
	}
	return nil
}

func proxies(n int) []*model.Proxy {
	out := make([]*model.Proxy, n)
	for i := range out {
		out[i] = &model.Proxy{Key: model.Key{Protocol: "http", IP: "10.0.0.1", Port: 1000 + i}}
	}
	return out
}

func TestRunOnce_Report(t *testing.T) {
	src := &fakeSource{batches: [][]*model.Proxy{proxies(3)}}
	var handled atomic.Int32
	s := New(src, &fakeRunner{}, func(ctx context.Context, o validator.Outcome) { handled.Add(1) }, 7, time.Second)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.EqualValues(t, 3, handled.Load())
	assert.Equal(t, []int{7}, src.maxAsked)

	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
}

func TestRunOnce_StoreError(t *testing.T) {
	src := &fakeSource{err: errors.New("database is locked")}
	runner := &fakeRunner{}
	s := New(src, runner, func(context.Context, validator.Outcome) {}, 10, time.Second)

	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 0, runner.runs.Load())
}

func TestCyclesNeverOverlap(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 20; i++ {
		src.batches = append(src.batches, proxies(1))
	}
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	s := New(src, runner, func(context.Context, validator.Outcome) {}, 1, time.Millisecond)

	s.Start(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunOnce(context.Background())
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.False(t, runner.overlap.Load())
	assert.Greater(t, runner.runs.Load(), int32(1))
}

func TestStartStop(t *testing.T) {
	s := New(&fakeSource{}, &fakeRunner{}, func(context.Context, validator.Outcome) {}, 1, time.Hour)
	s.Start(context.Background())
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	s.Stop()
}

type scriptedProber struct {
	ok map[int]bool
}

func (p *scriptedProber) Probe(ctx context.Context, px *model.Proxy) error {
	if p.ok[px.Port] {
		return nil
	}
	return errors.New("connection refused")
}

// 端到端：新代理 -> 成功验证；坏代理连续三轮失败后被淘汰。
func TestLifecycle_EndToEnd(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "proxies.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	for _, port := range []int{8001, 8002} {
		_, err := store.Upsert(ctx, model.Candidate{Source: "A", Protocol: "http", IP: "203.0.113.7", Port: port})
		require.NoError(t, err)
	}

	policy := applier.DefaultPolicy()
	policy.BaseBackoff = time.Millisecond
	policy.MaxBackoff = time.Millisecond
	app := applier.New(store, nil, policy)

	pool := validator.NewPool(validator.Config{Concurrency: 2, Timeout: time.Second, MaxAttempts: 3},
		&scriptedProber{ok: map[int]bool{8001: true}})
	s := New(store, pool, app.Handle, 10, time.Second)

	for i := 0; i < 3; i++ {
		report, err := s.RunOnce(ctx)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, 2, report.Selected)
		} else {
			assert.Equal(t, 1, report.Selected, "the healthy proxy is not due again yet")
		}
		time.Sleep(10 * time.Millisecond)
	}

	good, err := store.Get(ctx, model.Key{Protocol: "http", IP: "203.0.113.7", Port: 8001})
	require.NoError(t, err)
	assert.True(t, good.Validated)
	assert.Equal(t, 0, good.ValidateFailedCnt)

	_, err = store.Get(ctx, model.Key{Protocol: "http", IP: "203.0.113.7", Port: 8002})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStats{SumProxiesCnt: 1, ValidatedProxiesCnt: 1, PendingProxiesCnt: 0}, st)

	// 被淘汰的代理不会在后续轮次中重新出现
	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		report, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Selected)
	}
	_, err = store.Get(ctx, model.Key{Protocol: "http", IP: "203.0.113.7", Port: 8002})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	served, err := store.ByProtocol(ctx, "http", -1)
	require.NoError(t, err)
	require.Len(t, served, 1)
	assert.Equal(t, 8001, served[0].Port)
}
