package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypool_nexus/proxypool/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := Open(filepath.Join(t.TempDir(), "proxies.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func candidate(source, protocol, ip string, port int) model.Candidate {
	return model.Candidate{Source: source, Protocol: protocol, IP: ip, Port: port}
}

func TestUpsert_InsertThenRefresh(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	created, err := s.Upsert(ctx, candidate("A", "http", "1.2.3.4", 80))
	require.NoError(t, err)
	assert.True(t, created)

	p, err := s.Get(ctx, model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "A", p.FetcherName)
	assert.False(t, p.Validated)
	assert.Equal(t, 0, p.ValidateFailedCnt)
	assert.Nil(t, p.ValidateDate)
	assert.True(t, p.ToValidateDate.Equal(clock.Now()))

	clock.Advance(time.Minute)
	c := candidate("B", "http", "1.2.3.4", 80)
	c.Country = model.StrPtr("JP")
	created, err = s.Upsert(ctx, c)
	require.NoError(t, err)
	assert.False(t, created)

	p, err = s.Get(ctx, model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "B", p.FetcherName)
	require.NotNil(t, p.Country)
	assert.Equal(t, "JP", *p.Country)

	// nil 的可选字段不覆盖已有值
	_, err = s.Upsert(ctx, candidate("C", "http", "1.2.3.4", 80))
	require.NoError(t, err)
	p, err = s.Get(ctx, model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80})
	require.NoError(t, err)
	require.NotNil(t, p.Country)
	assert.Equal(t, "JP", *p.Country)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SumProxiesCnt)
}

func TestUpsert_SameIPDifferentProtocolIsDistinct(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	for _, proto := range model.Protocols {
		created, err := s.Upsert(ctx, candidate("A", proto, "1.2.3.4", 1080))
		require.NoError(t, err)
		assert.True(t, created)
	}
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.SumProxiesCnt)
}

func TestUpsert_PullsDueDateForward(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	key := model.Key{Protocol: "socks5", IP: "5.6.7.8", Port: 1080}

	_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
	require.NoError(t, err)

	now := clock.Now()
	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
		Key: key, Validated: true, Latency: 120,
		ValidateDate: now, ToValidateDate: now.Add(time.Hour),
	}))

	clock.Advance(5 * time.Minute)
	_, err = s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
	require.NoError(t, err)

	p, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, p.ToValidateDate.Equal(clock.Now()), "re-report should make the proxy due now")
	assert.True(t, p.Validated, "re-report keeps health state")
	assert.EqualValues(t, 120, p.Latency)
}

func TestUpsert_RejectsInvalidCandidate(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.Upsert(context.Background(), candidate("A", "ftp", "1.2.3.4", 21))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidCandidate))
}

func TestInsert_DuplicateReturnsAlreadyExists(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, candidate("manual", "http", "9.9.9.9", 3128)))
	err := s.Insert(ctx, candidate("manual", "http", "9.9.9.9", 3128))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestSelectForValidation_PriorityAndBound(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	// 三个未验证代理，按插入时间递增
	for i := 1; i <= 3; i++ {
		_, err := s.Upsert(ctx, candidate("A", "http", fmt.Sprintf("10.0.0.%d", i), 80))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	// 两个已验证代理，已到期
	for i := 1; i <= 2; i++ {
		key := model.Key{Protocol: "http", IP: fmt.Sprintf("10.0.1.%d", i), Port: 80}
		_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
		require.NoError(t, err)
		now := clock.Now()
		require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
			Key: key, Validated: true, ValidateDate: now,
			ToValidateDate: now.Add(time.Duration(3-i) * time.Second),
		}))
	}
	// 一个尚未到期的已验证代理
	future := model.Key{Protocol: "http", IP: "10.0.2.1", Port: 80}
	_, err := s.Upsert(ctx, candidate("A", future.Protocol, future.IP, future.Port))
	require.NoError(t, err)
	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
		Key: future, Validated: true, ValidateDate: clock.Now(), ToValidateDate: clock.Now().Add(time.Hour),
	}))

	clock.Advance(10 * time.Second)

	batch, err := s.SelectForValidation(ctx, 4)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	assert.Equal(t, "10.0.1.2", batch[0].IP)
	assert.Equal(t, "10.0.1.1", batch[1].IP)
	assert.Equal(t, "10.0.0.1", batch[2].IP)
	assert.Equal(t, "10.0.0.2", batch[3].IP)

	all, err := s.SelectForValidation(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5, "not-yet-due rows are excluded")

	none, err := s.SelectForValidation(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyValidationResult_SuccessFailureEvict(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	key := model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80}
	_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
	require.NoError(t, err)

	now := clock.Now()
	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
		Key: key, Validated: true, Latency: 250, ValidateDate: now,
		ToValidateDate: now.Add(10 * time.Minute),
		Location:       &model.Location{Country: "JP", Address: "Tokyo"},
	}))

	p, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, p.Validated)
	assert.EqualValues(t, 250, p.Latency)
	require.NotNil(t, p.ValidateDate)
	assert.True(t, p.ValidateDate.Equal(now))
	assert.True(t, p.ToValidateDate.Equal(now.Add(10*time.Minute)))
	require.NotNil(t, p.Country)
	assert.Equal(t, "JP", *p.Country)
	assert.Equal(t, "Tokyo", *p.Address)

	// 没有 Location 时保留已有的地理信息
	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
		Key: key, Validated: true, Latency: 250, ValidateDate: now,
		ToValidateDate: now.Add(time.Minute), ValidateFailedCnt: 1,
	}))
	p, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ValidateFailedCnt)
	assert.Equal(t, "JP", *p.Country)

	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{Key: key, Evict: true}))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.ApplyValidationResult(ctx, model.ValidationUpdate{Key: key, Evict: true})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsert_ConcurrentSameKey(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Upsert(ctx, candidate(fmt.Sprintf("src-%d", i), "http", "1.2.3.4", 8080))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.SumProxiesCnt)
}

func TestUpsert_ConcurrentDistinctKeys(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Upsert(ctx, candidate("A", "http", fmt.Sprintf("10.9.%d.%d", i/200, i%200+1), 3128))
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers, st.SumProxiesCnt)
	assert.Equal(t, workers, st.PendingProxiesCnt)
}

func TestByProtocol_ServesOnlyValidated(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		key := model.Key{Protocol: "socks5", IP: fmt.Sprintf("10.5.0.%d", i+1), Port: 1080}
		_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
		require.NoError(t, err)
		if i < 7 {
			require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
				Key: key, Validated: true, Latency: 50, ValidateDate: clock.Now(), ToValidateDate: clock.Now().Add(time.Hour),
			}))
		}
	}

	socks5, err := s.ByProtocol(ctx, "socks5", -1)
	require.NoError(t, err)
	assert.Len(t, socks5, 7)
	for _, p := range socks5 {
		assert.True(t, p.Validated)
	}

	one, err := s.ByProtocol(ctx, "socks5", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestApplyValidationResult_SuccessResetsFailures(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	key := model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80}
	_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
	require.NoError(t, err)

	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
		Key: key, ValidateDate: clock.Now(), ToValidateDate: clock.Now().Add(time.Minute), ValidateFailedCnt: 2,
	}))
	p, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 2, p.ValidateFailedCnt)

	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
		Key: key, Validated: true, Latency: 90, ValidateDate: clock.Now(), ToValidateDate: clock.Now().Add(10 * time.Minute),
	}))
	p, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, p.ValidateFailedCnt)
	assert.True(t, p.Validated)
	assert.Equal(t, int64(90), p.Latency)
}

func TestEvictedProxyStaysGone(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	key := model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80}
	_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
	require.NoError(t, err)

	require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{Key: key, Evict: true}))

	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		due, err := s.SelectForValidation(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	}
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// 只有新的上报才会让它重新出现
	created, err := s.Upsert(ctx, candidate("B", key.Protocol, key.IP, key.Port))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMutations_SharedDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.EnsureSources(ctx, []string{"A"}))

	const runs = 20
	var wg sync.WaitGroup
	for _, st := range []*Store{a, b} {
		for i := 0; i < runs; i++ {
			wg.Add(1)
			go func(st *Store) {
				defer wg.Done()
				assert.NoError(t, st.RecordSourceRun(ctx, "A", 1))
			}(st)
		}
	}
	wg.Wait()

	src, err := b.GetSource(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2*runs, src.SumProxiesCnt)
	assert.Equal(t, 1, src.LastProxiesCnt)
}

func TestRandomValidatedAndByProtocol(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	for i, proto := range []string{"http", "http", "socks5", "socks5", "socks4"} {
		key := model.Key{Protocol: proto, IP: fmt.Sprintf("10.1.0.%d", i), Port: 1000 + i}
		_, err := s.Upsert(ctx, candidate("A", key.Protocol, key.IP, key.Port))
		require.NoError(t, err)
		if i < 4 {
			require.NoError(t, s.ApplyValidationResult(ctx, model.ValidationUpdate{
				Key: key, Validated: true, ValidateDate: clock.Now(), ToValidateDate: clock.Now().Add(time.Hour),
			}))
		}
	}

	all, err := s.RandomValidated(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	two, err := s.RandomValidated(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	socks5, err := s.ByProtocol(ctx, "socks5", -1)
	require.NoError(t, err)
	assert.Len(t, socks5, 2)
	for _, p := range socks5 {
		assert.Equal(t, "socks5", p.Protocol)
	}

	socks4, err := s.ByProtocol(ctx, "socks4", 0)
	require.NoError(t, err)
	assert.Empty(t, socks4, "unvalidated proxies are never served")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStats{SumProxiesCnt: 5, ValidatedProxiesCnt: 4, PendingProxiesCnt: 1}, st)

	bySource, err := s.CountBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 5}, bySource)

	validatedBySource, err := s.ValidatedBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 4}, validatedBySource)
}

func TestClose_SubsequentCallsFail(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "proxies.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Stats(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCanceledContext(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upsert(ctx, candidate("A", "http", "1.2.3.4", 80))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStore_WithFileLocker(t *testing.T) {
	dir := t.TempDir()
	locker := NewFileLocker(filepath.Join(dir, "proxypool.lock"))
	defer locker.Close()

	s, err := Open(filepath.Join(dir, "proxies.db"), WithLocker(locker))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.Upsert(ctx, candidate("A", "http", "1.2.3.4", 80))
	require.NoError(t, err)

	// 两个实例共享同一个数据库与锁文件
	locker2 := NewFileLocker(filepath.Join(dir, "proxypool.lock"))
	defer locker2.Close()
	s2, err := Open(filepath.Join(dir, "proxies.db"), WithLocker(locker2))
	require.NoError(t, err)
	defer s2.Close()

	created, err := s2.Upsert(ctx, candidate("B", "http", "1.2.3.4", 80))
	require.NoError(t, err)
	assert.False(t, created)

	p, err := s.Get(ctx, model.Key{Protocol: "http", IP: "1.2.3.4", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "B", p.FetcherName)
}
