package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/validator"
)

// BatchSource 提供到期待验证的代理。
type BatchSource interface {
	SelectForValidation(ctx context.Context, max int) ([]*model.Proxy, error)
}

// Runner 并发验证一个批次，全部完成后返回。
type Runner interface {
	Run(ctx context.Context, proxies []*model.Proxy, handle validator.Handler) error
}

// CycleReport 汇总一轮验证。
type CycleReport struct {
	ID        string        `json:"id"`
	Selected  int           `json:"selected"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler 是验证循环：取一批 -> 交给验证池 -> 等待完成 -> 休眠 Interval。
// 同一时刻最多只有一轮在执行。
type Scheduler struct {
	source    BatchSource
	pool      Runner
	handle    validator.Handler
	batchSize int
	interval  time.Duration

	cycleMu sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(source BatchSource, pool Runner, handle validator.Handler, batchSize int, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		source:    source,
		pool:      pool,
		handle:    handle,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Start 启动后台循环。重复调用无效。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	l := logger.WithComponent("ProxyPool/Scheduler")
	l.Info().Int("batch_size", s.batchSize).Dur("interval", s.interval).Msg("Scheduler starting...")

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	l := logger.WithComponent("ProxyPool/Scheduler")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				l.Error().Err(err).Msg("Validation cycle failed, will retry next cycle.")
			}
			timer.Reset(s.interval)

		case <-ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

// Stop 取消当前轮次并等待循环退出。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	l := logger.WithComponent("ProxyPool/Scheduler")
	l.Info().Msg("Scheduler gracefully stopped.")
}

// RunOnce 执行一轮验证并等待批次完成。与后台循环互斥。
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	l := logger.WithComponent("ProxyPool/Scheduler")
	report := CycleReport{ID: uuid.NewString()}
	start := time.Now()

	batch, err := s.source.SelectForValidation(ctx, s.batchSize)
	if err != nil {
		return report, err
	}
	report.Selected = len(batch)
	if len(batch) == 0 {
		l.Debug().Str("cycle", report.ID).Msg("No proxies due for validation.")
		return report, nil
	}

	var succeeded, failed atomic.Int32
	err = s.pool.Run(ctx, batch, func(ctx context.Context, o validator.Outcome) {
		if o.Success {
			succeeded.Add(1)
		} else {
			failed.Add(1)
		}
		s.handle(ctx, o)
	})

	report.Succeeded = int(succeeded.Load())
	report.Failed = int(failed.Load())
	report.Duration = time.Since(start)

	l.Info().
		Str("cycle", report.ID).
		Int("selected", report.Selected).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Validation cycle finished.")
	return report, err
}
