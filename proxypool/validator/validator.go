package validator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
)

const (
	DefaultConcurrency = 200
	DefaultTimeout     = 5 * time.Second
	DefaultMaxAttempts = 3
)

// Outcome 是一个代理在一轮验证中的结果。
type Outcome struct {
	Proxy    *model.Proxy
	Success  bool
	Latency  time.Duration // 第一次成功尝试的耗时
	Attempts int
	Err      error // 最后一次失败的原因，仅用于日志
}

// Handler 在工作协程中处理单个 Outcome，必须并发安全。
type Handler func(ctx context.Context, o Outcome)

// Pool 是有界的验证工作池：信号量满时阻塞派发，从不丢弃任务。
type Pool struct {
	cfg    Config
	prober Prober
	sem    *semaphore.Weighted
}

func NewPool(cfg Config, prober Prober) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Pool{
		cfg:    cfg,
		prober: prober,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run 验证整个批次，每个结果都交给 handle，所有任务结束后返回。
// ctx 被取消时停止派发新任务，返回 ctx.Err()。
func (p *Pool) Run(ctx context.Context, proxies []*model.Proxy, handle Handler) error {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(proxies) == 0 {
		return nil
	}

	l.Debug().Int("count", len(proxies)).Int("concurrency", p.cfg.Concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	var dispatchErr error
	for _, px := range proxies {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			dispatchErr = err
			break
		}
		wg.Add(1)
		go func(px *model.Proxy) {
			defer wg.Done()
			defer p.sem.Release(1)
			handle(ctx, p.Validate(ctx, px))
		}(px)
	}
	wg.Wait()

	if dispatchErr != nil {
		l.Warn().Err(dispatchErr).Msg("Validation batch interrupted.")
		return dispatchErr
	}
	l.Debug().Int("count", len(proxies)).Msg("Validation batch finished.")
	return nil
}

// Validate 最多尝试 MaxAttempts 次，首次成功即停止。超时也只是一次失败的尝试。
func (p *Pool) Validate(ctx context.Context, px *model.Proxy) Outcome {
	out := Outcome{Proxy: px}
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			if out.Err == nil {
				out.Err = ctx.Err()
			}
			break
		}
		out.Attempts = attempt

		actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		start := time.Now()
		err := p.prober.Probe(actx, px)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			out.Success = true
			out.Latency = elapsed
			out.Err = nil
			return out
		}
		out.Err = err
	}
	return out
}
