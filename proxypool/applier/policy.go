package applier

import (
	"time"

	"proxypool_nexus/internal/shared/types"
)

// 默认的生命周期策略常量
const (
	// DefaultMaxFails 连续失败次数达到该值时淘汰代理。
	DefaultMaxFails = 3
	// DefaultRecheckInterval 验证成功后的复查间隔。
	DefaultRecheckInterval = 10 * time.Minute
	// DefaultBaseBackoff 第一次失败后的等待时间，此后每次失败翻倍。
	DefaultBaseBackoff = time.Minute
	// DefaultMaxBackoff 失败退避的上限。
	DefaultMaxBackoff = time.Hour
)

// Policy 决定验证结果之后的调度与淘汰。
type Policy struct {
	MaxFails        int
	RecheckInterval time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// DefaultPolicy returns the policy built from the Default* constants.
func DefaultPolicy() Policy {
	return Policy{
		MaxFails:        DefaultMaxFails,
		RecheckInterval: DefaultRecheckInterval,
		BaseBackoff:     DefaultBaseBackoff,
		MaxBackoff:      DefaultMaxBackoff,
	}
}

// PolicyFrom 读取 [scheduler] 配置，未设置的字段使用默认值。
func PolicyFrom(c types.SchedulerConf) Policy {
	p := DefaultPolicy()
	if c.MaxFails > 0 {
		p.MaxFails = c.MaxFails
	}
	if c.RecheckMinutes > 0 {
		p.RecheckInterval = time.Duration(c.RecheckMinutes) * time.Minute
	}
	if c.BackoffBaseSeconds > 0 {
		p.BaseBackoff = time.Duration(c.BackoffBaseSeconds) * time.Second
	}
	if c.BackoffMaxMinutes > 0 {
		p.MaxBackoff = time.Duration(c.BackoffMaxMinutes) * time.Minute
	}
	return p
}

// ShouldEvict reports whether a proxy with failedCnt consecutive failures is removed.
func (p Policy) ShouldEvict(failedCnt int) bool {
	return failedCnt >= p.MaxFails
}

// Backoff 返回第 failedCnt 次连续失败后的等待时间：Base * 2^(n-1)，不超过 MaxBackoff。
func (p Policy) Backoff(failedCnt int) time.Duration {
	if failedCnt < 1 {
		failedCnt = 1
	}
	d := p.BaseBackoff
	for i := 1; i < failedCnt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
