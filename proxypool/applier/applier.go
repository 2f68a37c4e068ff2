package applier

import (
	"context"
	"errors"
	"time"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/storage"
	"proxypool_nexus/proxypool/validator"
)

// ResultStore 是 Applier 需要的存储能力。
type ResultStore interface {
	ApplyValidationResult(ctx context.Context, u model.ValidationUpdate) error
}

// Locator 查询 IP 的地理位置，从不返回错误。
type Locator interface {
	Lookup(ctx context.Context, ip string) model.Location
}

// Applier 把一次验证结果转换为状态变更并写入 Store。
type Applier struct {
	store  ResultStore
	geo    Locator
	policy Policy
	now    func() time.Time
}

// New creates an Applier. geo may be nil to disable enrichment.
func New(store ResultStore, geo Locator, policy Policy) *Applier {
	return &Applier{store: store, geo: geo, policy: policy, now: time.Now}
}

func (a *Applier) Policy() Policy {
	return a.policy
}

// Handle 是 validator.Handler，错误已在 Apply 中记录。
func (a *Applier) Handle(ctx context.Context, o validator.Outcome) {
	_ = a.Apply(ctx, o)
}

// Apply 计算状态变更并写入。写入失败会按锁冲突重试，最终失败以 error 级别记录为丢失的结果。
func (a *Applier) Apply(ctx context.Context, o validator.Outcome) error {
	l := logger.WithComponent("ProxyPool/Applier")

	u := a.Transition(ctx, o)
	err := storage.RetryOnLock(ctx, func() error {
		return a.store.ApplyValidationResult(ctx, u)
	})

	switch {
	case err == nil:
		if u.Evict {
			l.Info().Str("proxy", o.Proxy.Key.String()).Int("failures", o.Proxy.ValidateFailedCnt+1).Msg("Proxy removed from pool due to excessive failures.")
		} else {
			l.Debug().Str("proxy", o.Proxy.Key.String()).Bool("success", o.Success).Int("failed_cnt", u.ValidateFailedCnt).Msg("Validation result applied.")
		}
		return nil
	case errors.Is(err, storage.ErrNotFound):
		// 验证期间代理已被删除
		l.Debug().Str("proxy", o.Proxy.Key.String()).Msg("Proxy disappeared before its result was applied.")
		return nil
	default:
		l.Error().Err(err).Str("proxy", o.Proxy.Key.String()).Bool("success", o.Success).Msg("Validation result lost.")
		return err
	}
}

// Transition 根据结果和当前行状态计算 ValidationUpdate。
// 成功且缺少地理信息时在此（Store 之外）查询，结果并入同一次写入。
func (a *Applier) Transition(ctx context.Context, o validator.Outcome) model.ValidationUpdate {
	p := o.Proxy
	now := a.now()
	u := model.ValidationUpdate{Key: p.Key, ValidateDate: now}

	if o.Success {
		u.Validated = true
		u.Latency = o.Latency.Milliseconds()
		u.ValidateFailedCnt = 0
		u.ToValidateDate = now.Add(a.policy.RecheckInterval)
		if a.geo != nil && p.NeedsLocation() {
			if loc := a.geo.Lookup(ctx, p.IP); !loc.IsUnknown() {
				u.Location = &loc
			}
		}
		return u
	}

	failed := p.ValidateFailedCnt + 1
	if a.policy.ShouldEvict(failed) {
		return model.ValidationUpdate{Key: p.Key, Evict: true}
	}
	u.Validated = p.Validated
	u.Latency = p.Latency
	u.ValidateFailedCnt = failed
	u.ToValidateDate = now.Add(a.policy.Backoff(failed))
	return u
}
