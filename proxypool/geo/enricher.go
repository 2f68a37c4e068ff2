package geo

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool/model"
)

// Enricher 依次查询各个 Provider 获取 IP 的地理位置，结果带 TTL 缓存。
// Lookup 从不返回错误：全部失败时返回 model.UnknownLocation。
type Enricher struct {
	providers   []Provider
	cache       *Cache
	ttl         time.Duration
	negativeTTL time.Duration
	timeout     time.Duration
	group       singleflight.Group
}

// NewEnricher builds an enricher over the given providers, tried in order.
func NewEnricher(cache *Cache, ttl, negativeTTL, timeout time.Duration, providers ...Provider) *Enricher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Enricher{
		providers:   providers,
		cache:       cache,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		timeout:     timeout,
	}
}

// NewDefaultEnricher 使用 ip-api.com -> ipapi.co 的查询链。
func NewDefaultEnricher(cfg types.GeoConf) *Enricher {
	client := &http.Client{Timeout: cfg.Timeout()}
	return NewEnricher(
		NewCache(cfg.CacheSize),
		cfg.CacheTTL(),
		cfg.NegativeTTL(),
		cfg.Timeout(),
		NewIPAPIProvider(client),
		NewIPAPICoProvider(client),
	)
}

// Lookup 返回 ip 的地理位置。内网、回环地址直接返回 model.LocalLocation。
func (e *Enricher) Lookup(ctx context.Context, ip string) model.Location {
	if isLocalIP(ip) {
		return model.LocalLocation
	}
	if loc, ok := e.cache.Get(ip); ok {
		return loc
	}

	// 同一 IP 的并发查询只发出一次请求
	ch := e.group.DoChan(ip, func() (interface{}, error) {
		if loc, ok := e.cache.Get(ip); ok {
			return loc, nil
		}
		// 查询与调用方的取消解耦，结果会被其他等待者共享并写入缓存
		loc := e.resolve(context.WithoutCancel(ctx), ip)
		if loc.IsUnknown() {
			e.cache.Set(ip, loc, e.negativeTTL)
		} else {
			e.cache.Set(ip, loc, e.ttl)
		}
		return loc, nil
	})

	select {
	case res := <-ch:
		return res.Val.(model.Location)
	case <-ctx.Done():
		return model.UnknownLocation
	}
}

func (e *Enricher) resolve(ctx context.Context, ip string) model.Location {
	l := logger.WithComponent("ProxyPool/Geo")

	for _, p := range e.providers {
		pctx, cancel := context.WithTimeout(ctx, e.timeout)
		loc, err := p.Lookup(pctx, ip)
		cancel()
		if err == nil {
			l.Debug().Str("ip", ip).Str("provider", p.Name()).Str("country", loc.Country).Msg("Geo lookup succeeded.")
			return loc
		}
		l.Warn().Err(err).Str("ip", ip).Str("provider", p.Name()).Msg("Geo API request failed.")
	}
	return model.UnknownLocation
}

func isLocalIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}
