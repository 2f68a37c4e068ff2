package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// 支持的代理协议
const (
	ProtocolHTTP   = "http"
	ProtocolHTTPS  = "https"
	ProtocolSOCKS4 = "socks4"
	ProtocolSOCKS5 = "socks5"
)

// Protocols lists every protocol the pool accepts, in display order.
var Protocols = []string{ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5}

// Key 是代理的唯一标识 (protocol, ip, port)。
type Key struct {
	Protocol string `json:"protocol"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s://%s", k.Protocol, net.JoinHostPort(k.IP, strconv.Itoa(k.Port)))
}

// Proxy 定义了代理池中一个代理的完整状态，对应 proxies 表的一行。
type Proxy struct {
	Key

	// FetcherName 是最近一次上报/刷新该代理的来源
	FetcherName string `json:"fetcher_name"`

	// 可选字段，nil 表示未知
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
	Country  *string `json:"country,omitempty"`
	Address  *string `json:"address,omitempty"`

	// 健康状态与生命周期管理
	Validated         bool       `json:"validated"`
	Latency           int64      `json:"latency"`                 // 最近一次成功验证的耗时，毫秒
	ValidateDate      *time.Time `json:"validate_date,omitempty"` // 最近一次验证时间
	ToValidateDate    time.Time  `json:"to_validate_date"`        // 下一次计划验证时间
	ValidateFailedCnt int        `json:"validate_failed_cnt"`     // 自上次成功以来的连续失败次数
}

// NeedsLocation reports whether the enrichment fields are still unset.
func (p *Proxy) NeedsLocation() bool {
	return p.Country == nil || p.Address == nil
}

// URI renders the proxy as protocol://[user:pass@]ip:port.
func (p *Proxy) URI() string {
	u := url.URL{
		Scheme: p.Protocol,
		Host:   net.JoinHostPort(p.IP, strconv.Itoa(p.Port)),
	}
	if p.Username != nil {
		if p.Password != nil {
			u.User = url.UserPassword(*p.Username, *p.Password)
		} else {
			u.User = url.User(*p.Username)
		}
	}
	return u.String()
}

// Source 对应 sources 表，即抓取器注册表中的一项。
type Source struct {
	Name           string     `json:"name"`
	Enable         bool       `json:"enable"`
	SumProxiesCnt  int        `json:"sum_proxies_cnt"`
	LastProxiesCnt int        `json:"last_proxies_cnt"`
	LastFetchDate  *time.Time `json:"last_fetch_date,omitempty"`
}

// PoolStats 汇总整个代理池的状态。
type PoolStats struct {
	SumProxiesCnt       int `json:"sum_proxies_cnt"`
	ValidatedProxiesCnt int `json:"validated_proxies_cnt"`
	PendingProxiesCnt   int `json:"pending_proxies_cnt"`
}

// ValidationUpdate is the durable state transition produced for one proxy after
// a validation cycle. Evict removes the row and ignores every other field.
type ValidationUpdate struct {
	Key               Key
	Evict             bool
	Validated         bool
	Latency           int64
	ValidateDate      time.Time
	ToValidateDate    time.Time
	ValidateFailedCnt int
	Location          *Location // nil leaves country/address untouched
}

// StrPtr returns nil for an empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
