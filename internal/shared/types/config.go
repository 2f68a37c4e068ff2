package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// StorageConf 描述代理数据库的位置以及可选的跨进程锁文件。
type StorageConf struct {
	DBPath       string `ini:"db_path"`
	ProcessLock  string `ini:"process_lock"`  // 为空时不启用跨进程锁
	SnapshotPath string `ini:"snapshot_path"` // export/import 默认使用的纯文本快照
}

// ValidatorConf 控制代理验证方式。
// 使用代理访问 URL，超时时间为 TimeoutSeconds：
//   - GET:  返回的网页包含 Keyword 即为成功
//   - HEAD: 响应头 Header 的内容包含 Keyword 即为成功
//
// 每个验证周期最多尝试 MaxAttempts 次，任意一次成功即认为代理可用。
type ValidatorConf struct {
	Concurrency    int    `ini:"concurrency"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	MaxAttempts    int    `ini:"max_attempts"`
	URL            string `ini:"url"`
	Method         string `ini:"method"`
	Header         string `ini:"header"`
	Keyword        string `ini:"keyword"`
}

// SchedulerConf controls the validation loop and the lifecycle policy.
type SchedulerConf struct {
	IntervalSeconds    int `ini:"interval_seconds"`
	BatchSize          int `ini:"batch_size"`
	MaxFails           int `ini:"max_fails"`
	RecheckMinutes     int `ini:"recheck_minutes"`
	BackoffBaseSeconds int `ini:"backoff_base_seconds"`
	BackoffMaxMinutes  int `ini:"backoff_max_minutes"`
}

// FetcherConf controls how often the ingestion sources run.
type FetcherConf struct {
	IntervalMinutes int `ini:"interval_minutes"`
}

// GeoConf 控制地理位置查询及其缓存。
type GeoConf struct {
	Disabled           bool `ini:"disabled"`
	TimeoutSeconds     int  `ini:"timeout_seconds"`
	CacheTTLMinutes    int  `ini:"cache_ttl_minutes"`
	NegativeTTLMinutes int  `ini:"negative_ttl_minutes"`
	CacheSize          int  `ini:"cache_size"`
}

// WebConf 包含 HTTP API 的配置。
type WebConf struct {
	Port              int    `ini:"port"`
	User              string `ini:"user"`
	Password          string `ini:"password"`
	StatusPushSeconds int    `ini:"status_push_seconds"`
}

// Config 是项目的统一配置结构体
type Config struct {
	LogConf       `ini:"log"`
	StorageConf   `ini:"storage"`
	ValidatorConf `ini:"validator"`
	SchedulerConf `ini:"scheduler"`
	FetcherConf   `ini:"fetcher"`
	GeoConf       `ini:"geo"`
	WebConf       `ini:"web"`
}

// ApplyDefaults fills every unset value with the pool's stock settings.
func (c *Config) ApplyDefaults() {
	if c.LogConf.Level == "" {
		c.LogConf.Level = "info"
	}
	if c.StorageConf.DBPath == "" {
		c.StorageConf.DBPath = "data/proxies.db"
	}
	if c.StorageConf.SnapshotPath == "" {
		c.StorageConf.SnapshotPath = "data/proxies.txt"
	}

	v := &c.ValidatorConf
	if v.Concurrency <= 0 {
		v.Concurrency = 200
	}
	if v.TimeoutSeconds <= 0 {
		v.TimeoutSeconds = 5
	}
	if v.MaxAttempts <= 0 {
		v.MaxAttempts = 3
	}
	if v.URL == "" {
		v.URL = "https://qq.com"
		if v.Method == "" {
			v.Method = "HEAD"
		}
		if v.Header == "" {
			v.Header = "location"
		}
		if v.Keyword == "" {
			v.Keyword = "www.qq.com"
		}
	}
	if v.Method == "" {
		v.Method = "GET"
	}

	s := &c.SchedulerConf
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = 5
	}
	if s.BatchSize <= 0 {
		s.BatchSize = v.Concurrency
	}

	if c.FetcherConf.IntervalMinutes <= 0 {
		c.FetcherConf.IntervalMinutes = 5
	}

	g := &c.GeoConf
	if g.TimeoutSeconds <= 0 {
		g.TimeoutSeconds = 3
	}
	if g.CacheTTLMinutes <= 0 {
		g.CacheTTLMinutes = 60
	}
	if g.NegativeTTLMinutes <= 0 {
		g.NegativeTTLMinutes = 10
	}
	if g.CacheSize <= 0 {
		g.CacheSize = 10000
	}

	if c.WebConf.StatusPushSeconds <= 0 {
		c.WebConf.StatusPushSeconds = 10
	}
}

func (v ValidatorConf) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

func (s SchedulerConf) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func (f FetcherConf) Interval() time.Duration {
	return time.Duration(f.IntervalMinutes) * time.Minute
}

func (g GeoConf) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g GeoConf) CacheTTL() time.Duration {
	return time.Duration(g.CacheTTLMinutes) * time.Minute
}

func (g GeoConf) NegativeTTL() time.Duration {
	return time.Duration(g.NegativeTTLMinutes) * time.Minute
}
