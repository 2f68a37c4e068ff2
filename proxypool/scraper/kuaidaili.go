package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
)

var fpsListRe = regexp.MustCompile(`(var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)

// KuaidailiScraper 实现了 Scraper 接口，用于抓取 www.kuaidaili.com 的免费代理。
type KuaidailiScraper struct {
	baseURL string
	pages   int
	delay   time.Duration
}

// tempKuaidailiProxy 定义了用于解析 JS 变量中 JSON 的临时结构体。
type tempKuaidailiProxy struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

// NewKuaidailiScraper 创建一个新的 KuaidailiScraper 实例。
func NewKuaidailiScraper() Scraper {
	return &KuaidailiScraper{
		baseURL: "https://www.kuaidaili.com",
		pages:   3,
		delay:   pageDelay,
	}
}

// Name 返回抓取器的名称。
func (s *KuaidailiScraper) Name() string {
	return "kuaidaili.com"
}

// Scrape 执行抓取操作。页面可能把列表放在 fpsList 脚本变量里，也可能直接渲染为表格，两者都解析。
func (s *KuaidailiScraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(requestTimeout)

	var (
		mu        sync.Mutex // 使用互斥锁来安全地追加到 proxies 切片
		proxies   []model.Candidate
		scrapeErr error
	)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", s.baseURL+"/")
	})

	c.OnResponse(func(r *colly.Response) {
		matches := fpsListRe.FindSubmatch(r.Body)
		if len(matches) < 3 {
			return
		}
		var tempList []*tempKuaidailiProxy
		if err := json.Unmarshal(matches[2], &tempList); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("Failed to unmarshal fpsList JSON.")
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, p := range tempList {
			// This site is HTTP only
			if cand, ok := newCandidate(model.ProtocolHTTP, p.IP, p.Port); ok {
				proxies = append(proxies, cand)
			}
		}
	})

	c.OnHTML("table tbody tr", func(e *colly.HTMLElement) {
		cand, ok := newCandidate(model.ProtocolHTTP,
			e.ChildText(`td[data-title="IP"]`),
			e.ChildText(`td[data-title="PORT"]`))
		if !ok {
			return
		}
		mu.Lock()
		proxies = append(proxies, cand)
		mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		scrapeErr = err
	})

	for _, kind := range []string{"inha", "intr"} {
		for i := 1; i <= s.pages; i++ {
			url := fmt.Sprintf("%s/free/%s/%d/", s.baseURL, kind, i)
			l.Debug().Str("url", url).Msg("Visiting page...")
			if err := c.Visit(url); err != nil {
				scrapeErr = err
			}
			if !sleepCtx(ctx, s.delay) {
				return nil, ctx.Err()
			}
		}
	}
	c.Wait() // 等待所有排队的 Visit 请求完成

	if len(proxies) == 0 && scrapeErr != nil {
		return nil, scrapeErr
	}

	proxies = dedupe(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
