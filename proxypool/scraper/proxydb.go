package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
)

// ProxydbScraper 实现了 Scraper 接口，用于抓取 proxydb.net 的免费代理。
type ProxydbScraper struct {
	client  *http.Client
	baseURL string
	pages   int
	delay   time.Duration
}

// NewProxydbScraper 创建一个新的 ProxydbScraper 实例。
func NewProxydbScraper() Scraper {
	return &ProxydbScraper{
		client:  newHTTPClient(),
		baseURL: "https://proxydb.net",
		pages:   3,
		delay:   pageDelay,
	}
}

// Name 返回抓取器的名称。
func (s *ProxydbScraper) Name() string {
	return "proxydb.net"
}

// Scrape 执行抓取操作。
func (s *ProxydbScraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var (
		proxies []model.Candidate
		lastErr error
	)
	// proxydb.net 的分页是通过 offset 参数控制的，每次递增 15
	for page := 0; page < s.pages; page++ {
		url := fmt.Sprintf("%s/?protocol=http&protocol=https&protocol=socks4&protocol=socks5&offset=%d", s.baseURL, page*15)
		l.Debug().Str("url", url).Str("source", s.Name()).Msg("Scraping page...")

		doc, err := fetchDocument(ctx, s.client, url)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to scrape page.")
			lastErr = err
			continue
		}

		doc.Find("tbody tr").Each(func(j int, sel *goquery.Selection) {
			tds := sel.Find("td")
			protocol := strings.ToLower(strings.TrimSpace(tds.Eq(2).Text()))
			if !model.IsSupportedProtocol(protocol) {
				return
			}
			cand, ok := newCandidate(protocol, tds.Eq(0).Find("a").Text(), tds.Eq(1).Find("a").Text())
			if !ok {
				return // Skip if essential data is missing
			}
			if country := strings.TrimSpace(tds.Eq(3).Text()); country != "" {
				cand.Country = &country
			}
			proxies = append(proxies, cand)
		})

		if page < s.pages-1 && !sleepCtx(ctx, s.delay) { // 友好抓取
			return nil, ctx.Err()
		}
	}

	if len(proxies) == 0 && lastErr != nil {
		return nil, lastErr
	}
	proxies = dedupe(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
