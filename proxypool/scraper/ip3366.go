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

// IP3366Scraper 实现了 Scraper 接口，用于抓取 http://www.ip3366.net 的免费代理。
type IP3366Scraper struct {
	client  *http.Client
	baseURL string
	pages   int
	delay   time.Duration
}

// NewIP3366Scraper 创建一个新的 IP3366Scraper 实例。
func NewIP3366Scraper() Scraper {
	return &IP3366Scraper{
		client:  newHTTPClient(),
		baseURL: "http://www.ip3366.net",
		pages:   2,
		delay:   pageDelay,
	}
}

// Name 返回抓取器的名称。
func (s *IP3366Scraper) Name() string {
	return "ip3366.net"
}

// Scrape 执行抓取操作。单页失败只记录日志，全部失败时返回最后一个错误。
func (s *IP3366Scraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var (
		proxies []model.Candidate
		lastErr error
	)
	// ip3366.net 的分页是 /?stype=1&page=1, /?stype=1&page=2 ...
	for i := 1; i <= s.pages; i++ {
		url := fmt.Sprintf("%s/?stype=1&page=%d", s.baseURL, i)
		l.Debug().Str("url", url).Str("source", s.Name()).Msg("Scraping page...")

		doc, err := fetchDocument(ctx, s.client, url)
		if err != nil {
			l.Warn().Err(err).Str("url", url).Str("source", s.Name()).Msg("Failed to scrape page.")
			lastErr = err
			continue
		}

		doc.Find("table tbody tr").Each(func(j int, sel *goquery.Selection) {
			tds := sel.Find("td")
			proxyType := strings.ToLower(strings.TrimSpace(tds.Eq(3).Text()))
			protocol := model.ProtocolHTTP
			switch {
			case strings.Contains(proxyType, "socks"):
				return
			case strings.Contains(proxyType, "https"):
				protocol = model.ProtocolHTTPS
			case !strings.Contains(proxyType, "http"):
				return
			}

			cand, ok := newCandidate(protocol, tds.Eq(0).Text(), tds.Eq(1).Text())
			if !ok {
				l.Debug().Str("source", s.Name()).Msg("Failed to parse IP/port, skipping row.")
				return
			}
			proxies = append(proxies, cand)
		})

		if i < s.pages && !sleepCtx(ctx, s.delay) {
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
