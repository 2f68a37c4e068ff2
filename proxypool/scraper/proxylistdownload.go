package scraper

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
)

// ProxyListDownloadScraper 使用 proxy-list.download 的纯文本 API，四种协议各请求一次。
type ProxyListDownloadScraper struct {
	client  *http.Client
	baseURL string
}

// NewProxyListDownloadScraper 创建一个新的实例
func NewProxyListDownloadScraper() Scraper {
	return &ProxyListDownloadScraper{
		client:  newHTTPClient(),
		baseURL: "https://www.proxy-list.download",
	}
}

func (s *ProxyListDownloadScraper) Name() string {
	return "proxy-list.download"
}

// Scrape 单个协议失败不影响其他协议。
func (s *ProxyListDownloadScraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var (
		proxies []model.Candidate
		lastErr error
	)
	for _, protocol := range model.Protocols {
		list, err := s.fetchList(ctx, protocol)
		if err != nil {
			l.Warn().Err(err).Str("protocol", protocol).Str("source", s.Name()).Msg("Failed to fetch proxy list.")
			lastErr = err
			continue
		}
		proxies = append(proxies, list...)
	}

	if len(proxies) == 0 && lastErr != nil {
		return nil, lastErr
	}
	proxies = dedupe(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

func (s *ProxyListDownloadScraper) fetchList(ctx context.Context, protocol string) ([]model.Candidate, error) {
	url := fmt.Sprintf("%s/api/v1/get?type=%s&_t=%s", s.baseURL, protocol, strconv.FormatInt(time.Now().Unix(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var proxies []model.Candidate
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		ip, port, found := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !found {
			continue
		}
		if cand, ok := newCandidate(protocol, ip, port); ok {
			proxies = append(proxies, cand)
		}
	}
	return proxies, scanner.Err()
}
