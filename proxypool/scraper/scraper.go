package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxypool_nexus/proxypool/model"
)

const (
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
	requestTimeout = 20 * time.Second
	// 在请求之间添加短暂延迟，避免对目标服务器造成过大压力
	pageDelay = 2 * time.Second
)

// Scraper 接口定义了从代理源抓取候选代理的行为。
type Scraper interface {
	// Scrape 执行抓取操作，只负责抓取和初步解析，不进行验证。
	// 返回的 Candidate.Source 由调用方填写。
	Scrape(ctx context.Context) ([]model.Candidate, error)

	// Name 返回抓取器的名称，同时也是来源注册表中的名称。
	Name() string
}

// Defaults 返回内置的全部抓取器。
func Defaults() []Scraper {
	return []Scraper{
		NewKuaidailiScraper(),
		NewIP3366Scraper(),
		NewProxydbScraper(),
		NewProxyListDownloadScraper(),
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}

// fetchDocument 请求页面并解析为 goquery 文档。
func fetchDocument(ctx context.Context, client *http.Client, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML document: %w", err)
	}
	return doc, nil
}

// newCandidate 解析 ip/port 文本，失败时返回 false。
func newCandidate(protocol, ip, portStr string) (model.Candidate, bool) {
	ip = strings.TrimSpace(ip)
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || ip == "" || port < 1 || port > 65535 {
		return model.Candidate{}, false
	}
	return model.Candidate{Protocol: protocol, IP: ip, Port: port}, true
}

// sleepCtx 等待 d，ctx 被取消时提前返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dedupe 去除同一次抓取中重复的 (protocol, ip, port)。
func dedupe(in []model.Candidate) []model.Candidate {
	seen := make(map[model.Key]bool, len(in))
	out := in[:0]
	for _, c := range in {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c)
	}
	return out
}
