package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool/model"
)

// 读取响应体的上限，关键字检查不需要完整页面。
const maxBodyBytes = 1 << 20

// Config 描述一次验证的目标与判定方式。
type Config struct {
	Concurrency int
	Timeout     time.Duration // 单次尝试超时
	MaxAttempts int
	TargetURL   string
	Method      string // GET: 响应体包含 Keyword; HEAD: Header 的值包含 Keyword
	Header      string
	Keyword     string
}

// ConfigFrom converts the [validator] ini section.
func ConfigFrom(c types.ValidatorConf) Config {
	return Config{
		Concurrency: c.Concurrency,
		Timeout:     c.Timeout(),
		MaxAttempts: c.MaxAttempts,
		TargetURL:   c.URL,
		Method:      strings.ToUpper(c.Method),
		Header:      c.Header,
		Keyword:     c.Keyword,
	}
}

// Prober performs one validation attempt through a proxy.
type Prober interface {
	Probe(ctx context.Context, p *model.Proxy) error
}

// HTTPProber 通过代理访问目标 URL 并检查关键字。
type HTTPProber struct {
	cfg Config
}

func NewHTTPProber(cfg Config) *HTTPProber {
	return &HTTPProber{cfg: cfg}
}

// Probe 进行一次尝试。任何错误（拨号、超时、状态、关键字缺失）都视为失败。
func (hp *HTTPProber) Probe(ctx context.Context, p *model.Proxy) error {
	transport, err := hp.transportFor(p)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   hp.cfg.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	method := hp.cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, hp.cfg.TargetURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if method == http.MethodHead {
		value := resp.Header.Get(hp.cfg.Header)
		if !strings.Contains(value, hp.cfg.Keyword) {
			return fmt.Errorf("header %q=%q does not contain %q (status %d)", hp.cfg.Header, value, hp.cfg.Keyword, resp.StatusCode)
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if !strings.Contains(string(body), hp.cfg.Keyword) {
		return fmt.Errorf("keyword %q not found in response (status %d)", hp.cfg.Keyword, resp.StatusCode)
	}
	return nil
}

// transportFor 按代理协议构建 http.Transport。
func (hp *HTTPProber) transportFor(p *model.Proxy) (*http.Transport, error) {
	addr := net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
	dialer := &net.Dialer{Timeout: hp.cfg.Timeout}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: hp.cfg.Timeout,
		DisableKeepAlives:   true,
	}

	switch p.Protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		// 免费列表中的 https 代理指支持 CONNECT 的 HTTP 代理
		proxyURL := &url.URL{Scheme: "http", Host: addr}
		if p.Username != nil {
			proxyURL.User = url.UserPassword(*p.Username, deref(p.Password))
		}
		transport.Proxy = http.ProxyURL(proxyURL)

	case model.ProtocolSOCKS5:
		var auth *proxy.Auth
		if p.Username != nil {
			auth = &proxy.Auth{User: *p.Username, Password: deref(p.Password)}
		}
		d, err := proxy.SOCKS5("tcp", addr, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support context")
		}
		transport.DialContext = cd.DialContext

	case model.ProtocolSOCKS4:
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", addr, hp.cfg.Timeout))
		transport.DialContext = func(ctx context.Context, network, target string) (net.Conn, error) {
			return dialWithContext(ctx, func() (net.Conn, error) { return dial(network, target) })
		}

	default:
		return nil, fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	return transport, nil
}

// dialWithContext 让不支持 context 的拨号函数也能被取消。
func dialWithContext(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
