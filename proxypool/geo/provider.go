package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"proxypool_nexus/proxypool/model"
)

var errNoResult = errors.New("provider returned no result")

// Provider 是一个地理位置查询服务。
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (model.Location, error)
}

// ipAPIResponse defines the structure for the ip-api.com JSON response.
type ipAPIResponse struct {
	Status     string `json:"status"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"` // Province
	City       string `json:"city"`
	ISP        string `json:"isp"`
}

// IPAPIProvider 查询 ip-api.com（免费额度 45 次/分钟）。
type IPAPIProvider struct {
	client  *http.Client
	baseURL string
}

func NewIPAPIProvider(client *http.Client) *IPAPIProvider {
	return &IPAPIProvider{client: client, baseURL: "http://ip-api.com/json/"}
}

func (p *IPAPIProvider) Name() string { return "ip-api.com" }

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (model.Location, error) {
	apiURL := p.baseURL + url.PathEscape(ip) + "?lang=zh-CN&fields=status,country,regionName,city,isp"

	var resp ipAPIResponse
	if err := getJSON(ctx, p.client, apiURL, &resp); err != nil {
		return model.Location{}, err
	}
	if resp.Status != "success" || resp.Country == "" {
		return model.Location{}, fmt.Errorf("status %q: %w", resp.Status, errNoResult)
	}

	region := resp.RegionName
	city := resp.City
	if resp.Country == "中国" {
		region = strings.TrimSuffix(region, " Sheng")
		region = strings.TrimSuffix(region, " Shi")
		region = strings.TrimSuffix(region, " Zizhiqu")
		city = strings.TrimSuffix(city, " Shi")
	}
	return model.Location{
		Country: resp.Country,
		Address: joinParts(resp.Country, region, city, resp.ISP),
	}, nil
}

type ipapiCoResponse struct {
	Error       bool   `json:"error"`
	Reason      string `json:"reason"`
	CountryName string `json:"country_name"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Org         string `json:"org"`
}

// IPAPICoProvider 查询 ipapi.co（免费额度 1000 次/天），作为后备。
type IPAPICoProvider struct {
	client  *http.Client
	baseURL string
}

func NewIPAPICoProvider(client *http.Client) *IPAPICoProvider {
	return &IPAPICoProvider{client: client, baseURL: "https://ipapi.co/"}
}

func (p *IPAPICoProvider) Name() string { return "ipapi.co" }

func (p *IPAPICoProvider) Lookup(ctx context.Context, ip string) (model.Location, error) {
	var resp ipapiCoResponse
	if err := getJSON(ctx, p.client, p.baseURL+url.PathEscape(ip)+"/json/", &resp); err != nil {
		return model.Location{}, err
	}
	if resp.Error || resp.CountryName == "" {
		return model.Location{}, fmt.Errorf("reason %q: %w", resp.Reason, errNoResult)
	}
	return model.Location{
		Country: resp.CountryName,
		Address: joinParts(resp.CountryName, resp.Region, resp.City, resp.Org),
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func joinParts(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
