package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/scheduler"
	"proxypool_nexus/proxypool/storage"
)

// defaultStatusLimit 是 /proxies_status 未指定 limit 时返回的数量。
const defaultStatusLimit = 1000

// PoolService 是 web 层读取代理池所需的存储能力，*storage.Store 满足该接口。
type PoolService interface {
	RandomValidated(ctx context.Context, limit int) ([]*model.Proxy, error)
	ByProtocol(ctx context.Context, protocol string, limit int) ([]*model.Proxy, error)
	Stats(ctx context.Context) (model.PoolStats, error)
	ListSources(ctx context.Context) ([]*model.Source, error)
	CountBySource(ctx context.Context) (map[string]int, error)
	ValidatedBySource(ctx context.Context) (map[string]int, error)
	ResetSourceStats(ctx context.Context) error
	SetSourceEnabled(ctx context.Context, name string, enabled bool) error
}

// Controller defines the write operations the web handler delegates to the proxy pool manager.
type Controller interface {
	AddProxy(ctx context.Context, c model.Candidate) error
	RunValidationCycle(ctx context.Context) (scheduler.CycleReport, error)
}

// Handler 持有所有 HTTP 接口的依赖。
type Handler struct {
	pool       PoolService
	controller Controller
}

func NewHandler(pool PoolService, controller Controller) *Handler {
	return &Handler{pool: pool, controller: controller}
}

// SourceStatus 是 /fetchers_status 中的一项。
type SourceStatus struct {
	*model.Source
	ValidatedCnt int `json:"validated_cnt"`
	InDBCnt      int `json:"in_db_cnt"`
}

type addProxyRequest struct {
	FetcherName string      `json:"fetcher_name"`
	Protocol    string      `json:"protocol"`
	IP          string      `json:"ip"`
	Port        json.Number `json:"port"`
	Username    string      `json:"username"`
	Password    string      `json:"password"`
	Country     string      `json:"country"`
	Address     string      `json:"address"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response.")
	}
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(s))
}

func joinKeys(proxies []*model.Proxy) string {
	parts := make([]string, 0, len(proxies))
	for _, p := range proxies {
		parts = append(parts, p.Key.String())
	}
	return strings.Join(parts, ",")
}

func (h *Handler) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeText(w, "API OK")
}

// HandleFetchRandom 返回一个随机的可用代理，池为空时返回空字符串。
func (h *Handler) HandleFetchRandom(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.pool.RandomValidated(r.Context(), 1)
	if err != nil {
		http.Error(w, "Failed to fetch proxy: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeText(w, joinKeys(proxies))
}

// HandleFetchAll 返回所有可用代理，以逗号分隔。
func (h *Handler) HandleFetchAll(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.pool.RandomValidated(r.Context(), 0)
	if err != nil {
		http.Error(w, "Failed to fetch proxies: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeText(w, joinKeys(proxies))
}

func (h *Handler) fetchOne(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxies, err := h.pool.ByProtocol(r.Context(), protocol, 1)
		if err != nil {
			http.Error(w, "Failed to fetch proxy: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeText(w, joinKeys(proxies))
	}
}

func (h *Handler) fetchEvery(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proxies, err := h.pool.ByProtocol(r.Context(), protocol, 0)
		if err != nil {
			http.Error(w, "Failed to fetch proxies: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeText(w, joinKeys(proxies))
	}
}

// HandleProxiesStatus 处理 GET /proxies_status?limit=N 请求
func (h *Handler) HandleProxiesStatus(w http.ResponseWriter, r *http.Request) {
	limit := defaultStatusLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	proxies, err := h.pool.RandomValidated(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to list proxies: "+err.Error(), http.StatusInternalServerError)
		return
	}
	stats, err := h.pool.Stats(r.Context())
	if err != nil {
		http.Error(w, "Failed to read pool stats: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// 按 uri 倒序
	sort.Slice(proxies, func(i, j int) bool {
		return proxies[i].Key.String() > proxies[j].Key.String()
	})
	if proxies == nil {
		proxies = []*model.Proxy{}
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool           `json:"success"`
		Proxies []*model.Proxy `json:"proxies"`
		model.PoolStats
	}{true, proxies, stats})
}

// HandleFetchersStatus 返回每个来源的抓取统计以及当前库中的数量。
func (h *Handler) HandleFetchersStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sources, err := h.pool.ListSources(ctx)
	if err != nil {
		http.Error(w, "Failed to list sources: "+err.Error(), http.StatusInternalServerError)
		return
	}
	inDB, err := h.pool.CountBySource(ctx)
	if err != nil {
		http.Error(w, "Failed to count proxies: "+err.Error(), http.StatusInternalServerError)
		return
	}
	validated, err := h.pool.ValidatedBySource(ctx)
	if err != nil {
		http.Error(w, "Failed to count proxies: "+err.Error(), http.StatusInternalServerError)
		return
	}

	statuses := make([]SourceStatus, 0, len(sources))
	for _, src := range sources {
		statuses = append(statuses, SourceStatus{
			Source:       src,
			ValidatedCnt: validated[src.Name],
			InDBCnt:      inDB[src.Name],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "fetchers": statuses})
}

func (h *Handler) HandleClearFetchersStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.ResetSourceStats(r.Context()); err != nil {
		http.Error(w, "Failed to clear source stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleFetcherEnable 处理 GET /fetcher_enable?name=xxx&enable=1 请求
func (h *Handler) HandleFetcherEnable(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Missing source name", http.StatusBadRequest)
		return
	}
	enable := r.URL.Query().Get("enable") == "1"

	if err := h.pool.SetSourceEnabled(r.Context(), name, enable); err != nil {
		if errors.Is(err, storage.ErrSourceNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update source: "+err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Info().Str("source", name).Bool("enable", enable).Msg("Source state updated via API.")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleAddProxy 处理 POST /add_proxy 请求
func (h *Handler) HandleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if req.FetcherName == "" || req.Protocol == "" || req.IP == "" || req.Port == "" {
		http.Error(w, "fetcher_name, protocol, ip and port are required", http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(req.Port.String())
	if err != nil {
		http.Error(w, "Invalid port", http.StatusBadRequest)
		return
	}

	c := model.Candidate{
		Source:   req.FetcherName,
		Protocol: req.Protocol,
		IP:       req.IP,
		Port:     port,
		Username: model.StrPtr(strings.TrimSpace(req.Username)),
		Password: model.StrPtr(strings.TrimSpace(req.Password)),
		Country:  model.StrPtr(strings.TrimSpace(req.Country)),
		Address:  model.StrPtr(strings.TrimSpace(req.Address)),
	}
	if err := h.controller.AddProxy(r.Context(), c); err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidCandidate):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, storage.ErrAlreadyExists):
			http.Error(w, "Proxy already exists", http.StatusBadRequest)
		default:
			http.Error(w, "Failed to add proxy: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Proxy added."})
}

// HandleRunValidation 立即触发一轮验证并返回本轮统计。
func (h *Handler) HandleRunValidation(w http.ResponseWriter, r *http.Request) {
	report, err := h.controller.RunValidationCycle(r.Context())
	if err != nil {
		http.Error(w, "Validation cycle failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Info().
		Str("cycle_id", report.ID).
		Int("selected", report.Selected).
		Int("succeeded", report.Succeeded).
		Int64("elapsed_ms", report.Duration.Milliseconds()).
		Msg("Validation cycle triggered via API.")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"id":        report.ID,
		"selected":  report.Selected,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"duration":  report.Duration.String(),
	})
}
