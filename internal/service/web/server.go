package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool/model"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(user, pass string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
		if user == "" || pass == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != pass {
				w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte("Unauthorized.\n"))
				return
			}
			// 认证成功，继续处理请求
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDMiddleware 为每个请求分配 ID 并记录访问日志。
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request served.")
	})
}

// Server 是代理池的 HTTP 服务。
type Server struct {
	cfg     types.WebConf
	router  *mux.Router
	httpSrv *http.Server
}

// NewServer 组装路由。/ping 与 /ws 公开，其余接口在配置了账号时需要认证。
func NewServer(cfg types.WebConf, pool PoolService, controller Controller, hub *Hub) *Server {
	handler := NewHandler(pool, controller)
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.HandleFunc("/ping", handler.HandlePing).Methods(http.MethodGet)
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	api := r.NewRoute().Subrouter()
	api.Use(basicAuthMiddleware(cfg.User, cfg.Password))

	api.HandleFunc("/fetch_random", handler.HandleFetchRandom).Methods(http.MethodGet)
	api.HandleFunc("/fetch_all", handler.HandleFetchAll).Methods(http.MethodGet)
	for _, proto := range model.Protocols {
		api.HandleFunc("/fetch_"+proto, handler.fetchOne(proto)).Methods(http.MethodGet)
		api.HandleFunc("/fetch_"+proto+"_all", handler.fetchEvery(proto)).Methods(http.MethodGet)
	}
	api.HandleFunc("/proxies_status", handler.HandleProxiesStatus).Methods(http.MethodGet)
	api.HandleFunc("/fetchers_status", handler.HandleFetchersStatus).Methods(http.MethodGet)
	api.HandleFunc("/clear_fetchers_status", handler.HandleClearFetchersStatus).Methods(http.MethodGet)
	api.HandleFunc("/fetcher_enable", handler.HandleFetcherEnable).Methods(http.MethodGet)
	api.HandleFunc("/add_proxy", handler.HandleAddProxy).Methods(http.MethodPost)
	api.HandleFunc("/run_validation", handler.HandleRunValidation).Methods(http.MethodPost)

	return &Server{cfg: cfg, router: r}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 在后台开始监听。web_port <= 0 时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	l := logger.WithComponent("WebServer")
	if s.cfg.Port <= 0 {
		l.Info().Msg("Web API is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	l.Info().Msgf("Web API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
