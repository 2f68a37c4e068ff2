package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxypool_nexus/internal/service/web"
	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool"
	"proxypool_nexus/proxypool/applier"
	"proxypool_nexus/proxypool/geo"
	"proxypool_nexus/proxypool/scraper"
	"proxypool_nexus/proxypool/storage"
)

// shutdownTimeout 是关闭 HTTP 服务时等待在途请求的上限。
const shutdownTimeout = 5 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	store   *storage.Store
	locker  *storage.FileLocker
	manager *proxypool.Manager
	hub     *web.Hub
	web     *web.Server

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// OpenStore 按配置打开代理数据库；配置了 process_lock 时同时返回跨进程锁，
// 调用方负责在关闭 Store 之后关闭它。
func OpenStore(cfg *types.Config) (*storage.Store, *storage.FileLocker, error) {
	var (
		opts   []storage.Option
		locker *storage.FileLocker
	)
	if cfg.StorageConf.ProcessLock != "" {
		locker = storage.NewFileLocker(cfg.StorageConf.ProcessLock)
		opts = append(opts, storage.WithLocker(locker))
	}
	store, err := storage.Open(cfg.StorageConf.DBPath, opts...)
	if err != nil {
		if locker != nil {
			locker.Close()
		}
		return nil, nil, err
	}
	return store, locker, nil
}

// NewLocator 返回地理位置补全器，geo.disabled 时返回 nil。
func NewLocator(cfg types.GeoConf) applier.Locator {
	if cfg.Disabled {
		return nil
	}
	return geo.NewDefaultEnricher(cfg)
}

// New 组装存储、验证调度、抓取器和 Web 服务。scrapers 为空时使用内置来源。
func New(cfg *types.Config, scrapers ...scraper.Scraper) (*AppServer, error) {
	store, locker, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy store: %w", err)
	}

	if len(scrapers) == 0 {
		scrapers = scraper.Defaults()
	}
	mgr := proxypool.NewManager(cfg, store, NewLocator(cfg.GeoConf))
	for _, sc := range scrapers {
		mgr.AddScraper(sc)
	}

	hub := web.NewHub()
	return &AppServer{
		cfg:     cfg,
		store:   store,
		locker:  locker,
		manager: mgr,
		hub:     hub,
		web:     web.NewServer(cfg.WebConf, store, mgr, hub),
	}, nil
}

func (s *AppServer) Manager() *proxypool.Manager {
	return s.manager
}

// Run 启动所有后台任务并阻塞，直到 ctx 结束后完成关闭。
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting proxy pool server...")

	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.manager.Start(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start proxy pool manager: %w", err)
	}

	s.waitGroup.Add(2)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(ctx) // 启动 Hub
	}()
	go func() {
		defer s.waitGroup.Done()
		s.hub.PushPoolStatus(ctx, s.store, time.Duration(s.cfg.WebConf.StatusPushSeconds)*time.Second)
	}()

	if err := s.web.Start(&s.waitGroup); err != nil {
		s.Stop()
		return err
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping proxy pool server...")
		if s.cancel != nil {
			s.cancel()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.web.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Web server shutdown did not complete cleanly.")
		}

		s.manager.Stop()
		s.waitGroup.Wait()

		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close proxy store.")
		}
		if s.locker != nil {
			s.locker.Close()
		}
		logger.Info().Msg("Proxy pool server stopped.")
	})
}
