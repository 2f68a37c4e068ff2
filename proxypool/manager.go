package proxypool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool/applier"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/scheduler"
	"proxypool_nexus/proxypool/scraper"
	"proxypool_nexus/proxypool/storage"
	"proxypool_nexus/proxypool/validator"
)

// ManualSource 是手动添加代理时使用的来源名称。
const ManualSource = "manual"

// Manager 是代理池模块的总控制器：抓取循环 + 验证调度。
type Manager struct {
	cfg       *types.Config
	store     *storage.Store
	scrapers  []scraper.Scraper
	applier   *applier.Applier
	scheduler *scheduler.Scheduler

	// 调度器与生命周期管理
	fetchInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。geo 为 nil 时不做地理信息补全。
func NewManager(cfg *types.Config, store *storage.Store, geo applier.Locator) *Manager {
	vcfg := validator.ConfigFrom(cfg.ValidatorConf)
	pool := validator.NewPool(vcfg, validator.NewHTTPProber(vcfg))
	app := applier.New(store, geo, applier.PolicyFrom(cfg.SchedulerConf))

	fetchInterval := cfg.FetcherConf.Interval()
	if fetchInterval <= 0 {
		fetchInterval = 5 * time.Minute
	}
	return &Manager{
		cfg:           cfg,
		store:         store,
		applier:       app,
		scheduler:     scheduler.New(store, pool, app.Handle, cfg.SchedulerConf.BatchSize, cfg.SchedulerConf.Interval()),
		fetchInterval: fetchInterval,
	}
}

// AddScraper 添加一个抓取器到管理器。
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

func (m *Manager) Store() *storage.Store {
	return m.store
}

// SourceNames returns the names of every registered scraper.
func (m *Manager) SourceNames() []string {
	names := make([]string, 0, len(m.scrapers))
	for _, s := range m.scrapers {
		names = append(names, s.Name())
	}
	return names
}

// Start 注册来源并启动所有后台任务（验证调度 + 抓取循环）。
func (m *Manager) Start(ctx context.Context) error {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if err := m.store.EnsureSources(ctx, m.SourceNames()); err != nil {
		return err
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.scheduler.Start(ctx)

	l.Info().
		Int("sources", len(m.scrapers)).
		Dur("fetch_interval", m.fetchInterval).
		Msg("Schedulers initialized.")

	m.wg.Add(1)
	go m.fetchLoop(ctx)
	return nil
}

// fetchLoop 立即执行一次抓取，之后每隔 fetchInterval 执行一次。
func (m *Manager) fetchLoop(ctx context.Context) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	ticker := time.NewTicker(m.fetchInterval)
	defer ticker.Stop()

	m.RunFetchCycle(ctx)
	for {
		select {
		case <-ticker.C:
			l.Info().Msg("Fetch ticker triggered.")
			m.RunFetchCycle(ctx)
		case <-ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down fetch loop.")
			return
		}
	}
}

// RunFetchCycle 并发运行所有已启用的来源，写入候选代理并记录抓取统计。
// 单个来源失败不影响其他来源，也不会记录统计。
func (m *Manager) RunFetchCycle(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")

	sources, err := m.store.ListSources(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Failed to list sources, skipping fetch cycle.")
		return
	}
	enabled := make(map[string]bool, len(sources))
	for _, src := range sources {
		enabled[src.Name] = src.Enable
	}

	var g errgroup.Group
	for _, s := range m.scrapers {
		if !enabled[s.Name()] {
			l.Debug().Str("source", s.Name()).Msg("Source disabled, skipping.")
			continue
		}
		g.Go(func() error {
			m.runSource(ctx, s)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) runSource(ctx context.Context, s scraper.Scraper) {
	l := logger.WithComponent("ProxyPool/Manager")

	candidates, err := s.Scrape(ctx)
	if err != nil {
		l.Warn().Err(err).Str("source", s.Name()).Msg("Scraper failed.")
		return
	}

	created := 0
	for _, c := range candidates {
		c.Source = s.Name()
		ok, err := m.store.Upsert(ctx, c)
		if err != nil {
			l.Debug().Err(err).Str("source", s.Name()).Str("proxy", c.Key().String()).Msg("Candidate rejected.")
			continue
		}
		if ok {
			created++
		}
	}

	if err := m.store.RecordSourceRun(ctx, s.Name(), len(candidates)); err != nil {
		l.Error().Err(err).Str("source", s.Name()).Msg("Failed to record source run.")
	}
	l.Info().Str("source", s.Name()).Int("fetched", len(candidates)).Int("new", created).Msg("Source fetch finished.")
}

// RunValidationCycle 立即执行一轮验证（手动触发）。
func (m *Manager) RunValidationCycle(ctx context.Context) (scheduler.CycleReport, error) {
	return m.scheduler.RunOnce(ctx)
}

// AddProxy 手动添加一个代理，已存在时返回 storage.ErrAlreadyExists。
func (m *Manager) AddProxy(ctx context.Context, c model.Candidate) error {
	if c.Source == "" {
		c.Source = ManualSource
	}
	if err := m.store.Insert(ctx, c); err != nil {
		return err
	}
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Str("proxy", c.Key().String()).Msg("Proxy added manually.")
	return nil
}

// Stop 优雅地停止管理器的所有后台任务。
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.scheduler.Stop()
	m.wg.Wait()
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}
