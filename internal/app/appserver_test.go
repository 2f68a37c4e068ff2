package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/storage"
)

type staticScraper struct {
	name  string
	cands []model.Candidate
}

func (s *staticScraper) Name() string { return s.name }

func (s *staticScraper) Scrape(ctx context.Context) ([]model.Candidate, error) {
	return s.cands, nil
}

func testConfig(t *testing.T) *types.Config {
	dir := t.TempDir()
	cfg := &types.Config{}
	cfg.StorageConf.DBPath = filepath.Join(dir, "proxies.db")
	cfg.StorageConf.ProcessLock = filepath.Join(dir, "proxies.lock")
	cfg.GeoConf.Disabled = true
	cfg.ValidatorConf.URL = "http://probe.invalid/"
	cfg.ValidatorConf.TimeoutSeconds = 1
	cfg.ValidatorConf.MaxAttempts = 1
	cfg.SchedulerConf.IntervalSeconds = 3600
	cfg.FetcherConf.IntervalMinutes = 60
	cfg.ApplyDefaults()
	return cfg
}

func TestAppServer_RunFetchesAndStops(t *testing.T) {
	cfg := testConfig(t)
	src := &staticScraper{name: "static", cands: []model.Candidate{
		{Protocol: "http", IP: "127.0.0.1", Port: 1},
	}}

	s, err := New(cfg, src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	key := model.Key{Protocol: "http", IP: "127.0.0.1", Port: 1}
	require.Eventually(t, func() bool {
		p, err := s.Manager().Store().Get(context.Background(), key)
		return err == nil && p.FetcherName == "static"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		srcRow, err := s.Manager().Store().GetSource(context.Background(), "static")
		return err == nil && srcRow.LastProxiesCnt == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = s.Manager().Store().Get(context.Background(), key)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestNewLocator(t *testing.T) {
	assert.Nil(t, NewLocator(types.GeoConf{Disabled: true}))
	assert.NotNil(t, NewLocator(types.GeoConf{TimeoutSeconds: 1, CacheSize: 10}))
}
