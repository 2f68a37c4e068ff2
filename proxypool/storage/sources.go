package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proxypool_nexus/proxypool/model"
)

const sourceColumns = `name, enable, sum_proxies_cnt, last_proxies_cnt, last_fetch_date`

func scanSource(row rowScanner) (*model.Source, error) {
	var (
		src       model.Source
		enable    int
		lastFetch sql.NullInt64
	)
	if err := row.Scan(&src.Name, &enable, &src.SumProxiesCnt, &src.LastProxiesCnt, &lastFetch); err != nil {
		return nil, err
	}
	src.Enable = enable != 0
	src.LastFetchDate = nullMillis(lastFetch)
	return &src, nil
}

// EnsureSources 在进程启动时注册来源，已存在的来源保持原有状态不变。
func (s *Store) EnsureSources(ctx context.Context, names []string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, name := range names {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO sources (name, enable, sum_proxies_cnt, last_proxies_cnt, last_fetch_date)
					VALUES (?, 1, 0, 0, NULL)`, name); err != nil {
					return fmt.Errorf("register source %q: %w", name, err)
				}
			}
			return nil
		})
	})
}

// ListSources returns every registered source ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]*model.Source, error) {
	var sources []*model.Source
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			src, err := scanSource(rows)
			if err != nil {
				return fmt.Errorf("scan source: %w", err)
			}
			sources = append(sources, src)
		}
		return rows.Err()
	})
	return sources, err
}

// GetSource 返回指定来源，不存在时返回 ErrSourceNotFound。
func (s *Store) GetSource(ctx context.Context, name string) (*model.Source, error) {
	var src *model.Source
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		src, err = scanSource(s.db.QueryRowContext(ctx,
			`SELECT `+sourceColumns+` FROM sources WHERE name = ?`, name))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%q: %w", name, ErrSourceNotFound)
		}
		return err
	})
	return src, err
}

// SetSourceEnabled 启用或禁用一个来源。
func (s *Store) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	return s.do(ctx, func(ctx context.Context) error {
		res, err := s.execTx(ctx, `UPDATE sources SET enable = ? WHERE name = ?`, boolToInt(enabled), name)
		if err != nil {
			return fmt.Errorf("update source %q: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%q: %w", name, ErrSourceNotFound)
		}
		return nil
	})
}

// RecordSourceRun 记录一次成功抓取：累加总数，覆盖最近一次数量与时间。
func (s *Store) RecordSourceRun(ctx context.Context, name string, count int) error {
	return s.do(ctx, func(ctx context.Context) error {
		res, err := s.execTx(ctx, `UPDATE sources SET
				sum_proxies_cnt = sum_proxies_cnt + ?,
				last_proxies_cnt = ?,
				last_fetch_date = ?
			WHERE name = ?`, count, count, s.nowMillis(), name)
		if err != nil {
			return fmt.Errorf("record run for source %q: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%q: %w", name, ErrSourceNotFound)
		}
		return nil
	})
}

// ResetSourceStats 清零所有来源的统计信息，启用状态不变。
func (s *Store) ResetSourceStats(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.execTx(ctx,
			`UPDATE sources SET sum_proxies_cnt = 0, last_proxies_cnt = 0, last_fetch_date = NULL`)
		return err
	})
}
