package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proxypool_nexus/proxypool/model"
)

const proxyColumns = `protocol, ip, port, fetcher_name, username, password, country, address,
	validated, latency, validate_date, to_validate_date, validate_failed_cnt`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row rowScanner) (*model.Proxy, error) {
	var (
		p                  model.Proxy
		username, password sql.NullString
		country, address   sql.NullString
		validated          int
		validateDate       sql.NullInt64
		toValidateDate     int64
	)
	err := row.Scan(&p.Protocol, &p.IP, &p.Port, &p.FetcherName, &username, &password, &country, &address,
		&validated, &p.Latency, &validateDate, &toValidateDate, &p.ValidateFailedCnt)
	if err != nil {
		return nil, err
	}
	p.Username = nullString(username)
	p.Password = nullString(password)
	p.Country = nullString(country)
	p.Address = nullString(address)
	p.Validated = validated != 0
	p.ValidateDate = nullMillis(validateDate)
	p.ToValidateDate = millisToTime(toValidateDate)
	return &p, nil
}

func queryProxies(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]*model.Proxy, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []*model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		proxies = append(proxies, p)
	}
	return proxies, rows.Err()
}

// Upsert 写入一个来源上报的候选代理。
// 已存在时更新 fetcher_name，将 to_validate_date 提前到 min(当前值, now)，
// 并只覆盖候选中非空的可选字段；否则插入一条待验证的新记录。
func (s *Store) Upsert(ctx context.Context, c model.Candidate) (created bool, err error) {
	if err := c.Normalize(); err != nil {
		return false, err
	}

	err = s.do(ctx, func(ctx context.Context) error {
		now := s.nowMillis()
		return s.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE proxies SET
					fetcher_name = ?,
					to_validate_date = MIN(to_validate_date, ?),
					username = COALESCE(?, username),
					password = COALESCE(?, password),
					country = COALESCE(?, country),
					address = COALESCE(?, address)
				WHERE protocol = ? AND ip = ? AND port = ?`,
				c.Source, now, c.Username, c.Password, c.Country, c.Address,
				c.Protocol, c.IP, c.Port)
			if err != nil {
				return fmt.Errorf("update proxy %s: %w", c.Key(), err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}

			if err := insertCandidate(ctx, tx, c, now); err != nil {
				return err
			}
			created = true
			return nil
		})
	})
	return created, err
}

// Insert 仅插入新代理；(protocol, ip, port) 已存在时返回 ErrAlreadyExists。
// 用于手动添加，重复提交应当被拒绝而不是刷新。
func (s *Store) Insert(ctx context.Context, c model.Candidate) error {
	if err := c.Normalize(); err != nil {
		return err
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			return insertCandidate(ctx, tx, c, s.nowMillis())
		})
	})
}

func insertCandidate(ctx context.Context, tx *sql.Tx, c model.Candidate, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proxies (fetcher_name, protocol, ip, port, username, password, country, address,
			validated, latency, validate_date, to_validate_date, validate_failed_cnt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, ?, 0)`,
		c.Source, c.Protocol, c.IP, c.Port, c.Username, c.Password, c.Country, c.Address, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert proxy %s: %w", c.Key(), ErrAlreadyExists)
		}
		return fmt.Errorf("insert proxy %s: %w", c.Key(), err)
	}
	return nil
}

// SelectForValidation 返回最多 max 个到期代理：先取已验证的，再从未验证的补足，
// 两组内部都按 to_validate_date 升序。max <= 0 时返回空。
func (s *Store) SelectForValidation(ctx context.Context, max int) ([]*model.Proxy, error) {
	if max <= 0 {
		return nil, nil
	}

	var batch []*model.Proxy
	err := s.do(ctx, func(ctx context.Context) error {
		now := s.nowMillis()
		validated, err := queryProxies(ctx, s.db, `SELECT `+proxyColumns+` FROM proxies
			WHERE validated = 1 AND to_validate_date <= ?
			ORDER BY to_validate_date LIMIT ?`, now, max)
		if err != nil {
			return fmt.Errorf("select validated proxies: %w", err)
		}
		batch = validated

		if remaining := max - len(batch); remaining > 0 {
			pending, err := queryProxies(ctx, s.db, `SELECT `+proxyColumns+` FROM proxies
				WHERE validated = 0 AND to_validate_date <= ?
				ORDER BY to_validate_date LIMIT ?`, now, remaining)
			if err != nil {
				return fmt.Errorf("select unvalidated proxies: %w", err)
			}
			batch = append(batch, pending...)
		}
		return nil
	})
	return batch, err
}

// ApplyValidationResult 在一次写入中落地一个验证结果：淘汰则删除该行，
// 否则更新健康状态，Location 非空时同时写入 country/address。
func (s *Store) ApplyValidationResult(ctx context.Context, u model.ValidationUpdate) error {
	return s.do(ctx, func(ctx context.Context) error {
		k := u.Key
		var (
			res sql.Result
			err error
		)
		if u.Evict {
			res, err = s.execTx(ctx,
				`DELETE FROM proxies WHERE protocol = ? AND ip = ? AND port = ?`,
				k.Protocol, k.IP, k.Port)
		} else {
			var country, address *string
			if u.Location != nil {
				country = model.StrPtr(u.Location.Country)
				address = model.StrPtr(u.Location.Address)
			}
			res, err = s.execTx(ctx, `
				UPDATE proxies SET
					validated = ?,
					latency = ?,
					validate_date = ?,
					to_validate_date = ?,
					validate_failed_cnt = ?,
					country = COALESCE(?, country),
					address = COALESCE(?, address)
				WHERE protocol = ? AND ip = ? AND port = ?`,
				boolToInt(u.Validated), u.Latency, u.ValidateDate.UnixMilli(), u.ToValidateDate.UnixMilli(),
				u.ValidateFailedCnt, country, address,
				k.Protocol, k.IP, k.Port)
		}
		if err != nil {
			return fmt.Errorf("apply validation result for %s: %w", k, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("apply validation result for %s: %w", k, ErrNotFound)
		}
		return nil
	})
}

// Get returns the proxy identified by k.
func (s *Store) Get(ctx context.Context, k model.Key) (*model.Proxy, error) {
	var p *model.Proxy
	err := s.do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies
			WHERE protocol = ? AND ip = ? AND port = ?`, k.Protocol, k.IP, k.Port)
		var err error
		p, err = scanProxy(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return p, err
}

// RandomValidated 随机返回已验证的代理，limit <= 0 表示不限数量。
func (s *Store) RandomValidated(ctx context.Context, limit int) ([]*model.Proxy, error) {
	var proxies []*model.Proxy
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		proxies, err = queryProxies(ctx, s.db, `SELECT `+proxyColumns+` FROM proxies
			WHERE validated = 1 ORDER BY RANDOM() LIMIT ?`, sqlLimit(limit))
		return err
	})
	return proxies, err
}

// ByProtocol 随机返回指定协议的已验证代理，limit <= 0 表示不限数量。
func (s *Store) ByProtocol(ctx context.Context, protocol string, limit int) ([]*model.Proxy, error) {
	var proxies []*model.Proxy
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		proxies, err = queryProxies(ctx, s.db, `SELECT `+proxyColumns+` FROM proxies
			WHERE validated = 1 AND protocol = ? ORDER BY RANDOM() LIMIT ?`, protocol, sqlLimit(limit))
		return err
	})
	return proxies, err
}

// List returns up to limit proxies, validated first then by next check time.
// limit <= 0 returns every row.
func (s *Store) List(ctx context.Context, limit int) ([]*model.Proxy, error) {
	var proxies []*model.Proxy
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		proxies, err = queryProxies(ctx, s.db, `SELECT `+proxyColumns+` FROM proxies
			ORDER BY validated DESC, to_validate_date ASC LIMIT ?`, sqlLimit(limit))
		return err
	})
	return proxies, err
}

// Stats 返回代理总数、已验证数与当前到期待验证数。
func (s *Store) Stats(ctx context.Context) (model.PoolStats, error) {
	var st model.PoolStats
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT
				COUNT(*),
				COALESCE(SUM(CASE WHEN validated = 1 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN to_validate_date <= ? THEN 1 ELSE 0 END), 0)
			FROM proxies`, s.nowMillis()).
			Scan(&st.SumProxiesCnt, &st.ValidatedProxiesCnt, &st.PendingProxiesCnt)
	})
	return st, err
}

// CountBySource 按 fetcher_name 统计库中代理数量。
func (s *Store) CountBySource(ctx context.Context) (map[string]int, error) {
	return s.countGrouped(ctx, `SELECT fetcher_name, COUNT(*) FROM proxies GROUP BY fetcher_name`)
}

// ValidatedBySource 按 fetcher_name 统计已验证代理数量。
func (s *Store) ValidatedBySource(ctx context.Context) (map[string]int, error) {
	return s.countGrouped(ctx, `SELECT fetcher_name, COUNT(*) FROM proxies WHERE validated = 1 GROUP BY fetcher_name`)
}

func (s *Store) countGrouped(ctx context.Context, query string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var n int
			if err := rows.Scan(&name, &n); err != nil {
				return err
			}
			counts[name] = n
		}
		return rows.Err()
	})
	return counts, err
}

// SQLite 中 LIMIT -1 表示不限制。
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
