package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proxypool_nexus/internal/shared/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS proxies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetcher_name TEXT NOT NULL,
	protocol TEXT NOT NULL,
	ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	username TEXT,
	password TEXT,
	validated INTEGER NOT NULL DEFAULT 0,
	latency INTEGER NOT NULL DEFAULT 0,
	validate_date INTEGER,
	to_validate_date INTEGER NOT NULL,
	validate_failed_cnt INTEGER NOT NULL DEFAULT 0,
	country TEXT,
	address TEXT,
	UNIQUE(protocol, ip, port)
);
CREATE INDEX IF NOT EXISTS idx_proxies_due ON proxies(validated, to_validate_date);
CREATE INDEX IF NOT EXISTS idx_proxies_fetcher ON proxies(fetcher_name);
CREATE TABLE IF NOT EXISTS sources (
	name TEXT PRIMARY KEY,
	enable INTEGER NOT NULL DEFAULT 1,
	sum_proxies_cnt INTEGER NOT NULL DEFAULT 0,
	last_proxies_cnt INTEGER NOT NULL DEFAULT 0,
	last_fetch_date INTEGER
);`

// operation 是提交给工作协程的一次数据库访问。
type operation struct {
	ctx  context.Context
	exec func(ctx context.Context) error
	done chan error
}

// Store 是代理池的持久化层。所有调用都经过同一个工作协程串行执行，
// 网络操作（验证、地理查询）绝不在其中进行。
type Store struct {
	db     *sql.DB
	locker Locker
	now    func() time.Time

	ops       chan operation
	stopping  chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLocker installs a cross-process lock acquired around every operation.
func WithLocker(l Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithClock replaces time.Now, used by tests to control due dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open 打开（必要时创建）位于 path 的 SQLite 数据库并启动工作协程。
func Open(path string, opts ...Option) (*Store, error) {
	l := logger.WithComponent("ProxyPool/Storage")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for SQLite: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=exclusive&_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// 单连接：工作协程本身已串行化，多连接只会制造 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:       db,
		now:      time.Now,
		ops:      make(chan operation),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.worker()
	l.Info().Str("path", path).Bool("process_lock", s.locker != nil).Msg("Store opened.")
	return s, nil
}

// worker 一次处理一个操作。
func (s *Store) worker() {
	defer close(s.stopped)
	for {
		select {
		case op := <-s.ops:
			op.done <- s.run(op)
		case <-s.stopping:
			return
		}
	}
}

func (s *Store) run(op operation) (err error) {
	if err := op.ctx.Err(); err != nil {
		return err
	}
	if s.locker != nil {
		if err := s.locker.Lock(); err != nil {
			return fmt.Errorf("acquire process lock: %w", err)
		}
		defer func() {
			if uerr := s.locker.Unlock(); uerr != nil && err == nil {
				err = fmt.Errorf("release process lock: %w", uerr)
			}
		}()
	}
	return op.exec(op.ctx)
}

// do 将 exec 提交给工作协程并等待其完成。
func (s *Store) do(ctx context.Context, exec func(ctx context.Context) error) error {
	op := operation{ctx: ctx, exec: exec, done: make(chan error, 1)}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopping:
		return ErrClosed
	}
	return <-op.done
}

// Close stops the worker after the in-flight operation finishes and closes
// the database. Calls made afterwards return ErrClosed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopping)
		<-s.stopped
		err = s.db.Close()
		l := logger.WithComponent("ProxyPool/Storage")
		l.Info().Msg("Store closed.")
	})
	return err
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// execTx runs a single mutating statement inside its own exclusive transaction.
func (s *Store) execTx(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// withTx runs fn inside an exclusive transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullMillis(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.UnixMilli(ns.Int64)
	return &t
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
