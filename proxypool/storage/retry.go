package storage

import (
	"context"
	"strings"
	"time"

	"proxypool_nexus/internal/shared/logger"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
)

// RetryOnLock retries operation while it fails with a "database is locked"
// class error, backing off 100ms, 200ms, 400ms. Other errors return at once.
func RetryOnLock(ctx context.Context, operation func() error) error {
	l := logger.WithComponent("ProxyPool/Storage")

	var err error
	for i := 0; i < retryAttempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !IsLocked(err) && !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		if i == retryAttempts-1 {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<i)
		l.Warn().Err(err).Dur("delay", delay).Int("attempt", i+1).Msg("Database locked, retrying.")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
