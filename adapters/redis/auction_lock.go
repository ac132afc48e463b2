package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
)

type auctionLockOptions struct {
	logger        *slog.Logger
	expiry        time.Duration
	retryDelay    time.Duration
	renewInterval time.Duration
}

type AuctionLockOption func(*auctionLockOptions)

// WithAuctionLockLogger 設置日誌記錄器
func WithAuctionLockLogger(logger *slog.Logger) AuctionLockOption {
	return func(o *auctionLockOptions) {
		o.logger = logger
	}
}

// WithAuctionLockExpiry 設置鎖過期時間
func WithAuctionLockExpiry(d time.Duration) AuctionLockOption {
	return func(o *auctionLockOptions) {
		o.expiry = d
	}
}

// WithAuctionLockRetryDelay 設置鎖被占用時的重試間隔
func WithAuctionLockRetryDelay(d time.Duration) AuctionLockOption {
	return func(o *auctionLockOptions) {
		o.retryDelay = d
	}
}

// WithAuctionLockRenewInterval 設置續期間隔，預設為過期時間的1/3
func WithAuctionLockRenewInterval(d time.Duration) AuctionLockOption {
	return func(o *auctionLockOptions) {
		o.renewInterval = d
	}
}

// AuctionLock 是單一拍賣的跨節點鎖。
// 持有期間定期續期，續期失敗時 Lost 回傳true，之後的寫入只能依賴儲存層的條件更新。
type AuctionLock struct {
	mutex   *redsync.Mutex
	key     string
	stop    chan struct{}
	stopped chan struct{}
	lost    atomic.Bool
	logger  *slog.Logger
	options auctionLockOptions
}

func NewAuctionLock(rs *redsync.Redsync, key string, opts ...AuctionLockOption) IAuctionLock {
	// 默認選項
	options := auctionLockOptions{
		logger:     slog.Default(),
		expiry:     8 * time.Second,
		retryDelay: 20 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	return &AuctionLock{
		mutex:   rs.NewMutex(key, redsync.WithExpiry(options.expiry)),
		key:     key,
		logger:  options.logger.With(slog.String("caller", "AuctionLock"), slog.String("key", key)),
		options: options,
	}
}

// Acquire 等到拿到鎖或ctx結束；Redis通訊異常立即返回，不會等到ctx結束
func (l *AuctionLock) Acquire(ctx context.Context) error {
	const op = "AuctionLock.Acquire"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.mutex.TryLockContext(ctx)
		if err == nil {
			l.watch()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var redisErr *redsync.RedisError
		if errors.As(err, &redisErr) {
			return fmt.Errorf("[%s] Fail to lock %s, err=%w", op, l.key, err)
		}

		// 鎖被其他節點占用
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.options.retryDelay):
		}
	}
}

// Release 停止續期並釋放鎖，鎖已過期時回傳 redsync.ErrLockAlreadyExpired
func (l *AuctionLock) Release() error {
	const op = "AuctionLock.Release"
	if l.stop == nil {
		return nil
	}
	close(l.stop)
	<-l.stopped
	l.stop = nil

	ok, err := l.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("[%s] Fail to unlock %s, err=%w", op, l.key, err)
	}
	if !ok {
		return fmt.Errorf("[%s] Lock %s not released", op, l.key)
	}
	return nil
}

// Lost 回傳持有期間是否曾經續期失敗
func (l *AuctionLock) Lost() bool {
	return l.lost.Load()
}

func (l *AuctionLock) watch() {
	l.lost.Store(false)
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	stop, stopped := l.stop, l.stopped

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(l.options.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.options.renewInterval)
				ok, err := l.mutex.ExtendContext(ctx)
				cancel()
				if err != nil || !ok {
					l.lost.Store(true)
					l.logger.Warn("Fail to extend lock", slog.Any("error", err))
					return
				}
			}
		}
	}()
}
