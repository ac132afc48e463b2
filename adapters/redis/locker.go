package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"hammer/bidding"
)

type lockerOptions struct {
	logger     *slog.Logger
	prefix     string
	expiry     time.Duration
	retryDelay time.Duration
	newLock    func(key string) IAuctionLock
}

type LockerOption func(*lockerOptions)

// WithLockerLogger 設置日誌記錄器
func WithLockerLogger(logger *slog.Logger) LockerOption {
	return func(o *lockerOptions) {
		o.logger = logger
	}
}

// WithLockerPrefix 設置鎖的鍵前綴
func WithLockerPrefix(prefix string) LockerOption {
	return func(o *lockerOptions) {
		o.prefix = prefix
	}
}

// WithLockerExpiry 設置鎖的過期時間
func WithLockerExpiry(d time.Duration) LockerOption {
	return func(o *lockerOptions) {
		o.expiry = d
	}
}

// WithLockerRetryDelay 設置鎖被占用時的重試間隔
func WithLockerRetryDelay(d time.Duration) LockerOption {
	return func(o *lockerOptions) {
		o.retryDelay = d
	}
}

// WithLockerLockFactory 注入鎖的工廠 (主要用於測試)
func WithLockerLockFactory(fn func(key string) IAuctionLock) LockerOption {
	return func(o *lockerOptions) {
		o.newLock = fn
	}
}

// Locker 實作跨節點的 bidding.Locker，同一個 Locker 的鎖共用一個 redsync 實例
type Locker struct {
	logger  *slog.Logger
	options lockerOptions
}

func NewLocker(client *redis.Client, opts ...LockerOption) (*Locker, error) {
	// 默認選項
	options := lockerOptions{
		logger:     slog.Default(),
		prefix:     "lock:auction:",
		expiry:     8 * time.Second,
		retryDelay: 20 * time.Millisecond,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.newLock == nil {
		if client == nil {
			return nil, errors.New("redis client cannot be nil")
		}
		rs := redsync.New(goredis.NewPool(client))
		options.newLock = func(key string) IAuctionLock {
			return NewAuctionLock(rs, key,
				WithAuctionLockLogger(options.logger),
				WithAuctionLockExpiry(options.expiry),
				WithAuctionLockRetryDelay(options.retryDelay),
			)
		}
	}

	return &Locker{
		logger:  options.logger.With(slog.String("caller", "Locker")),
		options: options,
	}, nil
}

// Lock 取得拍賣的鎖，ctx結束前拿不到時回傳 bidding.ErrBusy
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	const op = "Locker.Lock"
	lock := l.options.newLock(l.options.prefix + key)
	if err := lock.Acquire(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("[%s] Lock %s not acquired, err=%w", op, key, bidding.ErrBusy)
		}
		return nil, fmt.Errorf("[%s] Fail to acquire lock %s, err=%w", op, key, err)
	}
	return func() {
		if lock.Lost() {
			// 同一拍賣的寫入仍由儲存層的條件更新保護
			l.logger.Warn("Lock lost while held", slog.String("key", key))
		}
		if err := lock.Release(); err != nil {
			l.logger.Warn("Fail to release lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
