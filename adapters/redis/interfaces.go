//go:generate mockgen -package=redis -destination=mock.go -source=interfaces.go

package redis

import (
	"context"
)

// IProducer 定義了 Producer 的操作介面
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Send(ctx context.Context, data T) (string, error)
	Close()
}

// IGroupConsumer 定義了 GroupConsumer 的操作介面
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Delivery[T]
	Close() error
}

// IConsumer 定義了 Consumer 的操作介面
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IAuctionLock 定義了 AuctionLock 的操作介面
type IAuctionLock interface {
	Acquire(ctx context.Context) error
	Release() error
	Lost() bool
}
