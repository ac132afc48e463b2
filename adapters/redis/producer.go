package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

// WriteFunc 將一筆已編碼的訊息寫入stream，回傳訊息ID
type WriteFunc[T any] func(ctx context.Context, client *redis.Client, stream string, data T, message map[string]any) (string, error)

type producerOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	maxLen     int64
	encodeFunc func(T) (map[string]any, error)
	writeFunc  WriteFunc[T]
}

type ProducerOption[T any] func(*producerOptions[T])

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger[T any](logger *slog.Logger) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.logger = logger
	}
}

// WithProducerBufferSize 設置非同步發布的初始緩衝大小
func WithProducerBufferSize[T any](size int) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.bufferSize = size
	}
}

// WithProducerMaxLen 設置stream的大約長度上限，0表示不修剪
func WithProducerMaxLen[T any](maxLen int64) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxLen = maxLen
	}
}

// WithProducerEncodeFunc 設置消息序列化函數
func WithProducerEncodeFunc[T any](fn func(T) (map[string]any, error)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.encodeFunc = fn
	}
}

// WithProducerWriteFunc 取代預設的XADD寫入，例如改用Lua腳本做條件寫入
func WithProducerWriteFunc[T any](fn WriteFunc[T]) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.writeFunc = fn
	}
}

// Producer 將資料寫入Redis Stream。
// Send 同步寫入並回傳結果；Publish 放進無上限的佇列後由單一goroutine依序寫入，呼叫端不會被Redis延遲阻塞。
type Producer[T any] struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	logger     *slog.Logger
	options    producerOptions[T]
}

func NewProducer[T any](client *redis.Client, stream string, opts ...ProducerOption[T]) (*Producer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := producerOptions[T]{
		logger:     slog.Default(),
		bufferSize: 100,
		encodeFunc: EncodeMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.writeFunc == nil {
		options.writeFunc = xaddWriter[T](options.maxLen)
	}

	return &Producer[T]{
		client:  client,
		stream:  stream,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func xaddWriter[T any](maxLen int64) WriteFunc[T] {
	return func(ctx context.Context, client *redis.Client, stream string, _ T, message map[string]any) (string, error) {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: message,
		}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		return client.XAdd(ctx, args).Result()
	}
}

func (p *Producer[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[T](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting stream producer")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("producer goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-p.upstream.Out:
				if !ok {
					return
				}
				id, err := p.write(ctx, data)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					if errors.Is(err, ErrSkipped) {
						p.logger.Debug("message skipped")
						continue
					}
					p.logger.Error("publish message error", slog.Any("error", err))
					continue
				}
				p.logger.Debug("message published", slog.String("messageId", id))
			}
		}
	}()
}

// Publish 非同步寫入，同一個Producer的訊息依呼叫順序寫入
func (p *Producer[T]) Publish(data T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.upstream.In <- data
	return nil
}

// Send 同步寫入，不需要先呼叫 Start
func (p *Producer[T]) Send(ctx context.Context, data T) (string, error) {
	return p.write(ctx, data)
}

func (p *Producer[T]) write(ctx context.Context, data T) (string, error) {
	message, err := p.options.encodeFunc(data)
	if err != nil {
		return "", fmt.Errorf("parse message error: %w", err)
	}
	return p.options.writeFunc(ctx, p.client, p.stream, data, message)
}

func (p *Producer[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.logger.Info("closing stream producer")
	p.closed = true
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("stream producer closed")
}
