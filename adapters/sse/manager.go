package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrManagerClosed 表示連線管理器已經停止
var ErrManagerClosed = errors.New("connection manager is closed")

type managerOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	subscriber ISubscriber[T]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithBufferSize 設置每個訂閱者的緩衝大小
func WithBufferSize[T any](size int) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.bufferSize = size
	}
}

// WithSubscriber 設置上游訊息來源，例如讀取跨節點stream的消費者，Start 時才取得它的通道。
// 上游通道關閉時管理器停止轉發，但本地的 Publish 不受影響。
func WithSubscriber[T any](subscriber ISubscriber[T]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與發布。
type connectionManager[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg      sync.WaitGroup // 用於等待所有 goroutine 完成
	active  bool           // 標記 manager 是否正在運作中
	started bool

	channels map[string]IChannel[T] // 儲存所有活躍的頻道
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ManagerOption[T]) IConnectionManager[T] {
	// 默認選項
	options := managerOptions[T]{
		logger:     slog.Default(),
		bufferSize: 16,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &connectionManager[T]{
		ctx:      ctx,
		cancel:   cancel,
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		active:   true,
		options:  options,
	}
}

// Start 啟動連線管理器，開始轉發上游的訊息。
func (cm *connectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.active || cm.started || cm.options.subscriber == nil {
		return
	}
	cm.started = true
	upstream := cm.options.subscriber.Subscribe()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for {
			select {
			case <-cm.ctx.Done():
				return
			case msg, ok := <-upstream:
				if !ok {
					cm.logger.Info("upstream closed")
					return
				}
				cm.broadcast(msg.Channel, msg.Message)
			}
		}
	}()
}

// Done 停止連線管理器的運作，並關閉所有訂閱者的通道。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.cancel()
	cm.mu.Unlock()

	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.options.bufferSize)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到本節點指定頻道的訂閱者。
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	active := cm.active
	cm.mu.RUnlock()
	if !active {
		return ErrManagerClosed
	}
	cm.broadcast(channelName, data)
	return nil
}

func (cm *connectionManager[T]) broadcast(channelName string, data T) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	channel, ok := cm.channels[channelName]
	if !ok {
		return
	}
	if skipped := channel.Broadcast(data); skipped > 0 {
		cm.logger.Warn("slow subscribers skipped",
			slog.String("channel", channelName),
			slog.Int("skipped", skipped))
	}
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
