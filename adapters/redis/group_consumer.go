package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type groupConsumerOptions[T any] struct {
	logger        *slog.Logger
	parseFunc     func(map[string]any) (T, error)
	bufferSize    int
	batchSize     int64
	blockTimeout  time.Duration
	retryDelay    time.Duration
	claimIdle     time.Duration
	claimInterval time.Duration
	maxDeliveries int64
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc 設置消息解析函數
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBatchSize 設置每次讀取的最大筆數
func WithGroupConsumerBatchSize[T any](n int64) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.batchSize = n
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerRetryDelay 設置讀取失敗後的等待時間
func WithGroupConsumerRetryDelay[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.retryDelay = d
	}
}

// WithGroupConsumerClaim 設置認領其他節點遺留資料的閒置門檻與檢查間隔，idle為0時不認領
func WithGroupConsumerClaim[T any](idle, interval time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.claimIdle = idle
		o.claimInterval = interval
	}
}

// WithGroupConsumerMaxDeliveries 讀出次數超過上限的資料直接移到死信，0表示不限制
func WithGroupConsumerMaxDeliveries[T any](n int64) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.maxDeliveries = n
	}
}

// GroupConsumer 以消費者群組讀取stream。
// 啟動時先重送自己上次留下的pending資料，之後讀新資料，並定期認領閒置過久的pending資料，
// 節點中途停止時已讀未確認的資料不會遺失。
type GroupConsumer[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Delivery[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    groupConsumerOptions[T]
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:        slog.Default(),
		parseFunc:     DecodeMessage[T],
		bufferSize:    1,
		batchSize:     10,
		blockTimeout:  time.Second,
		retryDelay:    500 * time.Millisecond,
		claimIdle:     time.Minute,
		claimInterval: 30 * time.Second,
		maxDeliveries: 5,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.batchSize < 1 {
		options.batchSize = 1
	}

	return &GroupConsumer[T]{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		logger: options.logger.With(
			slog.String("caller", "GroupConsumer"),
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("consumer", consumer),
		),
		options: options,
	}, nil
}

func (g *GroupConsumer[T]) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		return nil
	}
	if err := g.ensureGroup(context.Background()); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.downStream = make(chan *Delivery[T], g.options.bufferSize)
	g.cancelFunc = cancel
	g.closed = false
	g.logger.Info("starting group consumer")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(g.downStream)
		defer g.logger.Info("group consumer goroutine stopped")
		g.run(ctx)
	}()
	return nil
}

// Subscribe 取得資料通道，Close 後通道會被關閉
func (g *GroupConsumer[T]) Subscribe() <-chan *Delivery[T] {
	return g.downStream
}

func (g *GroupConsumer[T]) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.logger.Info("closing group consumer")
	g.closed = true
	g.cancelFunc()
	g.wg.Wait()
	g.logger.Info("group consumer closed gracefully")
	return nil
}

func (g *GroupConsumer[T]) run(ctx context.Context) {
	// "0"開始是自己的pending歷史，讀完後換成">"只讀新資料
	cursor := "0"
	var lastClaim time.Time

	for ctx.Err() == nil {
		// 認領來的資料會變成自己的pending，歷史讀完後才開始認領以免重複交付
		if cursor == ">" && g.options.claimIdle > 0 && time.Since(lastClaim) >= g.options.claimInterval {
			lastClaim = time.Now()
			if err := g.reclaim(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("reclaim pending error", slog.Any("error", err))
			}
		}

		messages, err := g.read(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 一般是server跟redis之間的通訊異常，稍後重試即可
			g.logger.Error("read group error", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.options.retryDelay):
			}
			continue
		}

		if cursor != ">" {
			if len(messages) == 0 {
				g.logger.Debug("pending history drained")
				cursor = ">"
				continue
			}
			cursor = messages[len(messages)-1].ID
		}
		for _, message := range messages {
			if !g.dispatch(ctx, message, 0) {
				return
			}
		}
	}
}

func (g *GroupConsumer[T]) read(ctx context.Context, cursor string) ([]redis.XMessage, error) {
	block := g.options.blockTimeout
	if cursor != ">" {
		// 讀pending歷史時不阻塞
		block = -1
	}
	streams, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{g.stream, cursor},
		Count:    g.options.batchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// reclaim 認領閒置超過門檻的pending資料，通常是已停止節點讀出但沒有確認的資料
func (g *GroupConsumer[T]) reclaim(ctx context.Context) error {
	const op = "GroupConsumer.reclaim"
	start := "0-0"
	for {
		messages, next, err := g.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   g.stream,
			Group:    g.group,
			Consumer: g.consumer,
			MinIdle:  g.options.claimIdle,
			Start:    start,
			Count:    g.options.batchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("[%s] Fail to claim from %s, err=%w", op, start, err)
		}
		for _, message := range messages {
			if message.ID == "" {
				// 資料已從stream刪除
				continue
			}
			attempts, err := g.attempts(ctx, message.ID)
			if err != nil {
				return fmt.Errorf("[%s] %w", op, err)
			}
			g.logger.Info("claimed pending message", slog.String("messageId", message.ID), slog.Int64("attempts", attempts))
			if !g.dispatch(ctx, message, attempts) {
				return ctx.Err()
			}
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

func (g *GroupConsumer[T]) attempts(ctx context.Context, id string) (int64, error) {
	pending, err := g.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: g.stream,
		Group:  g.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("Fail to get pending entry %s, err=%w", id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

// dispatch 解析並送到下游，回傳false表示已停止
func (g *GroupConsumer[T]) dispatch(ctx context.Context, message redis.XMessage, attempts int64) bool {
	logger := g.logger.With(slog.String("messageId", message.ID))
	if attempts < 1 {
		attempts = 1
	}

	if g.options.maxDeliveries > 0 && attempts > g.options.maxDeliveries {
		logger.Warn("message exceeded max deliveries", slog.Int64("attempts", attempts))
		if err := deadLetter(ctx, g.client, g.stream, g.group, message.ID, message.Values, ErrMaxDeliveries, attempts); err != nil {
			// 留在pending，下一輪認領時再處理
			logger.Error("dead-letter error", slog.Any("error", err))
		}
		return ctx.Err() == nil
	}

	data, err := g.options.parseFunc(message.Values)
	if err != nil {
		// 解析失敗重試也不會成功，直接移到死信
		logger.Error("failed to parse message", slog.Any("error", err))
		if err := deadLetter(ctx, g.client, g.stream, g.group, message.ID, message.Values, err, attempts); err != nil {
			logger.Error("dead-letter error", slog.Any("error", err))
		}
		return ctx.Err() == nil
	}

	delivery := &Delivery[T]{
		ID:       message.ID,
		Data:     data,
		Attempts: attempts,
		client:   g.client,
		stream:   g.stream,
		group:    g.group,
		raw:      message.Values,
	}
	select {
	case <-ctx.Done():
		// 已讀未交付的資料留在pending，重啟後從歷史重送
		return false
	case g.downStream <- delivery:
		return true
	}
}

// ensureGroup 建立消費者群組，stream不存在時一併建立；群組已存在不視為錯誤
func (g *GroupConsumer[T]) ensureGroup(ctx context.Context) error {
	const op = "GroupConsumer.ensureGroup"
	err := g.client.XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("[%s] Fail to create group %s, err=%w", op, g.group, err)
	}
	return nil
}
