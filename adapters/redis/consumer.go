package redis

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	batchSize    int64
	blockTimeout time.Duration
	retryDelay   time.Duration
	startID      string
	parseFunc    func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBatchSize 設置每次讀取的最大筆數
func WithConsumerBatchSize[T any](n int64) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.batchSize = n
	}
}

// WithConsumerBlockTimeout 設置阻塞讀取超時時間
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerRetryDelay 設置讀取失敗後的等待時間
func WithConsumerRetryDelay[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.retryDelay = d
	}
}

// WithConsumerStartID 設置開始讀取的訊息ID，預設 "$" 只讀取啟動後的新訊息
func WithConsumerStartID[T any](id string) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.startID = id
	}
}

// WithConsumerParseFunc 設置自定義解析函數
func WithConsumerParseFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.parseFunc = fn
	}
}

// Consumer 不經過消費者群組讀取stream，每個節點都收到全部訊息。
// 用來把所有節點發布的出價事件帶回本節點的SSE連線。
type Consumer[T any] struct {
	client     *redis.Client
	stream     string
	cursor     string
	downStream chan T
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     *slog.Logger
	options    consumerOptions[T]
}

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (IConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		batchSize:    50,
		blockTimeout: time.Second,
		retryDelay:   500 * time.Millisecond,
		startID:      "$",
		parseFunc:    DecodeMessage[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.batchSize < 1 {
		options.batchSize = 1
	}

	return &Consumer[T]{
		client:  client,
		stream:  stream,
		cursor:  options.startID,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

func (c *Consumer[T]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.downStream = make(chan T, c.options.bufferSize)
	c.cancelFunc = cancel
	c.closed = false
	c.logger.Info("starting stream consumer")
	c.resolveCursor(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.downStream)
		defer c.logger.Info("consumer goroutine stopped")
		c.run(ctx)
	}()
}

// Subscribe 取得資料通道，Close 後通道會被關閉
func (c *Consumer[T]) Subscribe() <-chan T {
	return c.downStream
}

func (c *Consumer[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.logger.Info("closing stream consumer")
	c.closed = true
	c.cancelFunc()
	c.wg.Wait()
	c.logger.Info("stream consumer closed")
}

func (c *Consumer[T]) run(ctx context.Context) {
	failing := false
	for ctx.Err() == nil {
		messages, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 通常是與redis之間的連線異常，稍後重試
			c.logger.Error("read stream error", slog.Any("error", err))
			failing = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.options.retryDelay):
			}
			continue
		}
		if failing {
			failing = false
			c.checkGap(ctx)
		}

		for _, message := range messages {
			c.cursor = message.ID
			if !c.forward(ctx, message) {
				return
			}
		}
	}
}

func (c *Consumer[T]) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.stream, c.cursor},
		Count:   c.options.batchSize,
		Block:   c.options.blockTimeout,
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

// forward 解析後送到下游，回傳false表示已停止
func (c *Consumer[T]) forward(ctx context.Context, message redis.XMessage) bool {
	data, err := c.options.parseFunc(message.Values)
	if err != nil {
		c.logger.Error("failed to parse message", slog.String("messageId", message.ID), slog.Any("error", err))
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case c.downStream <- data:
		return true
	}
}

// resolveCursor 把 "$" 換成啟動當下最後一筆訊息的ID，
// 避免兩次阻塞讀取之間寫入的訊息被跳過
func (c *Consumer[T]) resolveCursor(ctx context.Context) {
	if c.cursor != "$" {
		return
	}
	messages, err := c.client.XRevRangeN(ctx, c.stream, "+", "-", 1).Result()
	if err != nil {
		c.logger.Warn("fail to resolve start id, reading new messages only", slog.Any("error", err))
		return
	}
	if len(messages) == 0 {
		c.cursor = "0-0"
		return
	}
	c.cursor = messages[0].ID
}

// checkGap 連線恢復後檢查stream是否已經修剪掉還沒讀到的訊息
func (c *Consumer[T]) checkGap(ctx context.Context) {
	if c.cursor == "$" {
		return
	}
	info, err := c.client.XInfoStream(ctx, c.stream).Result()
	if err != nil || info.MaxDeletedEntryID == "" {
		return
	}
	if compareStreamID(info.MaxDeletedEntryID, c.cursor) > 0 {
		c.logger.Warn("stream trimmed past last read message, some messages were missed",
			slog.String("lastRead", c.cursor),
			slog.String("maxDeleted", info.MaxDeletedEntryID),
		)
	}
}

// compareStreamID 比較兩個 "毫秒-序號" 格式的訊息ID，格式錯誤的部分視為0
func compareStreamID(a, b string) int {
	am, as := splitStreamID(a)
	bm, bs := splitStreamID(b)
	if am != bm {
		return cmp.Compare(am, bm)
	}
	return cmp.Compare(as, bs)
}

func splitStreamID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}
