package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"hammer/bidding"
)

// PublishBidScript 只在價格高於已發布的價格時寫入出價事件，讓多個節點發布的事件在stream上保持遞增
//
//	KEYS[1] - 該拍賣已發布價格的鍵
//	KEYS[2] - 出價事件的 stream
//	ARGV[1] - 新價格
//	ARGV[2] - 編碼後的出價事件
//	ARGV[3] - 價格鍵的過期秒數
//	ARGV[4] - stream 的大約長度上限，0 表示不修剪
//
// 返回值:
//
//	1 - 已寫入 stream
//	0 - 價格不高於已發布價格，事件被丟棄
var PublishBidScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1])) or -1
local price = tonumber(ARGV[1])
if price <= current then
    return 0
end

redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])

if tonumber(ARGV[4]) > 0 then
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[4], '*', 'data', ARGV[2])
else
    redis.call('XADD', KEYS[2], '*', 'data', ARGV[2])
end
return 1
`)

type bidPublisherOptions struct {
	logger    *slog.Logger
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

type BidPublisherOption func(*bidPublisherOptions)

// WithBidPublisherLogger 設置日誌記錄器
func WithBidPublisherLogger(logger *slog.Logger) BidPublisherOption {
	return func(o *bidPublisherOptions) {
		o.logger = logger
	}
}

// WithBidPublisherKeyPrefix 設置已發布價格鍵的前綴
func WithBidPublisherKeyPrefix(prefix string) BidPublisherOption {
	return func(o *bidPublisherOptions) {
		o.keyPrefix = prefix
	}
}

// WithBidPublisherTTL 設置已發布價格鍵的存活時間
func WithBidPublisherTTL(ttl time.Duration) BidPublisherOption {
	return func(o *bidPublisherOptions) {
		o.ttl = ttl
	}
}

// WithBidPublisherMaxLen 設置stream的大約長度上限
func WithBidPublisherMaxLen(maxLen int64) BidPublisherOption {
	return func(o *bidPublisherOptions) {
		o.maxLen = maxLen
	}
}

// BidPublisher 實作 bidding.EventPublisher，透過 PublishBidScript 把出價事件寫進共用的stream，
// 每個節點再以 Consumer 讀回並推給自己的SSE連線
type BidPublisher struct {
	producer *Producer[bidding.BidEvent]
	options  bidPublisherOptions
}

func NewBidPublisher(client *redis.Client, stream string, opts ...BidPublisherOption) (*BidPublisher, error) {
	// 默認選項
	options := bidPublisherOptions{
		logger:    slog.Default(),
		keyPrefix: "auction:published-price:",
		ttl:       24 * time.Hour,
		maxLen:    10000,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.ttl < time.Second {
		return nil, errors.New("ttl must be at least one second")
	}

	publisher := &BidPublisher{options: options}
	producer, err := NewProducer(client, stream,
		WithProducerLogger[bidding.BidEvent](options.logger.With(slog.String("caller", "BidPublisher"))),
		WithProducerWriteFunc(publisher.write),
	)
	if err != nil {
		return nil, err
	}
	publisher.producer = producer
	return publisher, nil
}

func (p *BidPublisher) write(ctx context.Context, client *redis.Client, stream string, event bidding.BidEvent, message map[string]any) (string, error) {
	const op = "BidPublisher.write"
	result, err := PublishBidScript.Run(ctx, client,
		[]string{p.options.keyPrefix + event.AuctionID, stream},
		event.NewPrice, message[messageField], int64(p.options.ttl/time.Second), p.options.maxLen,
	).Int()
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to run publish script, err=%w", op, err)
	}
	if result == 0 {
		return "", ErrSkipped
	}
	return event.AuctionID, nil
}

func (p *BidPublisher) Start() {
	p.producer.Start()
}

// PublishBid 放入發布佇列後立即返回，同一節點的事件依呼叫順序寫入
func (p *BidPublisher) PublishBid(_ context.Context, event bidding.BidEvent) error {
	return p.producer.Publish(event)
}

// Send 同步發布，事件已過期時回傳 ErrSkipped
func (p *BidPublisher) Send(ctx context.Context, event bidding.BidEvent) error {
	_, err := p.producer.Send(ctx, event)
	return err
}

func (p *BidPublisher) Close() {
	p.producer.Close()
}
