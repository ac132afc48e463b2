package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"hammer/bidding"
)

// DefaultQueue 得標通知的佇列名稱
const DefaultQueue = "auction.won"

// Channel 是 Publisher 用到的 amqp.Channel 方法
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// DialFunc 建立連線並開啟channel，回傳的 close 用於關閉底層連線
type DialFunc func(url string) (ch Channel, close func() error, err error)

func dial(url string) (Channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

type publisherOptions struct {
	logger *slog.Logger
	queue  string
	dial   DialFunc
}

type PublisherOption func(*publisherOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(o *publisherOptions) {
		o.logger = logger
	}
}

// WithQueue 設置佇列名稱
func WithQueue(queue string) PublisherOption {
	return func(o *publisherOptions) {
		o.queue = queue
	}
}

// WithDialFunc 取代預設的連線方式 (主要用於測試)
func WithDialFunc(fn DialFunc) PublisherOption {
	return func(o *publisherOptions) {
		o.dial = fn
	}
}

// Publisher 實作 bidding.NoticeSink，把得標通知以持久化訊息送進 durable 佇列。
// 連線在第一次送出時建立，送出失敗後丟棄，下一次再重新連線。
type Publisher struct {
	url       string
	mu        sync.Mutex
	ch        Channel
	closeConn func() error
	closed    bool
	logger    *slog.Logger
	options   publisherOptions
}

func NewPublisher(url string, opts ...PublisherOption) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("amqp url cannot be empty")
	}

	// 默認選項
	options := publisherOptions{
		logger: slog.Default(),
		queue:  DefaultQueue,
		dial:   dial,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Publisher{
		url:     url,
		logger:  options.logger.With(slog.String("caller", "AmqpPublisher"), slog.String("queue", options.queue)),
		options: options,
	}, nil
}

func (p *Publisher) Deliver(ctx context.Context, notice bidding.WinNotice) error {
	const op = "Publisher.Deliver"
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal notice, err=%w", op, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("[%s] Publisher is closed", op)
	}
	if err := p.connect(); err != nil {
		return fmt.Errorf("[%s] Fail to connect to broker, err=%w", op, err)
	}

	err = p.ch.PublishWithContext(ctx, "", p.options.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notice.AuctionID + ":" + notice.WinnerID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.disconnect()
		return fmt.Errorf("[%s] Fail to publish notice for auction %s, err=%w", op, notice.AuctionID, err)
	}
	p.logger.Debug("notice published", slog.String("auctionID", notice.AuctionID))
	return nil
}

func (p *Publisher) connect() error {
	if p.ch != nil {
		return nil
	}
	ch, closeConn, err := p.options.dial(p.url)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(p.options.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if closeConn != nil {
			_ = closeConn()
		}
		return err
	}
	p.ch = ch
	p.closeConn = closeConn
	return nil
}

func (p *Publisher) disconnect() {
	if p.ch == nil {
		return
	}
	if err := p.ch.Close(); err != nil {
		p.logger.Debug("close channel error", slog.Any("error", err))
	}
	if p.closeConn != nil {
		if err := p.closeConn(); err != nil {
			p.logger.Debug("close connection error", slog.Any("error", err))
		}
	}
	p.ch = nil
	p.closeConn = nil
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.disconnect()
}
