package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redisAdapter "hammer/adapters/redis"
	"hammer/bidding"
)

type relayOptions struct {
	logger         *slog.Logger
	deliverTimeout time.Duration
}

type RelayOption func(*relayOptions)

// WithRelayLogger 設置日誌記錄器
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(o *relayOptions) {
		o.logger = logger
	}
}

// WithRelayDeliverTimeout 設置單筆通知送出的最長時間
func WithRelayDeliverTimeout(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		o.deliverTimeout = d
	}
}

// NoticeRelay 從通知stream讀出得標通知並送到外部通道。
// 送出失敗的通知移到dead-letter，不會再次送出；節點在送出途中停止時，通知由其他節點認領後送出。
type NoticeRelay struct {
	consumer   redisAdapter.IGroupConsumer[bidding.WinNotice]
	sink       bidding.NoticeSink
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
	logger     *slog.Logger
	options    relayOptions
}

func NewNoticeRelay(consumer redisAdapter.IGroupConsumer[bidding.WinNotice], sink bidding.NoticeSink, opts ...RelayOption) *NoticeRelay {
	// 默認選項
	options := relayOptions{
		logger:         slog.Default(),
		deliverTimeout: 5 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &NoticeRelay{
		consumer: consumer,
		sink:     sink,
		logger:   options.logger.With(slog.String("caller", "NoticeRelay")),
		options:  options,
	}
}

func (r *NoticeRelay) Start() error {
	if err := r.consumer.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFunc = cancel
	r.logger.Info("Start notice relay worker")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.logger.Info("Notice relay worker stopped")
		ch := r.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.handle(ctx, msg)
			}
		}
	}()
	return nil
}

func (r *NoticeRelay) handle(ctx context.Context, msg *redisAdapter.Delivery[bidding.WinNotice]) {
	logger := r.logger.With(slog.String("auctionID", msg.Data.AuctionID), slog.Int64("attempts", msg.Attempts))
	deliverCtx, cancel := context.WithTimeout(ctx, r.options.deliverTimeout)
	defer cancel()

	// 已經送出的結果即使在關閉途中也要確認
	ackCtx := context.WithoutCancel(ctx)
	if err := r.sink.Deliver(deliverCtx, msg.Data); err != nil {
		logger.Error("Fail to relay notice", slog.Any("error", err))
		if err := msg.DeadLetter(ackCtx, err); err != nil {
			logger.Error("Fail to dead-letter notice", slog.Any("error", err))
		}
		return
	}
	if err := msg.Ack(ackCtx); err != nil {
		logger.Error("Relay success but fail to ack notice", slog.Any("error", err))
		return
	}
	logger.Debug("Notice relayed")
}

func (r *NoticeRelay) Close() {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.wg.Wait()
	if err := r.consumer.Close(); err != nil {
		r.logger.Warn("Fail to close group consumer", slog.Any("error", err))
	}
}
