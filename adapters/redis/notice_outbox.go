package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"hammer/bidding"
)

// NoticeOutbox 實作 bidding.NoticeSink，把得標通知同步寫入stream，
// 由 api.NoticeRelay 以 GroupConsumer 讀出後轉送
type NoticeOutbox struct {
	producer *Producer[bidding.WinNotice]
}

func NewNoticeOutbox(client *redis.Client, stream string, opts ...ProducerOption[bidding.WinNotice]) (*NoticeOutbox, error) {
	producer, err := NewProducer(client, stream, opts...)
	if err != nil {
		return nil, err
	}
	return &NoticeOutbox{producer: producer}, nil
}

func (o *NoticeOutbox) Deliver(ctx context.Context, notice bidding.WinNotice) error {
	const op = "NoticeOutbox.Deliver"
	if _, err := o.producer.Send(ctx, notice); err != nil {
		return fmt.Errorf("[%s] Fail to write notice for auction %s, err=%w", op, notice.AuctionID, err)
	}
	return nil
}
