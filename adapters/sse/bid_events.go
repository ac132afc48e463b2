package sse

import (
	"context"

	"hammer/bidding"
)

// BidEvents 以拍賣ID作為頻道名稱，把出價事件推給本節點的訂閱者
type BidEvents struct {
	manager IConnectionManager[bidding.BidEvent]
}

func NewBidEvents(manager IConnectionManager[bidding.BidEvent]) *BidEvents {
	return &BidEvents{manager: manager}
}

func (b *BidEvents) PublishBid(_ context.Context, event bidding.BidEvent) error {
	return b.manager.Publish(event.AuctionID, event)
}

// Subscribe 訂閱單一拍賣的出價事件，回傳的函數用於取消訂閱
func (b *BidEvents) Subscribe(auctionID string) (<-chan bidding.BidEvent, func(), error) {
	ch, err := b.manager.Subscribe(auctionID)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { b.manager.Unsubscribe(auctionID, ch) }, nil
}

// Request 把出價事件轉成以拍賣ID為頻道的發布請求，用於從stream讀回的事件
func Request(event bidding.BidEvent) PublishRequest[bidding.BidEvent] {
	return PublishRequest[bidding.BidEvent]{Channel: event.AuctionID, Message: event}
}
