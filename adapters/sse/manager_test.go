package sse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hammer/adapters/sse"
	"hammer/bidding"
)

func TestConnectionManager(t *testing.T) {
	defer goleak.VerifyNone(t)

	cm := sse.NewConnectionManager[Message]()
	cm.Start()
	defer cm.Done()

	// 測試訂閱
	ch, err := cm.Subscribe("test_channel")
	require.NoError(t, err)

	// 測試發布訊息
	msg := Message{Data: "test message"}
	require.NoError(t, cm.Publish("test_channel", msg))
	require.NoError(t, cm.Publish("other_channel", Message{Data: "ignored"}))
	assert.Equal(t, msg, receive(t, ch))

	// 測試取消訂閱
	cm.Unsubscribe("test_channel", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

type chanSubscriber chan sse.PublishRequest[Message]

func (c chanSubscriber) Subscribe() <-chan sse.PublishRequest[Message] { return c }

func TestConnectionManager_Subscriber(t *testing.T) {
	defer goleak.VerifyNone(t)

	upstream := make(chanSubscriber)
	cm := sse.NewConnectionManager(sse.WithSubscriber[Message](upstream), sse.WithBufferSize[Message](4))
	cm.Start()

	a, err := cm.Subscribe("a")
	require.NoError(t, err)
	b, err := cm.Subscribe("b")
	require.NoError(t, err)

	upstream <- sse.PublishRequest[Message]{Channel: "a", Message: Message{Data: "for a"}}
	upstream <- sse.PublishRequest[Message]{Channel: "b", Message: Message{Data: "for b"}}
	assert.Equal(t, "for a", receive(t, a).Data)
	assert.Equal(t, "for b", receive(t, b).Data)

	cm.Done()
	cm.Done()
	_, ok := <-a
	assert.False(t, ok)

	_, err = cm.Subscribe("a")
	assert.ErrorIs(t, err, sse.ErrManagerClosed)
	assert.ErrorIs(t, cm.Publish("a", Message{}), sse.ErrManagerClosed)
}

func TestBidEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	cm := sse.NewConnectionManager[bidding.BidEvent]()
	defer cm.Done()
	events := sse.NewBidEvents(cm)

	ch, unsubscribe, err := events.Subscribe("a1")
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, price := range []int64{100, 200} {
		require.NoError(t, events.PublishBid(context.Background(), bidding.BidEvent{AuctionID: "a1", BidderID: "alice", NewPrice: price, Time: now}))
	}
	require.NoError(t, events.PublishBid(context.Background(), bidding.BidEvent{AuctionID: "a2", NewPrice: 999}))

	assert.Equal(t, int64(100), receive(t, ch).NewPrice)
	assert.Equal(t, int64(200), receive(t, ch).NewPrice)

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)

	req := sse.Request(bidding.BidEvent{AuctionID: "a9"})
	assert.Equal(t, "a9", req.Channel)
}
