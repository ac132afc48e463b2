package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hammer/bidding"
)

func bidEvent(price int64) bidding.BidEvent {
	return bidding.BidEvent{
		AuctionID: "a1",
		BidderID:  "alice",
		NewPrice:  price,
		Time:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublishBidScript(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		setup     func()
		price     int64
		maxLen    int64
		want      int
		wantPrice string
	}{
		{
			name:      "第一筆事件直接寫入",
			setup:     func() {},
			price:     100,
			want:      1,
			wantPrice: "100",
		},
		{
			name:      "價格不高於已發布價格時丟棄",
			setup:     func() { mr.Set("price:a1", "200") },
			price:     200,
			want:      0,
			wantPrice: "200",
		},
		{
			name:      "價格較高時更新並寫入",
			setup:     func() { mr.Set("price:a1", "200") },
			price:     300,
			maxLen:    10,
			want:      1,
			wantPrice: "300",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()
			tt.setup()

			payload, err := encodePayload(bidEvent(tt.price))
			require.NoError(t, err)
			result, err := PublishBidScript.Run(ctx, client,
				[]string{"price:a1", "bids"},
				tt.price, payload, 3600, tt.maxLen,
			).Int()
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)

			price, err := client.Get(ctx, "price:a1").Result()
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrice, price)

			entries, err := client.XRange(ctx, "bids", "-", "+").Result()
			require.NoError(t, err)
			if tt.want == 0 {
				assert.Empty(t, entries)
				return
			}
			require.Len(t, entries, 1)
			ttl, err := client.TTL(ctx, "price:a1").Result()
			require.NoError(t, err)
			assert.True(t, ttl > 0)

			event, err := DecodeMessage[bidding.BidEvent](entries[0].Values)
			require.NoError(t, err)
			assert.Equal(t, tt.price, event.NewPrice)
		})
	}
}

func TestBidPublisher_Send(t *testing.T) {
	_, client := setupMiniredis(t)
	ctx := context.Background()

	publisher, err := NewBidPublisher(client, "bids", WithBidPublisherKeyPrefix("price:"))
	require.NoError(t, err)

	require.NoError(t, publisher.Send(ctx, bidEvent(200)))
	// 其他節點較晚送達的舊事件不會讓訂閱者看到價格倒退
	assert.ErrorIs(t, publisher.Send(ctx, bidEvent(150)), ErrSkipped)
	require.NoError(t, publisher.Send(ctx, bidEvent(300)))

	entries, err := client.XRange(ctx, "bids", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	first, err := DecodeMessage[bidding.BidEvent](entries[0].Values)
	require.NoError(t, err)
	second, err := DecodeMessage[bidding.BidEvent](entries[1].Values)
	require.NoError(t, err)
	assert.Equal(t, int64(200), first.NewPrice)
	assert.Equal(t, int64(300), second.NewPrice)
}

func TestBidPublisher_PublishBid(t *testing.T) {
	_, client := setupMiniredis(t)
	ctx := context.Background()

	publisher, err := NewBidPublisher(client, "bids")
	require.NoError(t, err)
	assert.ErrorIs(t, publisher.PublishBid(ctx, bidEvent(100)), ErrProducerClosed)

	publisher.Start()
	defer publisher.Close()
	for _, price := range []int64{100, 200, 300} {
		require.NoError(t, publisher.PublishBid(ctx, bidEvent(price)))
	}

	assert.Eventually(t, func() bool {
		n, err := client.XLen(ctx, "bids").Result()
		return err == nil && n == 3
	}, time.Second, 10*time.Millisecond)
}

func TestNewBidPublisher_InvalidTTL(t *testing.T) {
	_, client := setupMiniredis(t)
	_, err := NewBidPublisher(client, "bids", WithBidPublisherTTL(time.Millisecond))
	assert.Error(t, err)
}
