package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisAdapter "hammer/adapters/redis"
	"hammer/bidding"
)

type recordingSink struct {
	notices chan bidding.WinNotice
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, notice bidding.WinNotice) error {
	if s.err != nil {
		return s.err
	}
	s.notices <- notice
	return nil
}

func setupRelay(t *testing.T, sink bidding.NoticeSink) (*redis.Client, *redisAdapter.NoticeOutbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	consumer, err := redisAdapter.NewGroupConsumer(client, "notices", "relay", "node-1",
		redisAdapter.WithGroupConsumerBlockTimeout[bidding.WinNotice](50*time.Millisecond),
		redisAdapter.WithGroupConsumerLogger[bidding.WinNotice](discardLogger()),
	)
	require.NoError(t, err)
	relay := NewNoticeRelay(consumer, sink, WithRelayLogger(discardLogger()))
	require.NoError(t, relay.Start())
	t.Cleanup(relay.Close)

	outbox, err := redisAdapter.NewNoticeOutbox(client, "notices")
	require.NoError(t, err)
	return client, outbox
}

func TestNoticeRelay_Deliver(t *testing.T) {
	sink := &recordingSink{notices: make(chan bidding.WinNotice, 4)}
	client, outbox := setupRelay(t, sink)
	ctx := context.Background()

	notice := bidding.WinNotice{AuctionID: "a1", Title: "Camera", WinnerID: "bob", WinningAmount: 60_000, EndTime: base}
	require.NoError(t, outbox.Deliver(ctx, notice))

	select {
	case got := <-sink.notices:
		assert.Equal(t, "a1", got.AuctionID)
		assert.Equal(t, "bob", got.WinnerID)
		assert.Equal(t, int64(60_000), got.WinningAmount)
		assert.True(t, got.EndTime.Equal(base))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed notice")
	}

	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, "notices", "relay").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNoticeRelay_FailedDeliveryGoesToDeadLetter(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker unavailable")}
	client, outbox := setupRelay(t, sink)
	ctx := context.Background()

	require.NoError(t, outbox.Deliver(ctx, bidding.WinNotice{AuctionID: "a1", WinnerID: "bob", WinningAmount: 100}))

	var dead []redis.XMessage
	require.Eventually(t, func() bool {
		var err error
		dead, err = client.XRange(ctx, "notices:dead-letter", "-", "+").Result()
		return err == nil && len(dead) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, dead[0].Values["error"], "broker unavailable")

	pending, err := client.XPending(ctx, "notices", "relay").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}
