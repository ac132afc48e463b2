package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

func TestNewConsumer(t *testing.T) {
	_, err := NewConsumer[TestMessage](nil, "stream")
	assert.ErrorContains(t, err, "redis client cannot be nil")

	_, client := setupMiniredis(t)
	_, err = NewConsumer[TestMessage](client, "")
	assert.ErrorContains(t, err, "stream cannot be empty")
}

func TestConsumer_Subscribe(t *testing.T) {
	_, client := setupMiniredis(t)
	ctx := context.Background()

	producer, err := NewProducer[TestMessage](client, "events")
	require.NoError(t, err)
	_, err = producer.Send(ctx, TestMessage{ID: "1"})
	require.NoError(t, err)
	// 無法解析的訊息會被略過
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "events", Values: map[string]any{"other": "x"}}).Err())
	_, err = producer.Send(ctx, TestMessage{ID: "2"})
	require.NoError(t, err)

	consumer, err := NewConsumer(client, "events",
		WithConsumerStartID[TestMessage]("0"),
		WithConsumerBlockTimeout[TestMessage](50*time.Millisecond),
	)
	require.NoError(t, err)
	consumer.Start()

	assert.Equal(t, "1", receive(t, consumer.Subscribe()).ID)
	assert.Equal(t, "2", receive(t, consumer.Subscribe()).ID)

	_, err = producer.Send(ctx, TestMessage{ID: "3"})
	require.NoError(t, err)
	assert.Equal(t, "3", receive(t, consumer.Subscribe()).ID)

	consumer.Close()
	consumer.Close()
	_, ok := <-consumer.Subscribe()
	assert.False(t, ok)
}

func TestConsumer_NewMessagesOnly(t *testing.T) {
	_, client := setupMiniredis(t)
	ctx := context.Background()

	producer, err := NewProducer[TestMessage](client, "events")
	require.NoError(t, err)
	_, err = producer.Send(ctx, TestMessage{ID: "old"})
	require.NoError(t, err)

	consumer, err := NewConsumer(client, "events",
		WithConsumerBlockTimeout[TestMessage](10*time.Millisecond),
	)
	require.NoError(t, err)
	consumer.Start()
	defer consumer.Close()

	// 等待多次阻塞讀取逾時後再寫入，訊息不能因此遺失
	time.Sleep(50 * time.Millisecond)
	_, err = producer.Send(ctx, TestMessage{ID: "new"})
	require.NoError(t, err)
	assert.Equal(t, "new", receive(t, consumer.Subscribe()).ID)
}

func TestCompareStreamID(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1-0", "1-0", 0},
		{"1-1", "1-0", 1},
		{"2-0", "10-0", -1},
		{"1700000000000-5", "1700000000000-12", -1},
		{"0-0", "1-0", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareStreamID(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
