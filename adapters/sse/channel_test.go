package sse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hammer/adapters/sse"
)

func TestChannel(t *testing.T) {
	ch := sse.NewChannel[Message](4)

	// 測試訂閱
	sub := ch.Subscribe()
	assert.NotNil(t, sub)

	// 測試廣播訊息
	msg := Message{Data: "test message"}
	assert.Equal(t, 0, ch.Broadcast(msg))
	assert.Equal(t, msg, receive(t, sub))

	// 測試取消訂閱
	ch.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed")

	// 測試 IsIdle
	assert.True(t, ch.IsIdle(), "channel should be idle")
}

func TestChannel_SlowSubscriber(t *testing.T) {
	ch := sse.NewChannel[Message](2)
	slow := ch.Subscribe()
	fast := ch.Subscribe()

	for _, data := range []string{"1", "2"} {
		assert.Equal(t, 0, ch.Broadcast(Message{Data: data}))
		assert.Equal(t, data, receive(t, fast).Data)
	}

	// 慢的訂閱者緩衝區已滿，只略過它，不阻塞廣播
	assert.Equal(t, 1, ch.Broadcast(Message{Data: "3"}))
	assert.Equal(t, "3", receive(t, fast).Data)
	assert.Equal(t, uint64(1), ch.Dropped())

	// 保留下來的訊息仍然依序送達
	assert.Equal(t, "1", receive(t, slow).Data)
	assert.Equal(t, "2", receive(t, slow).Data)

	ch.UnsubscribeAll()
	_, ok := <-fast
	assert.False(t, ok)
	assert.True(t, ch.IsIdle())
}
