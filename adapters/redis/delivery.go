package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DeadLetterStream 回傳stream對應的死信stream名稱
func DeadLetterStream(stream string) string {
	return stream + ":dead-letter"
}

// Delivery 是從消費者群組讀出的一筆資料。
// 沒有 Ack 或 DeadLetter 的資料會留在pending，閒置超過認領時間後由其他節點接手。
type Delivery[T any] struct {
	ID   string
	Data T
	// Attempts 這筆資料被讀出的次數，第一次讀出為1
	Attempts int64

	client  *redis.Client
	stream  string
	group   string
	raw     map[string]any
	settled bool
}

// Ack 確認資料已處理完成，重複呼叫不會出錯
func (d *Delivery[T]) Ack(ctx context.Context) error {
	const op = "Delivery.Ack"
	if d.settled {
		return nil
	}
	if err := d.client.XAck(ctx, d.stream, d.group, d.ID).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to ack %s, err=%w", op, d.ID, err)
	}
	d.settled = true
	return nil
}

// DeadLetter 把資料連同原因寫入死信stream並確認
func (d *Delivery[T]) DeadLetter(ctx context.Context, reason error) error {
	const op = "Delivery.DeadLetter"
	if d.settled {
		return nil
	}
	if err := deadLetter(ctx, d.client, d.stream, d.group, d.ID, d.raw, reason, d.Attempts); err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	d.settled = true
	return nil
}

// deadLetter 在同一個交易內寫入死信並確認原資料，兩者不會只完成其中一個
func deadLetter(ctx context.Context, client *redis.Client, stream, group, id string, raw map[string]any, reason error, attempts int64) error {
	values := make(map[string]any, len(raw)+3)
	for k, v := range raw {
		values[k] = v
	}
	values["source_id"] = id
	values["attempts"] = attempts
	if reason != nil {
		values["error"] = reason.Error()
	}

	_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: DeadLetterStream(stream), Values: values})
		pipe.XAck(ctx, stream, group, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Fail to dead-letter %s, err=%w", id, err)
	}
	return nil
}
