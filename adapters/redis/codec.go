package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// messageField 是stream訊息中存放編碼後資料的欄位
const messageField = "data"

var (
	ErrPointerType    = errors.New("pointer type is not allowed")
	ErrMissingData    = errors.New("data field not found or invalid type")
	ErrProducerClosed = errors.New("producer is closed")
	// ErrSkipped 表示寫入函數判斷訊息不需要寫入，例如已過期的出價事件
	ErrSkipped = errors.New("message skipped by writer")
	// ErrMaxDeliveries 資料讀出次數超過上限
	ErrMaxDeliveries = errors.New("max deliveries exceeded")
)

// EncodeMessage 以 msgpack + base64 將資料編碼成stream訊息
func EncodeMessage[T any](data T) (map[string]any, error) {
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}
	payload, err := encodePayload(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{messageField: payload}, nil
}

// DecodeMessage 是 EncodeMessage 的反向操作
func DecodeMessage[T any](message map[string]any) (T, error) {
	var result T
	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	payload, ok := message[messageField].(string)
	if !ok {
		return result, ErrMissingData
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}

func encodePayload(data any) (string, error) {
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("msgpack marshal error: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
