package bidding

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 使用系統時間
var SystemClock Clock = systemClock{}

// ClockFunc 讓一般函數可以當作 Clock 使用，主要用於測試
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
