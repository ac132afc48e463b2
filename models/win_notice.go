package models

import "time"

// WinNotice 記錄已經通知過的 (拍賣, 得標者)，主鍵保證同一組只會寫入一次
type WinNotice struct {
	AuctionID  string    `gorm:"type:varchar(64);primaryKey"`
	UserID     string    `gorm:"type:varchar(64);primaryKey"`
	NotifiedAt time.Time `gorm:"not null"`

	Auction *Auction `gorm:"constraint:OnDelete:CASCADE"`
}

// All 回傳所有需要建立資料表的模型，依照外鍵相依的順序
func All() []any {
	return []any{&Auction{}, &Bid{}, &WinNotice{}}
}
