package models

import "time"

// Bid 代表拍賣商品的出價紀錄，寫入後不會修改或刪除
type Bid struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	AuctionID string    `gorm:"type:varchar(64);not null;index:idx_bids_ranking,priority:1;<-:create"`
	BidderID  string    `gorm:"type:varchar(64);not null;index;<-:create"`
	Amount    int64     `gorm:"type:bigint;not null;index:idx_bids_ranking,priority:2,sort:desc;<-:create"`
	CreatedAt time.Time `gorm:"not null;<-:create"`
}
