package models

import (
	"time"
)

// Auction 代表一件拍賣商品
// 除了商品資訊之外，也存放目前價格、出價數量以及結標和通知的時間
type Auction struct {
	ID            string     `gorm:"type:varchar(64);primaryKey"`
	SellerID      string     `gorm:"type:varchar(64);not null;index"`
	Title         string     `gorm:"type:varchar(255);not null"`
	Category      string     `gorm:"type:varchar(64);not null;default:'';index"`
	Location      string     `gorm:"type:varchar(255);not null;default:''"`
	Description   string     `gorm:"type:text;not null;default:''"`
	StartingPrice int64      `gorm:"type:bigint;not null"`
	CurrentPrice  int64      `gorm:"type:bigint;not null;check:chk_auctions_current_price,current_price >= starting_price"`
	EndTime       time.Time  `gorm:"not null;index"`
	SellerContact string     `gorm:"type:varchar(255);not null;default:''"`
	BidCount      int64      `gorm:"type:bigint;not null;default:0"`
	LeaderID      string     `gorm:"type:varchar(64);not null;default:'';index"`
	ResolvedAt    *time.Time `gorm:"index"`
	ClosedAt      *time.Time
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time

	// 外鍵關聯
	Bids []Bid `gorm:"constraint:OnDelete:CASCADE"`
}
