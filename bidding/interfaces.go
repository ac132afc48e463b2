//go:generate mockgen -package=bidding -destination=mock.go -source=interfaces.go

package bidding

import (
	"context"
	"time"
)

// AuctionStore 負責拍賣資料的持久化
type AuctionStore interface {
	CreateAuction(ctx context.Context, auction *Auction) error
	// GetAuction 找不到時回傳 ErrNotFound
	GetAuction(ctx context.Context, id string) (Auction, error)
	ListAuctions(ctx context.Context, filter ListFilter) ([]Auction, error)
	ListEnded(ctx context.Context, filter EndedFilter) ([]Auction, error)
	// UpdateDetails 只在沒有任何出價時更新，否則回傳 ErrHasBids
	UpdateDetails(ctx context.Context, id string, details Details) error
	// DeleteAuction 只在沒有任何出價時刪除，否則回傳 ErrHasBids
	DeleteAuction(ctx context.Context, id string) error
	// MarkResolved 記錄結標，只有第一次呼叫會回傳 true。
	// 記錄之後 AppendBid 必須以 ErrPriceConflict 拒絕該拍賣的出價
	MarkResolved(ctx context.Context, id string, at time.Time) (bool, error)
}

// BidLedger 是只允許追加的出價紀錄，同時是目前價格唯一的寫入者
type BidLedger interface {
	// AppendBid 在同一個原子操作內寫入出價並更新目前價格，
	// 若儲存的目前價格已不等於 expectedPrice 則回傳 ErrPriceConflict
	AppendBid(ctx context.Context, bid Bid, expectedPrice int64) error
	// ListBids 依 (金額 desc, 時間 asc, ID asc) 排序
	ListBids(ctx context.Context, auctionID string) ([]Bid, error)
	// ListBidsByBidder 依時間新到舊排序
	ListBidsByBidder(ctx context.Context, bidderID string) ([]Bid, error)
}

// NoticeMarker 記錄已通知的 (拍賣, 得標者)
type NoticeMarker interface {
	// ClaimNotice 只有第一次標記成功時回傳 true，並將拍賣標記為 CLOSED
	ClaimNotice(ctx context.Context, auctionID, userID string, at time.Time) (bool, error)
	// ReleaseNotice 撤銷標記，用於推送失敗時讓輪詢路徑仍能送達
	ReleaseNotice(ctx context.Context, auctionID, userID string) error
}

// Locker 提供以拍賣為單位的互斥鎖
type Locker interface {
	// Lock 在ctx結束前拿不到鎖時回傳 ErrBusy
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventPublisher 將出價事件推送給即時訂閱者
type EventPublisher interface {
	PublishBid(ctx context.Context, event BidEvent) error
}

// NoticeSink 將得標通知送到外部通道
type NoticeSink interface {
	Deliver(ctx context.Context, notice WinNotice) error
}
