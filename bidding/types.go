package bidding

import "time"

// MaxBid 單次出價金額上限
const MaxBid int64 = 1_000_000_000

// Auction 代表一件限時、價格只升不降的拍賣商品
type Auction struct {
	ID            string
	SellerID      string
	Title         string
	Category      string
	Location      string
	Description   string
	StartingPrice int64
	CurrentPrice  int64
	EndTime       time.Time
	SellerContact string
	BidCount      int64
	LeaderID      string
	ResolvedAt    *time.Time
	ClosedAt      *time.Time
	CreatedAt     time.Time
}

// Ended 判斷在now時拍賣是否已經結束
func (a Auction) Ended(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// State 依照結束時間以及是否已通知得標者推算拍賣狀態
func (a Auction) State(now time.Time) State {
	switch {
	case !a.Ended(now):
		return StateOpen
	case a.ClosedAt != nil:
		return StateClosed
	default:
		return StateEnded
	}
}

// Details 是賣家可以修改的欄位
type Details struct {
	Title         string
	Category      string
	Location      string
	Description   string
	StartingPrice int64
	EndTime       time.Time
	SellerContact string
}

// Bid 代表一筆已被接受的出價，寫入後不可修改
type Bid struct {
	ID        string
	AuctionID string
	BidderID  string
	Amount    int64
	CreatedAt time.Time
}

type State string

const (
	StateOpen   State = "OPEN"
	StateEnded  State = "ENDED"
	StateClosed State = "CLOSED"
)

// Resolution 是由出價紀錄推導出的結標結果
type Resolution struct {
	AuctionID     string
	Ended         bool
	WinnerID      *string
	WinningAmount int64
	BidCount      int64
	// Tied 表示最高金額出現了兩筆以上的出價，正常序列化下不會發生
	Tied bool
}

// WinNotice 是發給得標者的通知，不包含賣家聯絡方式
type WinNotice struct {
	AuctionID     string    `json:"auctionId"`
	Title         string    `json:"title"`
	WinnerID      string    `json:"winnerId"`
	WinningAmount int64     `json:"winningAmount"`
	EndTime       time.Time `json:"endTime"`
}

// AuctionState 是 getAuctionState 的回傳內容
type AuctionState struct {
	AuctionID     string
	Title         string
	StartingPrice int64
	CurrentPrice  int64
	EndTime       time.Time
	Ended         bool
	BidCount      int64
	State         State
}

// BidEvent 是推送給即時訂閱者的出價事件
type BidEvent struct {
	AuctionID string    `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	NewPrice  int64     `json:"newPrice"`
	Time      time.Time `json:"time"`
}

// Accepted 是出價成功的結果
type Accepted struct {
	Bid      Bid
	NewPrice int64
}

// ListFilter 拍賣列表的查詢條件
type ListFilter struct {
	Category     string
	SellerID     string
	ExcludeEnded bool
	Now          time.Time
	Limit        int
	Offset       int
}

// EndedFilter 查詢已結束拍賣的條件
type EndedFilter struct {
	Before         time.Time
	LeaderID       string
	UnresolvedOnly bool
	Limit          int
}
