package bidding

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("auction not found")
	ErrAuctionEnded    = errors.New("auction has ended")
	ErrInvalidAmount   = errors.New("invalid bid amount")
	ErrPriceTooLow     = errors.New("bid amount must be higher than current price")
	ErrUnauthenticated = errors.New("unauthenticated bidder")
	ErrForbidden       = errors.New("forbidden")
	ErrBusy            = errors.New("auction is busy, retry later")
	ErrStorageFailure  = errors.New("storage failure")

	// ErrHasBids 表示拍賣已經有人出價，不能再修改或刪除
	ErrHasBids = errors.New("auction already has bids")
	// ErrPriceConflict 由儲存層回傳，表示寫入時目前價格已不是預期值
	ErrPriceConflict = errors.New("current price changed during admission")
	// ErrInvalidListing 表示新增或修改拍賣的內容不合法
	ErrInvalidListing = errors.New("invalid auction listing")
)

// Rejection 描述出價被拒絕的原因，並附上目前價格讓呼叫端可以直接修正後重送
type Rejection struct {
	Reason       error
	AuctionID    string
	CurrentPrice int64
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("bid rejected for auction %s: %v (current price %d)", r.AuctionID, r.Reason, r.CurrentPrice)
}

func (r *Rejection) Unwrap() error { return r.Reason }

func reject(reason error, a Auction) *Rejection {
	return &Rejection{Reason: reason, AuctionID: a.ID, CurrentPrice: a.CurrentPrice}
}

// ReasonCode 將錯誤轉為對外使用的原因代碼
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuctionEnded):
		return "auction_ended"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrPriceTooLow):
		return "price_too_low"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrHasBids):
		return "has_bids"
	case errors.Is(err, ErrInvalidListing):
		return "invalid_listing"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	default:
		return "internal"
	}
}
