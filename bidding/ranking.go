package bidding

import (
	"sort"
	"time"
)

// RankBids 回傳依 (金額 desc, 時間 asc) 排序後的新切片。
// 同金額時較早的出價排前面，正常序列化下同金額不會出現，只作為保險的排序規則。
func RankBids(bids []Bid) []Bid {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Amount != ranked[j].Amount {
			return ranked[i].Amount > ranked[j].Amount
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// Resolve 是唯一的得標計算函數，出價推送、輪詢通知和商品頁都使用它，
// 結果只取決於拍賣資料和出價紀錄，重複呼叫一定得到相同結果。
// ranked 必須是 RankBids 的輸出。
func Resolve(auction Auction, ranked []Bid, now time.Time) Resolution {
	res := Resolution{
		AuctionID:     auction.ID,
		Ended:         auction.Ended(now),
		WinningAmount: auction.StartingPrice,
		BidCount:      int64(len(ranked)),
	}
	if len(ranked) == 0 {
		return res
	}
	top := ranked[0]
	res.WinningAmount = top.Amount
	res.Tied = len(ranked) > 1 && ranked[1].Amount == top.Amount
	if res.Ended {
		winner := top.BidderID
		res.WinnerID = &winner
	}
	return res
}

// IsWinner 判斷 userID 是否為已結束拍賣的得標者
func (r Resolution) IsWinner(userID string) bool {
	return r.Ended && r.WinnerID != nil && userID != "" && *r.WinnerID == userID
}
