package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"hammer/bidding"
)

type noticeKey struct {
	auctionID string
	userID    string
}

// Store 是單節點使用的記憶體實作，同時實作 AuctionStore、BidLedger 和 NoticeMarker。
// 重啟後資料會消失，正式環境請使用 database.Repository。
type Store struct {
	mu       sync.RWMutex
	auctions map[string]*bidding.Auction
	bids     map[string][]bidding.Bid // key: auctionID
	byBidder map[string][]bidding.Bid // key: bidderID, 依寫入順序
	notices  map[noticeKey]time.Time
}

func NewStore() *Store {
	return &Store{
		auctions: make(map[string]*bidding.Auction),
		bids:     make(map[string][]bidding.Bid),
		byBidder: make(map[string][]bidding.Bid),
		notices:  make(map[noticeKey]time.Time),
	}
}

func (s *Store) CreateAuction(_ context.Context, auction *bidding.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[auction.ID]; ok {
		return fmt.Errorf("auction %s already exists", auction.ID)
	}
	stored := *auction
	s.auctions[auction.ID] = &stored
	return nil
}

func (s *Store) GetAuction(_ context.Context, id string) (bidding.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auction, ok := s.auctions[id]
	if !ok {
		return bidding.Auction{}, fmt.Errorf("get auction %s: %w", id, bidding.ErrNotFound)
	}
	return *auction, nil
}

func (s *Store) ListAuctions(_ context.Context, filter bidding.ListFilter) ([]bidding.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]bidding.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		if filter.SellerID != "" && a.SellerID != filter.SellerID {
			continue
		}
		if filter.ExcludeEnded && a.Ended(filter.Now) {
			continue
		}
		matched = append(matched, *a)
	}
	// 新上架的排前面
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return page(matched, filter.Offset, filter.Limit), nil
}

func (s *Store) ListEnded(_ context.Context, filter bidding.EndedFilter) ([]bidding.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := lo.FilterMap(lo.Values(s.auctions), func(a *bidding.Auction, _ int) (bidding.Auction, bool) {
		switch {
		case !a.Ended(filter.Before):
			return bidding.Auction{}, false
		case filter.LeaderID != "" && a.LeaderID != filter.LeaderID:
			return bidding.Auction{}, false
		case filter.UnresolvedOnly && a.ResolvedAt != nil:
			return bidding.Auction{}, false
		}
		return *a, true
	})
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EndTime.Equal(matched[j].EndTime) {
			return matched[i].EndTime.Before(matched[j].EndTime)
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, 0, filter.Limit), nil
}

func (s *Store) UpdateDetails(_ context.Context, id string, details bidding.Details) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	auction, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("update auction %s: %w", id, bidding.ErrNotFound)
	}
	if auction.BidCount > 0 {
		return fmt.Errorf("update auction %s: %w", id, bidding.ErrHasBids)
	}
	auction.Title = details.Title
	auction.Category = details.Category
	auction.Location = details.Location
	auction.Description = details.Description
	auction.StartingPrice = details.StartingPrice
	auction.CurrentPrice = details.StartingPrice
	auction.EndTime = details.EndTime
	auction.SellerContact = details.SellerContact
	return nil
}

func (s *Store) DeleteAuction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	auction, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("delete auction %s: %w", id, bidding.ErrNotFound)
	}
	if auction.BidCount > 0 {
		return fmt.Errorf("delete auction %s: %w", id, bidding.ErrHasBids)
	}
	delete(s.auctions, id)
	delete(s.bids, id)
	return nil
}

func (s *Store) MarkResolved(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auction, ok := s.auctions[id]
	if !ok {
		return false, fmt.Errorf("resolve auction %s: %w", id, bidding.ErrNotFound)
	}
	if auction.ResolvedAt != nil {
		return false, nil
	}
	auction.ResolvedAt = lo.ToPtr(at)
	return true, nil
}

// AppendBid 在同一把鎖內比對目前價格、寫入出價並更新價格
func (s *Store) AppendBid(_ context.Context, bid bidding.Bid, expectedPrice int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	auction, ok := s.auctions[bid.AuctionID]
	if !ok {
		return fmt.Errorf("append bid to %s: %w", bid.AuctionID, bidding.ErrNotFound)
	}
	if auction.CurrentPrice != expectedPrice || auction.ResolvedAt != nil {
		return fmt.Errorf("append bid to %s: %w", bid.AuctionID, bidding.ErrPriceConflict)
	}
	s.bids[bid.AuctionID] = append(s.bids[bid.AuctionID], bid)
	s.byBidder[bid.BidderID] = append(s.byBidder[bid.BidderID], bid)
	auction.CurrentPrice = bid.Amount
	auction.LeaderID = bid.BidderID
	auction.BidCount++
	return nil
}

func (s *Store) ListBids(_ context.Context, auctionID string) ([]bidding.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bidding.RankBids(s.bids[auctionID]), nil
}

func (s *Store) ListBidsByBidder(_ context.Context, bidderID string) ([]bidding.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Reverse(append([]bidding.Bid(nil), s.byBidder[bidderID]...)), nil
}

func (s *Store) ClaimNotice(_ context.Context, auctionID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := noticeKey{auctionID: auctionID, userID: userID}
	if _, ok := s.notices[key]; ok {
		return false, nil
	}
	s.notices[key] = at
	if auction, ok := s.auctions[auctionID]; ok && auction.ClosedAt == nil {
		auction.ClosedAt = lo.ToPtr(at)
	}
	return true, nil
}

func (s *Store) ReleaseNotice(_ context.Context, auctionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notices, noticeKey{auctionID: auctionID, userID: userID})
	if auction, ok := s.auctions[auctionID]; ok {
		auction.ClosedAt = nil
	}
	return nil
}

func page(auctions []bidding.Auction, offset, limit int) []bidding.Auction {
	offset = max(offset, 0)
	if offset >= len(auctions) {
		return []bidding.Auction{}
	}
	auctions = auctions[offset:]
	if limit > 0 && limit < len(auctions) {
		auctions = auctions[:limit]
	}
	return auctions
}
