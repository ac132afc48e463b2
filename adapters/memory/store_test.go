package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hammer/bidding"
)

var end = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id, category string, endTime time.Time) {
	t.Helper()
	require.NoError(t, s.CreateAuction(context.Background(), &bidding.Auction{
		ID:            id,
		SellerID:      "seller",
		Title:         "Item " + id,
		Category:      category,
		StartingPrice: 100,
		CurrentPrice:  100,
		EndTime:       endTime,
		CreatedAt:     endTime.Add(-time.Hour),
	}))
}

func TestStore_AppendBid(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "a1", "electronics", end)

	require.NoError(t, s.AppendBid(ctx, bidding.Bid{ID: "b1", AuctionID: "a1", BidderID: "alice", Amount: 200, CreatedAt: end.Add(-time.Minute)}, 100))
	err := s.AppendBid(ctx, bidding.Bid{ID: "b2", AuctionID: "a1", BidderID: "bob", Amount: 300, CreatedAt: end.Add(-time.Second)}, 100)
	assert.ErrorIs(t, err, bidding.ErrPriceConflict)
	err = s.AppendBid(ctx, bidding.Bid{ID: "b3", AuctionID: "missing", BidderID: "bob", Amount: 300}, 0)
	assert.ErrorIs(t, err, bidding.ErrNotFound)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), a.CurrentPrice)
	assert.Equal(t, "alice", a.LeaderID)
	assert.Equal(t, int64(1), a.BidCount)

	// 結標後不再接受出價
	resolved, err := s.MarkResolved(ctx, "a1", end)
	require.NoError(t, err)
	assert.True(t, resolved)
	err = s.AppendBid(ctx, bidding.Bid{ID: "b4", AuctionID: "a1", BidderID: "bob", Amount: 300, CreatedAt: end}, 200)
	assert.ErrorIs(t, err, bidding.ErrPriceConflict)
}

func TestStore_GetAuctionReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "a1", "electronics", end)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	a.CurrentPrice = 999

	again, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.CurrentPrice)
}

func TestStore_ListAuctions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "a1", "electronics", end)
	seed(t, s, "a2", "electronics", end.Add(time.Hour))
	seed(t, s, "a3", "furniture", end.Add(time.Hour))

	all, err := s.ListAuctions(ctx, bidding.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	open, err := s.ListAuctions(ctx, bidding.ListFilter{Category: "electronics", ExcludeEnded: true, Now: end})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a2", open[0].ID)

	paged, err := s.ListAuctions(ctx, bidding.ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, paged, 1)
	paged, err = s.ListAuctions(ctx, bidding.ListFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, paged)
}

func TestStore_NoticeClaim(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "a1", "electronics", end)

	claimed, err := s.ClaimNotice(ctx, "a1", "alice", end)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.ClaimNotice(ctx, "a1", "alice", end.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, claimed)

	a, err := s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, bidding.StateClosed, a.State(end))

	require.NoError(t, s.ReleaseNotice(ctx, "a1", "alice"))
	a, err = s.GetAuction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, bidding.StateEnded, a.State(end))
}
