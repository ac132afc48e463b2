package database

import (
	"github.com/samber/lo"

	"hammer/bidding"
	"hammer/models"
)

func fromAuction(a bidding.Auction) models.Auction {
	return models.Auction{
		ID:            a.ID,
		SellerID:      a.SellerID,
		Title:         a.Title,
		Category:      a.Category,
		Location:      a.Location,
		Description:   a.Description,
		StartingPrice: a.StartingPrice,
		CurrentPrice:  a.CurrentPrice,
		EndTime:       a.EndTime,
		SellerContact: a.SellerContact,
		BidCount:      a.BidCount,
		LeaderID:      a.LeaderID,
		ResolvedAt:    a.ResolvedAt,
		ClosedAt:      a.ClosedAt,
		CreatedAt:     a.CreatedAt,
	}
}

func toAuction(m models.Auction) bidding.Auction {
	return bidding.Auction{
		ID:            m.ID,
		SellerID:      m.SellerID,
		Title:         m.Title,
		Category:      m.Category,
		Location:      m.Location,
		Description:   m.Description,
		StartingPrice: m.StartingPrice,
		CurrentPrice:  m.CurrentPrice,
		EndTime:       m.EndTime,
		SellerContact: m.SellerContact,
		BidCount:      m.BidCount,
		LeaderID:      m.LeaderID,
		ResolvedAt:    m.ResolvedAt,
		ClosedAt:      m.ClosedAt,
		CreatedAt:     m.CreatedAt,
	}
}

func toAuctions(records []models.Auction) []bidding.Auction {
	return lo.Map(records, func(m models.Auction, _ int) bidding.Auction {
		return toAuction(m)
	})
}

func fromBid(b bidding.Bid) models.Bid {
	return models.Bid{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		BidderID:  b.BidderID,
		Amount:    b.Amount,
		CreatedAt: b.CreatedAt,
	}
}

func toBids(records []models.Bid) []bidding.Bid {
	return lo.Map(records, func(m models.Bid, _ int) bidding.Bid {
		return bidding.Bid{
			ID:        m.ID,
			AuctionID: m.AuctionID,
			BidderID:  m.BidderID,
			Amount:    m.Amount,
			CreatedAt: m.CreatedAt,
		}
	})
}
