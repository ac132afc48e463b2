package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewAuction 是新增拍賣的內容
type NewAuction struct {
	SellerID string
	Details
}

type sellerOptions struct {
	logger      *slog.Logger
	locker      Locker
	lockTimeout time.Duration
	maxBid      int64
	newID       func() string
}

type SellerOption func(*sellerOptions)

// WithSellerLogger 設置日誌記錄器
func WithSellerLogger(logger *slog.Logger) SellerOption {
	return func(o *sellerOptions) {
		o.logger = logger
	}
}

// WithSellerLocker 設置拍賣鎖，必須和 Processor 使用同一個 Locker
func WithSellerLocker(locker Locker) SellerOption {
	return func(o *sellerOptions) {
		o.locker = locker
	}
}

// WithSellerIDFunc 設置拍賣ID的產生方式 (主要用於測試)
func WithSellerIDFunc(fn func() string) SellerOption {
	return func(o *sellerOptions) {
		o.newID = fn
	}
}

// Seller 處理賣家的拍賣管理，以及拍賣列表和出價紀錄的查詢
type Seller struct {
	store   AuctionStore
	ledger  BidLedger
	logger  *slog.Logger
	options sellerOptions
}

func NewSeller(store AuctionStore, ledger BidLedger, opts ...SellerOption) (*Seller, error) {
	if store == nil || ledger == nil {
		return nil, errors.New("auction store and bid ledger cannot be nil")
	}

	options := sellerOptions{
		logger:      slog.Default(),
		lockTimeout: 2 * time.Second,
		maxBid:      MaxBid,
		newID:       func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.locker == nil {
		options.locker = NewKeyedMutex()
	}

	return &Seller{
		store:   store,
		ledger:  ledger,
		logger:  options.logger.With(slog.String("caller", "Seller")),
		options: options,
	}, nil
}

// Create 新增拍賣，目前價格從起標價開始
func (s *Seller) Create(ctx context.Context, listing NewAuction, now time.Time) (Auction, error) {
	const op = "Seller.Create"
	if listing.SellerID == "" {
		return Auction{}, ErrUnauthenticated
	}
	if err := s.validate(listing.Details, now); err != nil {
		return Auction{}, err
	}

	auction := Auction{
		ID:            s.options.newID(),
		SellerID:      listing.SellerID,
		Title:         strings.TrimSpace(listing.Title),
		Category:      listing.Category,
		Location:      listing.Location,
		Description:   listing.Description,
		StartingPrice: listing.StartingPrice,
		CurrentPrice:  listing.StartingPrice,
		EndTime:       listing.EndTime,
		SellerContact: listing.SellerContact,
		CreatedAt:     now,
	}
	if err := s.store.CreateAuction(ctx, &auction); err != nil {
		return Auction{}, fmt.Errorf("[%s] Fail to create auction, err=%w: %w", op, ErrStorageFailure, err)
	}
	s.logger.Info("Auction created", slog.String("auctionID", auction.ID), slog.String("seller", auction.SellerID))
	return auction, nil
}

// Edit 修改拍賣內容，只有賣家本人可以修改，且拍賣不能已經有出價或已結束
func (s *Seller) Edit(ctx context.Context, auctionID, sellerID string, details Details, now time.Time) (Auction, error) {
	const op = "Seller.Edit"
	if err := s.validate(details, now); err != nil {
		return Auction{}, err
	}

	unlock, err := s.lock(ctx, auctionID)
	if err != nil {
		return Auction{}, err
	}
	defer unlock()

	auction, err := s.owned(ctx, auctionID, sellerID, now)
	if err != nil {
		return Auction{}, err
	}
	details.Title = strings.TrimSpace(details.Title)
	if err := s.store.UpdateDetails(ctx, auctionID, details); err != nil {
		if errors.Is(err, ErrHasBids) || errors.Is(err, ErrNotFound) {
			return Auction{}, err
		}
		return Auction{}, fmt.Errorf("[%s] Fail to update auction, err=%w: %w", op, ErrStorageFailure, err)
	}

	auction.Title = details.Title
	auction.Category = details.Category
	auction.Location = details.Location
	auction.Description = details.Description
	auction.StartingPrice = details.StartingPrice
	auction.CurrentPrice = details.StartingPrice
	auction.EndTime = details.EndTime
	auction.SellerContact = details.SellerContact
	return auction, nil
}

// Delete 刪除拍賣，限制和 Edit 相同
func (s *Seller) Delete(ctx context.Context, auctionID, sellerID string, now time.Time) error {
	const op = "Seller.Delete"
	unlock, err := s.lock(ctx, auctionID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.owned(ctx, auctionID, sellerID, now); err != nil {
		return err
	}
	if err := s.store.DeleteAuction(ctx, auctionID); err != nil {
		if errors.Is(err, ErrHasBids) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("[%s] Fail to delete auction, err=%w: %w", op, ErrStorageFailure, err)
	}
	s.logger.Info("Auction deleted", slog.String("auctionID", auctionID))
	return nil
}

// List 依條件列出拍賣
func (s *Seller) List(ctx context.Context, filter ListFilter) ([]Auction, error) {
	const op = "Seller.List"
	auctions, err := s.store.ListAuctions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list auctions, err=%w: %w", op, ErrStorageFailure, err)
	}
	return auctions, nil
}

// History 回傳拍賣排序後的出價紀錄
func (s *Seller) History(ctx context.Context, auctionID string) ([]Bid, error) {
	const op = "Seller.History"
	if _, err := s.store.GetAuction(ctx, auctionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w: %w", op, ErrStorageFailure, err)
	}
	bids, err := s.ledger.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, err=%w: %w", op, ErrStorageFailure, err)
	}
	return RankBids(bids), nil
}

// BidsOf 回傳使用者出過的價，新到舊排序
func (s *Seller) BidsOf(ctx context.Context, bidderID string) ([]Bid, error) {
	const op = "Seller.BidsOf"
	if bidderID == "" {
		return nil, ErrUnauthenticated
	}
	bids, err := s.ledger.ListBidsByBidder(ctx, bidderID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, err=%w: %w", op, ErrStorageFailure, err)
	}
	return bids, nil
}

func (s *Seller) validate(details Details, now time.Time) error {
	switch {
	case strings.TrimSpace(details.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidListing)
	case details.StartingPrice < 0 || details.StartingPrice > s.options.maxBid:
		return fmt.Errorf("%w: starting price out of range", ErrInvalidListing)
	case !details.EndTime.After(now):
		return fmt.Errorf("%w: end time must be in the future", ErrInvalidListing)
	}
	return nil
}

func (s *Seller) lock(ctx context.Context, auctionID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.options.lockTimeout)
	defer cancel()
	unlock, err := s.options.locker.Lock(lockCtx, auctionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return unlock, nil
}

// owned 取得拍賣並確認requester是賣家，且拍賣仍可修改
func (s *Seller) owned(ctx context.Context, auctionID, sellerID string, now time.Time) (Auction, error) {
	if sellerID == "" {
		return Auction{}, ErrUnauthenticated
	}
	auction, err := s.store.GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Auction{}, err
		}
		return Auction{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	if auction.SellerID != sellerID {
		return Auction{}, ErrForbidden
	}
	if auction.BidCount > 0 {
		return Auction{}, ErrHasBids
	}
	if auction.Ended(now) {
		return Auction{}, ErrAuctionEnded
	}
	return auction, nil
}
