package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hammer/bidding"
	"hammer/models"
)

// Repository 以 gorm 實作 AuctionStore、BidLedger 和 NoticeMarker
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Repository{db: db}, nil
}

func (r *Repository) CreateAuction(ctx context.Context, auction *bidding.Auction) error {
	const op = "Repository.CreateAuction"
	record := fromAuction(*auction)
	if result := r.db.WithContext(ctx).Omit(clause.Associations).Create(&record); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error)
	}
	return nil
}

func (r *Repository) GetAuction(ctx context.Context, id string) (bidding.Auction, error) {
	const op = "Repository.GetAuction"
	var record models.Auction
	if result := r.db.WithContext(ctx).First(&record, "id = ?", id); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return bidding.Auction{}, fmt.Errorf("[%s] Auction %s not found, err=%w", op, id, bidding.ErrNotFound)
		}
		return bidding.Auction{}, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	return toAuction(record), nil
}

func (r *Repository) ListAuctions(ctx context.Context, filter bidding.ListFilter) ([]bidding.Auction, error) {
	const op = "Repository.ListAuctions"
	query := r.db.WithContext(ctx).Model(&models.Auction{})
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.SellerID != "" {
		query = query.Where("seller_id = ?", filter.SellerID)
	}
	if filter.ExcludeEnded {
		query = query.Where("end_time > ?", filter.Now)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []models.Auction
	if result := query.Order("created_at DESC, id DESC").Find(&records); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list auctions, err=%w", op, result.Error)
	}
	return toAuctions(records), nil
}

func (r *Repository) ListEnded(ctx context.Context, filter bidding.EndedFilter) ([]bidding.Auction, error) {
	const op = "Repository.ListEnded"
	query := r.db.WithContext(ctx).Model(&models.Auction{}).Where("end_time <= ?", filter.Before)
	if filter.LeaderID != "" {
		query = query.Where("leader_id = ?", filter.LeaderID)
	}
	if filter.UnresolvedOnly {
		query = query.Where("resolved_at IS NULL")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []models.Auction
	if result := query.Order("end_time ASC, id ASC").Find(&records); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list ended auctions, err=%w", op, result.Error)
	}
	return toAuctions(records), nil
}

// UpdateDetails 以 bid_count = 0 作為更新條件，和出價寫入互斥
func (r *Repository) UpdateDetails(ctx context.Context, id string, details bidding.Details) error {
	const op = "Repository.UpdateDetails"
	result := r.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND bid_count = 0", id).
		Updates(map[string]any{
			"title":          details.Title,
			"category":       details.Category,
			"location":       details.Location,
			"description":    details.Description,
			"starting_price": details.StartingPrice,
			"current_price":  details.StartingPrice,
			"end_time":       details.EndTime,
			"seller_contact": details.SellerContact,
		})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to update auction, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.missOrHasBids(ctx, op, id)
	}
	return nil
}

func (r *Repository) DeleteAuction(ctx context.Context, id string) error {
	const op = "Repository.DeleteAuction"
	result := r.db.WithContext(ctx).Where("id = ? AND bid_count = 0", id).Delete(&models.Auction{})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to delete auction, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.missOrHasBids(ctx, op, id)
	}
	return nil
}

func (r *Repository) MarkResolved(ctx context.Context, id string, at time.Time) (bool, error) {
	const op = "Repository.MarkResolved"
	result := r.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at)
	if result.Error != nil {
		return false, fmt.Errorf("[%s] Fail to mark auction resolved, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetAuction(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AppendBid 在同一個交易內以目前價格作為條件更新拍賣，再寫入出價紀錄。
// 任一步失敗時整個交易回滾，價格和出價紀錄不會不一致。
func (r *Repository) AppendBid(ctx context.Context, bid bidding.Bid, expectedPrice int64) error {
	const op = "Repository.AppendBid"
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Auction{}).
			Where("id = ? AND current_price = ? AND resolved_at IS NULL", bid.AuctionID, expectedPrice).
			Updates(map[string]any{
				"current_price": bid.Amount,
				"leader_id":     bid.BidderID,
				"bid_count":     gorm.Expr("bid_count + 1"),
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to update current price, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Auction{}).Where("id = ?", bid.AuctionID).Count(&count).Error; err != nil {
				return fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
			}
			if count == 0 {
				return fmt.Errorf("[%s] Auction %s not found, err=%w", op, bid.AuctionID, bidding.ErrNotFound)
			}
			return fmt.Errorf("[%s] Auction %s, err=%w", op, bid.AuctionID, bidding.ErrPriceConflict)
		}

		record := fromBid(bid)
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("[%s] Fail to create bid, err=%w", op, err)
		}
		return nil
	})
}

func (r *Repository) ListBids(ctx context.Context, auctionID string) ([]bidding.Bid, error) {
	const op = "Repository.ListBids"
	var records []models.Bid
	if result := r.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("amount DESC, created_at ASC, id ASC").
		Find(&records); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, err=%w", op, result.Error)
	}
	return toBids(records), nil
}

func (r *Repository) ListBidsByBidder(ctx context.Context, bidderID string) ([]bidding.Bid, error) {
	const op = "Repository.ListBidsByBidder"
	var records []models.Bid
	if result := r.db.WithContext(ctx).
		Where("bidder_id = ?", bidderID).
		Order("created_at DESC, id DESC").
		Find(&records); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, err=%w", op, result.Error)
	}
	return toBids(records), nil
}

// ClaimNotice 以 (auction_id, user_id) 主鍵保證同一組只有一個呼叫者能寫入
func (r *Repository) ClaimNotice(ctx context.Context, auctionID, userID string, at time.Time) (bool, error) {
	const op = "Repository.ClaimNotice"
	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		notice := models.WinNotice{AuctionID: auctionID, UserID: userID, NotifiedAt: at}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&notice)
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to create notice, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := tx.Model(&models.Auction{}).
			Where("id = ? AND closed_at IS NULL", auctionID).
			Update("closed_at", at).Error; err != nil {
			return fmt.Errorf("[%s] Fail to close auction, err=%w", op, err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (r *Repository) ReleaseNotice(ctx context.Context, auctionID, userID string) error {
	const op = "Repository.ReleaseNotice"
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("auction_id = ? AND user_id = ?", auctionID, userID).Delete(&models.WinNotice{}).Error; err != nil {
			return fmt.Errorf("[%s] Fail to delete notice, err=%w", op, err)
		}
		if err := tx.Model(&models.Auction{}).Where("id = ?", auctionID).Update("closed_at", nil).Error; err != nil {
			return fmt.Errorf("[%s] Fail to reopen auction, err=%w", op, err)
		}
		return nil
	})
}

// Ping 檢查資料庫連線，用於健康檢查
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) missOrHasBids(ctx context.Context, op, id string) error {
	if _, err := r.GetAuction(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("[%s] Auction %s, err=%w", op, id, bidding.ErrHasBids)
}
