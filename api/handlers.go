package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"hammer/bidding"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type AuctionRequest struct {
	Title         string    `json:"title"`
	Category      string    `json:"category"`
	Location      string    `json:"location"`
	Description   string    `json:"description"`
	StartingPrice int64     `json:"startingPrice"`
	EndTime       time.Time `json:"endTime" binding:"required"`
	SellerContact string    `json:"sellerContact"`
}

// AuctionResponse 不包含賣家聯絡方式，聯絡方式只透過 /contact 給得標者
type AuctionResponse struct {
	ID            string        `json:"id"`
	SellerID      string        `json:"sellerId"`
	Title         string        `json:"title"`
	Category      string        `json:"category"`
	Location      string        `json:"location"`
	Description   string        `json:"description"`
	StartingPrice int64         `json:"startingPrice"`
	CurrentPrice  int64         `json:"currentPrice"`
	EndTime       time.Time     `json:"endTime"`
	BidCount      int64         `json:"bidCount"`
	State         bidding.State `json:"state"`
	CreatedAt     time.Time     `json:"createdAt"`
}

type AuctionStateResponse struct {
	AuctionID     string        `json:"auctionId"`
	Title         string        `json:"title"`
	StartingPrice int64         `json:"startingPrice"`
	CurrentPrice  int64         `json:"currentPrice"`
	EndTime       time.Time     `json:"endTime"`
	Ended         bool          `json:"ended"`
	BidCount      int64         `json:"bidCount"`
	State         bidding.State `json:"state"`
}

type BidRequest struct {
	Amount int64 `json:"amount"`
}

type BidAcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	BidID    string `json:"bidId"`
	NewPrice int64  `json:"newPrice"`
}

type BidResponse struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auctionId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	Time      time.Time `json:"time"`
}

type ContactResponse struct {
	AuctionID string `json:"auctionId"`
	Contact   string `json:"contact"`
}

type ListQuery struct {
	Category     string `form:"category"`
	Seller       string `form:"seller"`
	ExcludeEnded bool   `form:"excludeEnded"`
	Size         int    `form:"size"`
	Offset       int    `form:"offset"`
}

func (impl *ServerImpl) toAuctionResponse(a bidding.Auction, now time.Time) AuctionResponse {
	return AuctionResponse{
		ID:            a.ID,
		SellerID:      a.SellerID,
		Title:         a.Title,
		Category:      a.Category,
		Location:      a.Location,
		Description:   a.Description,
		StartingPrice: a.StartingPrice,
		CurrentPrice:  a.CurrentPrice,
		EndTime:       a.EndTime,
		BidCount:      a.BidCount,
		State:         a.State(now),
		CreatedAt:     a.CreatedAt,
	}
}

func toBidResponses(bids []bidding.Bid) []BidResponse {
	return lo.Map(bids, func(b bidding.Bid, _ int) BidResponse {
		return BidResponse{ID: b.ID, AuctionID: b.AuctionID, BidderID: b.BidderID, Amount: b.Amount, Time: b.CreatedAt}
	})
}

// details 將請求轉成可寫入的拍賣內容，描述保留安全的 HTML，其他文字欄位去除所有標籤
func (impl *ServerImpl) details(body AuctionRequest) bidding.Details {
	return bidding.Details{
		Title:         impl.textChecker.Sanitize(body.Title),
		Category:      impl.textChecker.Sanitize(body.Category),
		Location:      impl.textChecker.Sanitize(body.Location),
		Description:   impl.htmlChecker.Sanitize(body.Description),
		StartingPrice: body.StartingPrice,
		EndTime:       body.EndTime,
		SellerContact: body.SellerContact,
	}
}

// Health check
// (GET /healthz)
func (impl *ServerImpl) GetHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if p, ok := impl.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			impl.logger.Warn("Storage is unhealthy", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": "storage"})
			return
		}
	}
	if impl.redisClient != nil {
		if err := impl.redisClient.Ping(ctx).Err(); err != nil {
			impl.logger.Warn("Redis is unhealthy", slog.Any("error", err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// List auction items
// (GET /auctions)
func (impl *ServerImpl) GetAuctions(c *gin.Context) {
	var query ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		abortWithError(c, impl.logger, fmt.Errorf("%w: %w", bidding.ErrInvalidListing, err))
		return
	}
	if query.Size <= 0 {
		query.Size = defaultPageSize
	}
	query.Size = min(query.Size, maxPageSize)
	query.Offset = max(query.Offset, 0)

	now := impl.clock.Now()
	auctions, err := impl.seller.List(c.Request.Context(), bidding.ListFilter{
		Category:     query.Category,
		SellerID:     query.Seller,
		ExcludeEnded: query.ExcludeEnded,
		Now:          now,
		Limit:        query.Size,
		Offset:       query.Offset,
	})
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(auctions, func(a bidding.Auction, _ int) AuctionResponse {
		return impl.toAuctionResponse(a, now)
	}))
}

// Add a new auction item
// (POST /auctions)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	var body AuctionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, impl.logger, fmt.Errorf("%w: %w", bidding.ErrInvalidListing, err))
		return
	}
	now := impl.clock.Now()
	auction, err := impl.seller.Create(c.Request.Context(), bidding.NewAuction{
		SellerID: userID(c),
		Details:  impl.details(body),
	}, now)
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.Header("Location", "/auctions/"+auction.ID)
	c.JSON(http.StatusCreated, impl.toAuctionResponse(auction, now))
}

// Get auction state, resolving it when the end time has passed
// (GET /auctions/{id})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	state, err := impl.resolver.State(c.Request.Context(), c.Param("id"), impl.clock.Now())
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, AuctionStateResponse{
		AuctionID:     state.AuctionID,
		Title:         state.Title,
		StartingPrice: state.StartingPrice,
		CurrentPrice:  state.CurrentPrice,
		EndTime:       state.EndTime,
		Ended:         state.Ended,
		BidCount:      state.BidCount,
		State:         state.State,
	})
}

// Edit an auction item before the first bid
// (PATCH /auctions/{id})
func (impl *ServerImpl) PatchAuction(c *gin.Context) {
	var body AuctionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, impl.logger, fmt.Errorf("%w: %w", bidding.ErrInvalidListing, err))
		return
	}
	now := impl.clock.Now()
	auction, err := impl.seller.Edit(c.Request.Context(), c.Param("id"), userID(c), impl.details(body), now)
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, impl.toAuctionResponse(auction, now))
}

// Delete an auction item before the first bid
// (DELETE /auctions/{id})
func (impl *ServerImpl) DeleteAuction(c *gin.Context) {
	if err := impl.seller.Delete(c.Request.Context(), c.Param("id"), userID(c), impl.clock.Now()); err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Ranked bid history of an auction item
// (GET /auctions/{id}/bids)
func (impl *ServerImpl) GetAuctionBids(c *gin.Context) {
	bids, err := impl.seller.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, toBidResponses(bids))
}

// Place a bid on an auction item
// (POST /auctions/{id}/bids)
func (impl *ServerImpl) PostAuctionBid(c *gin.Context) {
	var body BidRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		// 無法解析的金額視為0，拍賣不存在或已結束時仍回傳對應的錯誤
		_, rejected := impl.processor.SubmitBid(c.Request.Context(), c.Param("id"), userID(c), 0, impl.clock.Now())
		switch {
		case rejected == nil:
			rejected = fmt.Errorf("%w: %w", bidding.ErrInvalidAmount, err)
		case errors.Is(rejected, bidding.ErrInvalidAmount):
			rejected = fmt.Errorf("%w: %w", rejected, err)
		}
		abortWithError(c, impl.logger, rejected)
		return
	}
	accepted, err := impl.processor.SubmitBid(c.Request.Context(), c.Param("id"), userID(c), body.Amount, impl.clock.Now())
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, BidAcceptedResponse{
		Accepted: true,
		BidID:    accepted.Bid.ID,
		NewPrice: accepted.NewPrice,
	})
}

// Track auction item events
// (GET /auctions/{id}/events)
func (impl *ServerImpl) GetAuctionEvents(c *gin.Context) {
	auctionID := c.Param("id")

	// 先訂閱再讀狀態，兩者之間的出價不會遺失
	ch, unsubscribe, err := impl.bidEvents.Subscribe(auctionID)
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	defer unsubscribe()

	state, err := impl.resolver.State(c.Request.Context(), auctionID, impl.clock.Now())
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	if state.Ended {
		abortWithError(c, impl.logger, bidding.ErrAuctionEnded)
		return
	}

	// SSE請求合法，開始初始化串流
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("state", AuctionStateResponse{
		AuctionID:     state.AuctionID,
		Title:         state.Title,
		StartingPrice: state.StartingPrice,
		CurrentPrice:  state.CurrentPrice,
		EndTime:       state.EndTime,
		BidCount:      state.BidCount,
		State:         state.State,
	})
	c.Writer.Flush()

	keepAlive := time.NewTicker(impl.config.KeepAlive)
	defer keepAlive.Stop()
	ending := time.NewTimer(max(state.EndTime.Sub(impl.clock.Now()), 0))
	defer ending.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				// 伺服器關閉中
				return
			}
			if event.NewPrice <= state.CurrentPrice {
				// 已包含在狀態快照中
				continue
			}
			c.SSEvent("bid", event)
			c.Writer.Flush()
		case <-ending.C:
			c.SSEvent("ended", gin.H{"auctionId": auctionID})
			c.Writer.Flush()
			return
		// 沒有事件時送出註解，確保瀏覽器和代理伺服器不會斷開連線
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// Seller contact for the winner of an ended auction
// (GET /auctions/{id}/contact)
func (impl *ServerImpl) GetAuctionContact(c *gin.Context) {
	auctionID := c.Param("id")
	contact, err := impl.dispatcher.SellerContact(c.Request.Context(), auctionID, userID(c), impl.clock.Now())
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, ContactResponse{AuctionID: auctionID, Contact: contact})
}

// Wins of the caller that have not been notified yet
// (GET /me/wins)
func (impl *ServerImpl) GetMyWins(c *gin.Context) {
	notices, err := impl.dispatcher.CheckAndNotify(c.Request.Context(), userID(c), impl.clock.Now())
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, lo.Ternary(notices == nil, []bidding.WinNotice{}, notices))
}

// Bids placed by the caller
// (GET /me/bids)
func (impl *ServerImpl) GetMyBids(c *gin.Context) {
	bids, err := impl.seller.BidsOf(c.Request.Context(), userID(c))
	if err != nil {
		abortWithError(c, impl.logger, err)
		return
	}
	c.JSON(http.StatusOK, toBidResponses(bids))
}
