package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LogSink 只將得標通知寫入日誌，沒有設定外部通道時使用
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, notice WinNotice) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Winner notified",
		slog.String("auctionID", notice.AuctionID),
		slog.String("winner", notice.WinnerID),
		slog.Int64("amount", notice.WinningAmount))
	return nil
}

type dispatcherOptions struct {
	logger *slog.Logger
	clock  Clock
	sink   NoticeSink
}

type DispatcherOption func(*dispatcherOptions)

// WithDispatcherLogger 設置日誌記錄器
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// WithDispatcherClock 設置標記通知時間使用的時鐘
func WithDispatcherClock(clock Clock) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.clock = clock
	}
}

// WithDispatcherSink 設置推送路徑使用的通知通道
func WithDispatcherSink(sink NoticeSink) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.sink = sink
	}
}

// Dispatcher 保證每個 (拍賣, 得標者) 最多只通知一次。
// 推送 (Push) 和輪詢 (CheckAndNotify) 兩條路徑共用同一組已通知標記。
type Dispatcher struct {
	store   AuctionStore
	ledger  BidLedger
	marker  NoticeMarker
	logger  *slog.Logger
	options dispatcherOptions
}

func NewDispatcher(store AuctionStore, ledger BidLedger, marker NoticeMarker, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil || ledger == nil || marker == nil {
		return nil, errors.New("auction store, bid ledger and notice marker cannot be nil")
	}

	options := dispatcherOptions{
		logger: slog.Default(),
		clock:  SystemClock,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.sink == nil {
		options.sink = LogSink{Logger: options.logger}
	}

	return &Dispatcher{
		store:   store,
		ledger:  ledger,
		marker:  marker,
		logger:  options.logger.With(slog.String("caller", "Dispatcher")),
		options: options,
	}, nil
}

// CheckAndNotify 回傳userID在now之前得標、且尚未通知過的拍賣。
// 回傳的每一筆都已經標記為已通知，之後任何呼叫都不會再回傳同一筆。
func (d *Dispatcher) CheckAndNotify(ctx context.Context, userID string, now time.Time) ([]WinNotice, error) {
	const op = "Dispatcher.CheckAndNotify"
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	candidates, err := d.store.ListEnded(ctx, EndedFilter{Before: now, LeaderID: userID})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list ended auctions, err=%w: %w", op, ErrStorageFailure, err)
	}

	notices := make([]WinNotice, 0, len(candidates))
	for _, auction := range candidates {
		res, err := d.resolve(ctx, auction, now)
		if err != nil {
			return notices, fmt.Errorf("[%s] Fail to resolve auction %s, err=%w", op, auction.ID, err)
		}
		// leader欄位只是篩選條件，得標者以出價紀錄為準
		if !res.IsWinner(userID) {
			continue
		}
		claimed, err := d.marker.ClaimNotice(ctx, auction.ID, userID, now)
		if err != nil {
			return notices, fmt.Errorf("[%s] Fail to claim notice, err=%w: %w", op, ErrStorageFailure, err)
		}
		if !claimed {
			continue
		}
		notices = append(notices, newNotice(auction, res))
	}
	return notices, nil
}

// Push 是結標時的推送路徑，先標記再送出，送出失敗時撤銷標記讓輪詢路徑補送
func (d *Dispatcher) Push(ctx context.Context, res Resolution) error {
	const op = "Dispatcher.Push"
	if !res.Ended || res.WinnerID == nil {
		return nil
	}
	winner := *res.WinnerID

	auction, err := d.store.GetAuction(ctx, res.AuctionID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
	}
	claimed, err := d.marker.ClaimNotice(ctx, res.AuctionID, winner, d.options.clock.Now())
	if err != nil {
		return fmt.Errorf("[%s] Fail to claim notice, err=%w: %w", op, ErrStorageFailure, err)
	}
	if !claimed {
		return nil
	}

	if err := d.options.sink.Deliver(ctx, newNotice(auction, res)); err != nil {
		if releaseErr := d.marker.ReleaseNotice(context.WithoutCancel(ctx), res.AuctionID, winner); releaseErr != nil {
			d.logger.Error("Fail to release notice claim", slog.String("auctionID", res.AuctionID), slog.Any("error", releaseErr))
		}
		return fmt.Errorf("[%s] Fail to deliver notice, err=%w", op, err)
	}
	return nil
}

// SellerContact 只對已結束拍賣的得標者公開賣家聯絡方式
func (d *Dispatcher) SellerContact(ctx context.Context, auctionID, requesterID string, now time.Time) (string, error) {
	const op = "Dispatcher.SellerContact"
	auction, err := d.store.GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("[%s] Fail to find auction, err=%w: %w", op, ErrStorageFailure, err)
	}
	if requesterID == "" {
		return "", ErrUnauthenticated
	}
	if !auction.Ended(now) {
		return "", ErrForbidden
	}
	res, err := d.resolve(ctx, auction, now)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to resolve auction, err=%w", op, err)
	}
	if !res.IsWinner(requesterID) {
		return "", ErrForbidden
	}
	return auction.SellerContact, nil
}

func (d *Dispatcher) resolve(ctx context.Context, auction Auction, now time.Time) (Resolution, error) {
	bids, err := d.ledger.ListBids(ctx, auction.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	return Resolve(auction, RankBids(bids), now), nil
}

func newNotice(auction Auction, res Resolution) WinNotice {
	return WinNotice{
		AuctionID:     auction.ID,
		Title:         auction.Title,
		WinnerID:      *res.WinnerID,
		WinningAmount: res.WinningAmount,
		EndTime:       auction.EndTime,
	}
}
