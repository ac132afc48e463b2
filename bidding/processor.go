package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type processorOptions struct {
	logger         *slog.Logger
	locker         Locker
	publisher      EventPublisher
	maxBid         int64
	lockTimeout    time.Duration
	storeTimeout   time.Duration
	publishTimeout time.Duration
	newID          func() string
	clock          Clock
}

type ProcessorOption func(*processorOptions)

// WithProcessorLogger 設置日誌記錄器
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithProcessorLocker 設置拍賣鎖，預設為單節點的 KeyedMutex
func WithProcessorLocker(locker Locker) ProcessorOption {
	return func(o *processorOptions) {
		o.locker = locker
	}
}

// WithProcessorPublisher 設置出價事件的發布者
func WithProcessorPublisher(publisher EventPublisher) ProcessorOption {
	return func(o *processorOptions) {
		o.publisher = publisher
	}
}

// WithProcessorMaxBid 設置出價上限
func WithProcessorMaxBid(max int64) ProcessorOption {
	return func(o *processorOptions) {
		o.maxBid = max
	}
}

// WithProcessorLockTimeout 設置等待拍賣鎖的最長時間，超過時回傳 ErrBusy
func WithProcessorLockTimeout(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		o.lockTimeout = d
	}
}

// WithProcessorStoreTimeout 設置寫入出價紀錄的最長時間
func WithProcessorStoreTimeout(d time.Duration) ProcessorOption {
	return func(o *processorOptions) {
		o.storeTimeout = d
	}
}

// WithProcessorClock 設置拿到鎖之後重新檢查結束時間用的時鐘，
// 未設置時只以呼叫者傳入的時間判斷
func WithProcessorClock(clock Clock) ProcessorOption {
	return func(o *processorOptions) {
		o.clock = clock
	}
}

// WithProcessorIDFunc 設置出價ID的產生方式 (主要用於測試)
func WithProcessorIDFunc(fn func() string) ProcessorOption {
	return func(o *processorOptions) {
		o.newID = fn
	}
}

// Processor 驗證並接受出價，每個拍賣的「讀取價格、比較、寫入」在同一把鎖內完成
type Processor struct {
	store   AuctionStore
	ledger  BidLedger
	logger  *slog.Logger
	options processorOptions
}

func NewProcessor(store AuctionStore, ledger BidLedger, opts ...ProcessorOption) (*Processor, error) {
	if store == nil || ledger == nil {
		return nil, errors.New("auction store and bid ledger cannot be nil")
	}

	// 默認選項
	options := processorOptions{
		logger:         slog.Default(),
		maxBid:         MaxBid,
		lockTimeout:    2 * time.Second,
		storeTimeout:   3 * time.Second,
		publishTimeout: time.Second,
		newID:          func() string { return uuid.Must(uuid.NewV7()).String() },
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.locker == nil {
		options.locker = NewKeyedMutex()
	}

	return &Processor{
		store:   store,
		ledger:  ledger,
		logger:  options.logger.With(slog.String("caller", "Processor")),
		options: options,
	}, nil
}

// SubmitBid 嘗試以 amount 對拍賣出價。
// 被拒絕時回傳 *Rejection，可用 errors.Is 判斷原因；
// 拿不到鎖回傳 ErrBusy，寫入失敗回傳 ErrStorageFailure，兩者都可以重試。
func (p *Processor) SubmitBid(ctx context.Context, auctionID, bidderID string, amount int64, now time.Time) (Accepted, error) {
	const op = "Processor.SubmitBid"

	// 不拿鎖先檢查一次，價格只會上升且有出價後結束時間不能修改，
	// 所以這裡拒絕的出價在拿鎖之後也一定會被拒絕
	snapshot, err := p.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Accepted{}, p.lookupError(op, auctionID, err)
	}
	if err := p.check(snapshot, bidderID, amount, now); err != nil {
		return Accepted{}, err
	}

	// 取得拍賣鎖
	lockCtx, cancel := context.WithTimeout(ctx, p.options.lockTimeout)
	defer cancel()
	unlock, err := p.options.locker.Lock(lockCtx, auctionID)
	if err != nil {
		if ctx.Err() != nil {
			return Accepted{}, ctx.Err()
		}
		p.logger.Warn("Fail to acquire auction lock", slog.String("auctionID", auctionID), slog.Any("error", err))
		if errors.Is(err, ErrBusy) {
			return Accepted{}, err
		}
		return Accepted{}, fmt.Errorf("[%s] Fail to acquire auction lock, err=%w: %w", op, ErrBusy, err)
	}
	defer unlock()

	// 等鎖期間可能已經過了結束時間
	if p.options.clock != nil {
		if locked := p.options.clock.Now(); locked.After(now) {
			now = locked
		}
	}

	// 鎖內重新讀取並檢查
	current, err := p.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Accepted{}, p.lookupError(op, auctionID, err)
	}
	if err := p.check(current, bidderID, amount, now); err != nil {
		return Accepted{}, err
	}

	bid := Bid{
		ID:        p.options.newID(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		CreatedAt: now,
	}
	storeCtx, cancelStore := context.WithTimeout(ctx, p.options.storeTimeout)
	err = p.ledger.AppendBid(storeCtx, bid, current.CurrentPrice)
	cancelStore()
	if errors.Is(err, ErrPriceConflict) {
		return Accepted{}, p.conflict(ctx, op, auctionID, bidderID, amount, now)
	}
	if err != nil {
		p.logger.Error("Fail to append bid", slog.String("auctionID", auctionID), slog.Any("error", err))
		return Accepted{}, fmt.Errorf("[%s] Fail to append bid, err=%w: %w", op, ErrStorageFailure, err)
	}

	p.logger.Info("Higher bid occurs", slog.String("auctionID", auctionID), slog.String("bidder", bidderID), slog.Int64("from", current.CurrentPrice), slog.Int64("to", amount))

	// 持有鎖時發布，確保同一拍賣的事件依價格遞增的順序送出
	p.publish(ctx, BidEvent{
		AuctionID: auctionID,
		BidderID:  bidderID,
		NewPrice:  amount,
		Time:      now,
	})
	return Accepted{Bid: bid, NewPrice: amount}, nil
}

// check 依序檢查出價條件，第一個不符合的條件決定拒絕原因
func (p *Processor) check(a Auction, bidderID string, amount int64, now time.Time) error {
	if a.Ended(now) || a.ResolvedAt != nil {
		return reject(ErrAuctionEnded, a)
	}
	if amount <= 0 || amount > p.options.maxBid {
		return reject(ErrInvalidAmount, a)
	}
	if amount <= a.CurrentPrice {
		return reject(ErrPriceTooLow, a)
	}
	if bidderID == "" {
		return reject(ErrUnauthenticated, a)
	}
	return nil
}

func (p *Processor) lookupError(op, auctionID string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &Rejection{Reason: ErrNotFound, AuctionID: auctionID}
	}
	return fmt.Errorf("[%s] Fail to find auction, err=%w: %w", op, ErrStorageFailure, err)
}

// conflict 處理儲存層回報價格已被改變的情況。
// 在鎖正常運作下不會發生，出現時代表鎖失效(例如分散式鎖過期)。
func (p *Processor) conflict(ctx context.Context, op, auctionID, bidderID string, amount int64, now time.Time) error {
	p.logger.Warn("Price changed while holding auction lock", slog.String("auctionID", auctionID))
	latest, err := p.store.GetAuction(ctx, auctionID)
	if err != nil {
		return p.lookupError(op, auctionID, err)
	}
	if err := p.check(latest, bidderID, amount, now); err != nil {
		return err
	}
	return fmt.Errorf("[%s] Price changed concurrently, err=%w", op, ErrBusy)
}

func (p *Processor) publish(ctx context.Context, event BidEvent) {
	if p.options.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.options.publishTimeout)
	defer cancel()
	if err := p.options.publisher.PublishBid(pubCtx, event); err != nil {
		p.logger.Warn("Fail to publish bid event", slog.String("auctionID", event.AuctionID), slog.Any("error", err))
	}
}
