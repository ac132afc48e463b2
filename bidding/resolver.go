package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ResolutionHandler 接收第一次結標的結果 (推送通知的路徑)
type ResolutionHandler interface {
	Push(ctx context.Context, resolution Resolution) error
}

type resolverOptions struct {
	logger    *slog.Logger
	clock     Clock
	handler   ResolutionHandler
	interval  time.Duration
	batchSize int
}

type ResolverOption func(*resolverOptions)

// WithResolverLogger 設置日誌記錄器
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(o *resolverOptions) {
		o.logger = logger
	}
}

// WithResolverClock 設置定期掃描使用的時鐘
func WithResolverClock(clock Clock) ResolverOption {
	return func(o *resolverOptions) {
		o.clock = clock
	}
}

// WithResolverHandler 設置結標後的推送處理者
func WithResolverHandler(handler ResolutionHandler) ResolverOption {
	return func(o *resolverOptions) {
		o.handler = handler
	}
}

// WithResolverInterval 設置定期掃描的間隔
func WithResolverInterval(d time.Duration) ResolverOption {
	return func(o *resolverOptions) {
		o.interval = d
	}
}

// WithResolverBatchSize 設置每次查詢的拍賣數量
func WithResolverBatchSize(size int) ResolverOption {
	return func(o *resolverOptions) {
		o.batchSize = size
	}
}

// Resolver 判斷拍賣是否結束並計算得標者。
// 除了查詢時即時結標之外，也會定期掃描已結束但尚未結標的拍賣。
type Resolver struct {
	store      AuctionStore
	ledger     BidLedger
	logger     *slog.Logger
	options    resolverOptions
	mu         sync.Mutex
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
	closed     bool
}

func NewResolver(store AuctionStore, ledger BidLedger, opts ...ResolverOption) (*Resolver, error) {
	if store == nil || ledger == nil {
		return nil, errors.New("auction store and bid ledger cannot be nil")
	}

	// 默認選項
	options := resolverOptions{
		logger:    slog.Default(),
		clock:     SystemClock,
		interval:  30 * time.Second,
		batchSize: 100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if options.batchSize <= 0 {
		options.batchSize = 100
	}

	return &Resolver{
		store:   store,
		ledger:  ledger,
		logger:  options.logger.With(slog.String("caller", "Resolver")),
		options: options,
		closed:  true,
	}, nil
}

// Resolve 計算拍賣在now時的結標結果，不修改任何資料
func (r *Resolver) Resolve(ctx context.Context, auctionID string, now time.Time) (Resolution, error) {
	const op = "Resolver.Resolve"
	auction, err := r.store.GetAuction(ctx, auctionID)
	if err != nil {
		return Resolution{}, fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
	}
	return r.resolve(ctx, auction, now)
}

func (r *Resolver) resolve(ctx context.Context, auction Auction, now time.Time) (Resolution, error) {
	const op = "Resolver.resolve"
	bids, err := r.ledger.ListBids(ctx, auction.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("[%s] Fail to list bids, err=%w: %w", op, ErrStorageFailure, err)
	}
	res := Resolve(auction, RankBids(bids), now)
	if res.Tied {
		// 同金額出價只會在序列化失效時出現，不自動修正，記錄下來以便追查
		r.logger.Warn("Equal top bids found, auction serialization may be broken",
			slog.String("auctionID", auction.ID),
			slog.Int64("amount", res.WinningAmount))
	}
	return res, nil
}

// State 回傳拍賣目前的狀態。拍賣已結束但尚未結標時，會在這裡完成結標。
func (r *Resolver) State(ctx context.Context, auctionID string, now time.Time) (AuctionState, error) {
	const op = "Resolver.State"
	auction, err := r.store.GetAuction(ctx, auctionID)
	if err != nil {
		return AuctionState{}, fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
	}
	if auction.Ended(now) && auction.ResolvedAt == nil {
		if _, err := r.finalize(ctx, auction, now); err != nil {
			r.logger.Error("Fail to resolve ended auction", slog.String("auctionID", auctionID), slog.Any("error", err))
		}
	}
	return AuctionState{
		AuctionID:     auction.ID,
		Title:         auction.Title,
		StartingPrice: auction.StartingPrice,
		CurrentPrice:  auction.CurrentPrice,
		EndTime:       auction.EndTime,
		Ended:         auction.Ended(now),
		BidCount:      auction.BidCount,
		State:         auction.State(now),
	}, nil
}

// finalize 先記錄結標再讀取出價紀錄。
// 記錄結標後儲存層拒絕新的出價，讀到的出價紀錄就是最終結果；只有第一次結標時才交給推送路徑
func (r *Resolver) finalize(ctx context.Context, auction Auction, now time.Time) (Resolution, error) {
	const op = "Resolver.finalize"
	first, err := r.store.MarkResolved(ctx, auction.ID, now)
	if err != nil {
		return Resolution{}, fmt.Errorf("[%s] Fail to mark auction resolved, err=%w: %w", op, ErrStorageFailure, err)
	}
	res, err := r.resolve(ctx, auction, now)
	if err != nil {
		if first {
			// 推送失敗，得標者仍可透過查詢路徑取得通知
			r.logger.Error("Fail to read sealed bids, resolution not pushed", slog.String("auctionID", auction.ID), slog.Any("error", err))
		}
		return Resolution{}, err
	}
	if !first {
		return res, nil
	}
	if res.WinnerID != nil {
		r.logger.Info("Auction resolved", slog.String("auctionID", auction.ID), slog.String("winner", *res.WinnerID), slog.Int64("amount", res.WinningAmount))
	} else {
		r.logger.Info("Auction ended without bids", slog.String("auctionID", auction.ID))
	}
	if r.options.handler != nil {
		if err := r.options.handler.Push(ctx, res); err != nil {
			r.logger.Warn("Fail to push resolution", slog.String("auctionID", auction.ID), slog.Any("error", err))
		}
	}
	return res, nil
}

// Sweep 結標所有在now之前結束且尚未結標的拍賣，回傳這次結標的數量
func (r *Resolver) Sweep(ctx context.Context, now time.Time) (int, error) {
	const op = "Resolver.Sweep"
	total := 0
	for {
		auctions, err := r.store.ListEnded(ctx, EndedFilter{
			Before:         now,
			UnresolvedOnly: true,
			Limit:          r.options.batchSize,
		})
		if err != nil {
			return total, fmt.Errorf("[%s] Fail to list ended auctions, err=%w", op, err)
		}
		resolved := 0
		for _, auction := range auctions {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			if _, err := r.finalize(ctx, auction, now); err != nil {
				r.logger.Error("Fail to resolve auction", slog.String("auctionID", auction.ID), slog.Any("error", err))
				continue
			}
			resolved++
		}
		total += resolved
		// 沒有進度時停止，避免對同一批失敗的拍賣無限重試
		if len(auctions) < r.options.batchSize || resolved == 0 {
			return total, nil
		}
	}
}

// Start 啟動定期掃描
func (r *Resolver) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFunc = cancel
	r.closed = false
	r.logger.Info("Start auction sweeper", slog.Duration("interval", r.options.interval))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.logger.Info("Auction sweeper stopped")
		ticker := time.NewTicker(r.options.interval)
		defer ticker.Stop()
		for {
			r.sweepOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Resolver) sweepOnce(ctx context.Context) {
	n, err := r.Sweep(ctx, r.options.clock.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Fail to sweep ended auctions", slog.Any("error", err))
	}
	if n > 0 {
		r.logger.Debug("Sweep finished", slog.Int("resolved", n))
	}
}

// Close 停止定期掃描並等待進行中的掃描結束
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cancelFunc()
	r.wg.Wait()
}
