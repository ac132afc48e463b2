package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"

	amqpAdapter "hammer/adapters/amqp"
	"hammer/adapters/database"
	"hammer/adapters/memory"
	oidcAdapter "hammer/adapters/oidc"
	redisAdapter "hammer/adapters/redis"
	"hammer/adapters/sse"
	"hammer/bidding"
)

// store 是同時實作三個儲存介面的儲存層
type store interface {
	bidding.AuctionStore
	bidding.BidLedger
	bidding.NoticeMarker
}

type pinger interface {
	Ping(ctx context.Context) error
}

type serverOptions struct {
	logger *slog.Logger
	clock  bidding.Clock
}

type ServerOption func(*serverOptions)

// WithServerLogger 設置日誌記錄器
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithServerClock 設置時間來源 (主要用於測試)
func WithServerClock(clock bidding.Clock) ServerOption {
	return func(o *serverOptions) {
		o.clock = clock
	}
}

type ServerImpl struct {
	store       store
	processor   *bidding.Processor
	resolver    *bidding.Resolver
	dispatcher  *bidding.Dispatcher
	seller      *bidding.Seller
	identity    *Identity
	sseManager  sse.IConnectionManager[bidding.BidEvent]
	bidEvents   *sse.BidEvents
	htmlChecker *bluemonday.Policy
	textChecker *bluemonday.Policy

	redisClient   *redis.Client
	consumer      redisAdapter.IConsumer[sse.PublishRequest[bidding.BidEvent]]
	bidPublisher  *redisAdapter.BidPublisher
	amqpPublisher *amqpAdapter.Publisher
	relay         *NoticeRelay

	clock  bidding.Clock
	logger *slog.Logger
	config ServerConfig
}

func NewServer(config ServerConfig, opts ...ServerOption) (*ServerImpl, error) {
	const op = "NewServer"
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// 默認選項
	options := serverOptions{
		logger: slog.Default(),
		clock:  bidding.SystemClock,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Redis.ClaimIdle <= 0 {
		config.Redis.ClaimIdle = time.Minute
	}

	verifier, err := newTokenVerifier(config.Auth)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create token verifier, err=%w", op, err)
	}
	impl := &ServerImpl{
		identity:    NewIdentity(verifier),
		htmlChecker: bluemonday.UGCPolicy(),
		textChecker: bluemonday.StrictPolicy(),
		clock:       options.clock,
		logger:      options.logger.With(slog.String("caller", "Server")),
		config:      config,
	}

	// 初始化儲存層
	s, err := openStore(config.Storage)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to open storage, err=%w", op, err)
	}
	impl.store = s

	// 初始化Redis以及跨節點的鎖、出價事件和通知
	var locker bidding.Locker = bidding.NewKeyedMutex()
	var publisher bidding.EventPublisher
	var sink bidding.NoticeSink = bidding.LogSink{Logger: options.logger}
	if config.AMQP.URL != "" {
		queue := config.AMQP.Queue
		if queue == "" {
			queue = amqpAdapter.DefaultQueue
		}
		impl.amqpPublisher, err = amqpAdapter.NewPublisher(config.AMQP.URL,
			amqpAdapter.WithLogger(options.logger),
			amqpAdapter.WithQueue(queue),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create amqp publisher, err=%w", op, err)
		}
		sink = impl.amqpPublisher
	}

	if config.Redis.Enabled() {
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if locker, err = redisAdapter.NewLocker(impl.redisClient,
			redisAdapter.WithLockerLogger(options.logger),
			redisAdapter.WithLockerPrefix(config.Redis.KeyPrefix+"lock:auction:"),
		); err != nil {
			return nil, fmt.Errorf("[%s] Fail to create locker, err=%w", op, err)
		}

		// 出價事件經由stream送到每個節點，再由各節點的SSE管理器推給自己的連線
		if impl.bidPublisher, err = redisAdapter.NewBidPublisher(impl.redisClient, config.Redis.StreamKeys.Bids,
			redisAdapter.WithBidPublisherLogger(options.logger),
			redisAdapter.WithBidPublisherKeyPrefix(config.Redis.KeyPrefix+"auction:published-price:"),
		); err != nil {
			return nil, fmt.Errorf("[%s] Fail to create bid publisher, err=%w", op, err)
		}
		publisher = impl.bidPublisher
		if impl.consumer, err = redisAdapter.NewConsumer(impl.redisClient, config.Redis.StreamKeys.Bids,
			redisAdapter.WithConsumerLogger[sse.PublishRequest[bidding.BidEvent]](options.logger),
			redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[bidding.BidEvent], error) {
				event, err := redisAdapter.DecodeMessage[bidding.BidEvent](m)
				if err != nil {
					return sse.PublishRequest[bidding.BidEvent]{}, fmt.Errorf("fail to parse bid event, err=%w", err)
				}
				return sse.Request(event), nil
			}),
		); err != nil {
			return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
		}
		impl.sseManager = sse.NewConnectionManager(
			sse.WithLogger[bidding.BidEvent](options.logger),
			sse.WithSubscriber[bidding.BidEvent](impl.consumer),
		)

		// 得標通知先寫入stream，再由relay轉送到外部通道
		outbox, err := redisAdapter.NewNoticeOutbox(impl.redisClient, config.Redis.StreamKeys.Notices,
			redisAdapter.WithProducerLogger[bidding.WinNotice](options.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create notice outbox, err=%w", op, err)
		}
		groupConsumer, err := redisAdapter.NewGroupConsumer(impl.redisClient,
			config.Redis.StreamKeys.Notices,
			config.Redis.ConsumerGroup,
			config.ID,
			redisAdapter.WithGroupConsumerLogger[bidding.WinNotice](options.logger),
			redisAdapter.WithGroupConsumerClaim[bidding.WinNotice](config.Redis.ClaimIdle, config.Redis.ClaimIdle/2),
		)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
		}
		impl.relay = NewNoticeRelay(groupConsumer, sink, WithRelayLogger(options.logger))
		sink = outbox
	} else {
		impl.sseManager = sse.NewConnectionManager(sse.WithLogger[bidding.BidEvent](options.logger))
	}
	impl.bidEvents = sse.NewBidEvents(impl.sseManager)
	if publisher == nil {
		publisher = impl.bidEvents
	}

	// 初始化核心元件
	impl.dispatcher, err = bidding.NewDispatcher(s, s, s,
		bidding.WithDispatcherLogger(options.logger),
		bidding.WithDispatcherClock(options.clock),
		bidding.WithDispatcherSink(sink),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create dispatcher, err=%w", op, err)
	}
	resolverOpts := []bidding.ResolverOption{
		bidding.WithResolverLogger(options.logger),
		bidding.WithResolverClock(options.clock),
		bidding.WithResolverHandler(impl.dispatcher),
	}
	if config.Bidding.SweepInterval > 0 {
		resolverOpts = append(resolverOpts, bidding.WithResolverInterval(config.Bidding.SweepInterval))
	}
	if impl.resolver, err = bidding.NewResolver(s, s, resolverOpts...); err != nil {
		return nil, fmt.Errorf("[%s] Fail to create resolver, err=%w", op, err)
	}
	processorOpts := []bidding.ProcessorOption{
		bidding.WithProcessorLogger(options.logger),
		bidding.WithProcessorLocker(locker),
		bidding.WithProcessorPublisher(publisher),
		bidding.WithProcessorClock(options.clock),
	}
	if config.Bidding.LockTimeout > 0 {
		processorOpts = append(processorOpts, bidding.WithProcessorLockTimeout(config.Bidding.LockTimeout))
	}
	if config.Bidding.StoreTimeout > 0 {
		processorOpts = append(processorOpts, bidding.WithProcessorStoreTimeout(config.Bidding.StoreTimeout))
	}
	if impl.processor, err = bidding.NewProcessor(s, s, processorOpts...); err != nil {
		return nil, fmt.Errorf("[%s] Fail to create processor, err=%w", op, err)
	}
	if impl.seller, err = bidding.NewSeller(s, s,
		bidding.WithSellerLogger(options.logger),
		bidding.WithSellerLocker(locker),
	); err != nil {
		return nil, fmt.Errorf("[%s] Fail to create seller, err=%w", op, err)
	}

	return impl, nil
}

func newTokenVerifier(config AuthConfig) (TokenVerifier, error) {
	if config.IssuerURL == "" {
		return NewEd25519Verifier(config.PublicKey), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	verifier, err := oidcAdapter.NewVerifier(ctx, config.IssuerURL, oidcAdapter.WithAudience(config.Audience))
	if err != nil {
		return nil, err
	}
	return verifier, nil
}

func openStore(config StorageConfig) (store, error) {
	if config.Driver == "memory" {
		return memory.NewStore(), nil
	}
	db, err := database.Open(database.Config{
		Driver:      config.Driver,
		DSN:         config.DSN,
		Schema:      config.Schema,
		AutoMigrate: config.AutoMigrate,
	})
	if err != nil {
		return nil, err
	}
	return database.NewRepository(db)
}

// Start 啟動背景工作：出價事件的消費者、SSE管理器、通知轉送和結標掃描
func (impl *ServerImpl) Start() {
	if impl.consumer != nil {
		impl.consumer.Start()
	}
	impl.sseManager.Start()
	if impl.bidPublisher != nil {
		impl.bidPublisher.Start()
	}
	if impl.relay != nil {
		if err := impl.relay.Start(); err != nil {
			impl.logger.Error("Fail to start notice relay", slog.Any("error", err))
		}
	}
	impl.resolver.Start()
}

func (impl *ServerImpl) Close() {
	// 先停止產生通知和事件的工作，再關閉下游
	impl.resolver.Close()
	if impl.relay != nil {
		impl.relay.Close()
	}
	if impl.bidPublisher != nil {
		impl.bidPublisher.Close()
	}
	if impl.consumer != nil {
		impl.consumer.Close()
	}
	impl.sseManager.Done()
	if impl.amqpPublisher != nil {
		impl.amqpPublisher.Close()
	}
	if impl.redisClient != nil {
		if err := impl.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			impl.logger.Warn("Fail to close redis client", slog.Any("error", err))
		}
	}
}

// CloseStreams 結束所有SSE串流，其他元件不受影響
func (impl *ServerImpl) CloseStreams() {
	impl.sseManager.Done()
}

// RegisterRoutes 註冊所有路由
func (impl *ServerImpl) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", impl.GetHealthz)

	authed := router.Group("", limitBody(impl.config.MaxBodyBytes), impl.identity.Middleware())
	authed.GET("/auctions", impl.GetAuctions)
	authed.POST("/auctions", impl.PostAuction)
	authed.GET("/auctions/:id", impl.GetAuction)
	authed.PATCH("/auctions/:id", impl.PatchAuction)
	authed.DELETE("/auctions/:id", impl.DeleteAuction)
	authed.GET("/auctions/:id/bids", impl.GetAuctionBids)
	authed.POST("/auctions/:id/bids", impl.PostAuctionBid)
	authed.GET("/auctions/:id/events", impl.GetAuctionEvents)
	authed.GET("/auctions/:id/contact", impl.GetAuctionContact)
	authed.GET("/me/wins", impl.GetMyWins)
	authed.GET("/me/bids", impl.GetMyBids)
}
