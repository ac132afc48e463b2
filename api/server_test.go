package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hammer/bidding"
)

func TestServer_AuctionLifecycle(t *testing.T) {
	env := setupServer(t)
	end := base.Add(time.Hour)
	auction := env.createAuction(t, "seller", 50_000, end)
	path := "/auctions/" + auction.ID

	// 低於目前價格的出價被拒絕，並帶回目前價格
	w := env.do(t, http.MethodPost, path+"/bids", "alice", BidRequest{Amount: 40_000})
	require.Equal(t, http.StatusConflict, w.Code)
	rejected := decode[ErrorResponse](t, w)
	assert.True(t, rejected.Rejected)
	assert.Equal(t, "price_too_low", rejected.Reason)
	require.NotNil(t, rejected.CurrentPrice)
	assert.Equal(t, int64(50_000), *rejected.CurrentPrice)

	w = env.do(t, http.MethodPost, path+"/bids", "bob", BidRequest{Amount: 60_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decode[BidAcceptedResponse](t, w)
	assert.True(t, accepted.Accepted)
	assert.Equal(t, int64(60_000), accepted.NewPrice)

	// 相同金額不算加價
	w = env.do(t, http.MethodPost, path+"/bids", "alice", BidRequest{Amount: 60_000})
	assert.Equal(t, http.StatusConflict, w.Code)

	// 有出價後不能再修改或刪除
	w = env.do(t, http.MethodDelete, path, "seller", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "has_bids", decode[ErrorResponse](t, w).Reason)

	w = env.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[AuctionStateResponse](t, w)
	assert.Equal(t, int64(60_000), state.CurrentPrice)
	assert.Equal(t, int64(1), state.BidCount)
	assert.Equal(t, bidding.StateOpen, state.State)

	// 結束前不能取得聯絡方式
	w = env.do(t, http.MethodGet, path+"/contact", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	env.clock.Set(end)
	w = env.do(t, http.MethodPost, path+"/bids", "carol", BidRequest{Amount: 70_000})
	assert.Equal(t, http.StatusGone, w.Code)

	// 得標者第一次查詢時收到通知，之後不再重複
	w = env.do(t, http.MethodGet, "/me/wins", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	wins := decode[[]bidding.WinNotice](t, w)
	require.Len(t, wins, 1)
	assert.Equal(t, auction.ID, wins[0].AuctionID)
	assert.Equal(t, int64(60_000), wins[0].WinningAmount)
	assert.NotContains(t, w.Body.String(), "seller@example.com")

	w = env.do(t, http.MethodGet, "/me/wins", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]bidding.WinNotice](t, w))

	w = env.do(t, http.MethodGet, "/me/wins", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]bidding.WinNotice](t, w))

	w = env.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state = decode[AuctionStateResponse](t, w)
	assert.True(t, state.Ended)
	assert.Equal(t, bidding.StateClosed, state.State)

	w = env.do(t, http.MethodGet, path+"/contact", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "seller@example.com", decode[ContactResponse](t, w).Contact)

	w = env.do(t, http.MethodGet, path+"/contact", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, path+"/contact", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, path+"/bids", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]BidResponse](t, w)
	require.Len(t, history, 1)
	assert.Equal(t, "bob", history[0].BidderID)

	w = env.do(t, http.MethodGet, "/me/bids", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]BidResponse](t, w), 1)
}

func TestServer_BidPreconditions(t *testing.T) {
	env := setupServer(t)
	auction := env.createAuction(t, "seller", 100, base.Add(time.Hour))
	path := "/auctions/" + auction.ID + "/bids"

	tests := []struct {
		name   string
		path   string
		user   string
		body   any
		status int
		reason string
	}{
		{"unknown auction", "/auctions/missing/bids", "alice", BidRequest{Amount: 200}, http.StatusNotFound, "not_found"},
		{"zero amount", path, "alice", BidRequest{Amount: 0}, http.StatusBadRequest, "invalid_amount"},
		{"above max bid", path, "alice", BidRequest{Amount: bidding.MaxBid + 1}, http.StatusBadRequest, "invalid_amount"},
		{"malformed body", path, "alice", map[string]any{"amount": "lots"}, http.StatusBadRequest, "invalid_amount"},
		{"malformed body to unknown auction", "/auctions/missing/bids", "alice", map[string]any{"amount": "lots"}, http.StatusNotFound, "not_found"},
		{"not signed in", path, "", BidRequest{Amount: 200}, http.StatusUnauthorized, "unauthenticated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.reason, decode[ErrorResponse](t, w).Reason)
		})
	}
}

func TestServer_MalformedBidAfterEnd(t *testing.T) {
	env := setupServer(t)
	auction := env.createAuction(t, "seller", 100, base.Add(time.Hour))
	env.clock.Set(base.Add(2 * time.Hour))

	w := env.do(t, http.MethodPost, "/auctions/"+auction.ID+"/bids", "alice", map[string]any{"amount": "lots"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "auction_ended", decode[ErrorResponse](t, w).Reason)
}

func TestServer_ListingManagement(t *testing.T) {
	env := setupServer(t)

	// 未登入不能新增
	w := env.do(t, http.MethodPost, "/auctions", "", AuctionRequest{Title: "Chair", EndTime: base.Add(time.Hour)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/auctions", "seller", AuctionRequest{Title: "Chair", EndTime: base.Add(-time.Hour)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_listing", decode[ErrorResponse](t, w).Reason)

	w = env.do(t, http.MethodPost, "/auctions", "seller", AuctionRequest{
		Title:       "<b>Chair</b>",
		Category:    "furniture",
		Description: `<p>Oak</p><script>alert(1)</script>`,
		EndTime:     base.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	chair := decode[AuctionResponse](t, w)
	assert.Equal(t, "/auctions/"+chair.ID, w.Header().Get("Location"))
	assert.Equal(t, "Chair", chair.Title)
	assert.Equal(t, "<p>Oak</p>", chair.Description)
	assert.Equal(t, bidding.StateOpen, chair.State)

	camera := env.createAuction(t, "other", 100, base.Add(2*time.Hour))

	w = env.do(t, http.MethodGet, "/auctions?category=furniture", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]AuctionResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, chair.ID, list[0].ID)

	w = env.do(t, http.MethodGet, "/auctions?size=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]AuctionResponse](t, w), 1)

	// 只有賣家本人可以修改
	edit := AuctionRequest{Title: "Oak chair", Category: "furniture", StartingPrice: 500, EndTime: base.Add(3 * time.Hour)}
	w = env.do(t, http.MethodPatch, "/auctions/"+chair.ID, "other", edit)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPatch, "/auctions/"+chair.ID, "seller", edit)
	require.Equal(t, http.StatusOK, w.Code)
	edited := decode[AuctionResponse](t, w)
	assert.Equal(t, "Oak chair", edited.Title)
	assert.Equal(t, int64(500), edited.CurrentPrice)

	w = env.do(t, http.MethodDelete, "/auctions/"+camera.ID, "seller", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodDelete, "/auctions/"+camera.ID, "other", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/auctions/"+camera.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 結束的拍賣不列出
	env.clock.Set(base.Add(150 * time.Minute))
	w = env.do(t, http.MethodGet, "/auctions?excludeEnded=true", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = decode[[]AuctionResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, chair.ID, list[0].ID)
}

func TestServer_Healthz(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestServer_SQLiteStorage(t *testing.T) {
	env := setupServer(t, func(c *ServerConfig) {
		c.Storage = StorageConfig{Driver: "sqlite", DSN: "file:api_test?mode=memory&cache=shared", AutoMigrate: true}
	})
	auction := env.createAuction(t, "seller", 100, base.Add(time.Hour))
	w := env.do(t, http.MethodPost, "/auctions/"+auction.ID+"/bids", "alice", BidRequest{Amount: 150})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

type sseEvent struct {
	name string
	data string
}

// readEvents 將SSE串流拆成事件送到通道，註解行以名稱 "comment" 表示
func readEvents(body *bufio.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		var current sseEvent
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, ":"):
				out <- sseEvent{name: "comment", data: strings.TrimSpace(line[1:])}
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && current.name != "":
				out <- current
				current = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed before %s event", name)
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func TestServer_AuctionEvents(t *testing.T) {
	env := setupServer(t, func(c *ServerConfig) {
		c.KeepAlive = 20 * time.Millisecond
	})
	auction := env.createAuction(t, "seller", 100, base.Add(time.Hour))

	ts := httptest.NewServer(env.router)
	defer ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/auctions/"+auction.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readEvents(bufio.NewReader(resp.Body))
	initial := nextEvent(t, events, "state")
	assert.Contains(t, initial.data, `"currentPrice":100`)

	for _, amount := range []int64{150, 200} {
		w := env.do(t, http.MethodPost, "/auctions/"+auction.ID+"/bids", "alice", BidRequest{Amount: amount})
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Contains(t, nextEvent(t, events, "bid").data, `"newPrice":150`)
	assert.Contains(t, nextEvent(t, events, "bid").data, `"newPrice":200`)
	nextEvent(t, events, "comment")

	// 結束的拍賣不能再訂閱
	env.clock.Set(base.Add(time.Hour))
	w := env.do(t, http.MethodGet, "/auctions/"+auction.ID+"/events", "", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	w = env.do(t, http.MethodGet, "/auctions/missing/events", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewServer_InvalidConfig(t *testing.T) {
	_, err := NewServer(ServerConfig{Storage: StorageConfig{Driver: "memory"}})
	assert.Error(t, err)
}

func TestServer_RedisMode(t *testing.T) {
	mr := miniredis.RunT(t)
	env := setupServer(t, func(c *ServerConfig) {
		c.ID = "node-1"
		c.Redis = RedisConfig{
			Addr:          mr.Addr(),
			StreamKeys:    RedisStreamKeys{Bids: "bids", Notices: "notices"},
			ConsumerGroup: "relay",
		}
		c.Bidding.SweepInterval = time.Hour
	})
	env.server.Start()
	ctx := context.Background()

	end := base.Add(time.Hour)
	auction := env.createAuction(t, "seller", 100, end)
	events, unsubscribe, err := env.server.bidEvents.Subscribe(auction.ID)
	require.NoError(t, err)
	defer unsubscribe()

	// 出價事件經由stream回到本節點的訂閱者
	w := env.do(t, http.MethodPost, "/auctions/"+auction.ID+"/bids", "alice", BidRequest{Amount: 150})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	select {
	case event := <-events:
		assert.Equal(t, auction.ID, event.AuctionID)
		assert.Equal(t, int64(150), event.NewPrice)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bid event")
	}

	// 得標通知寫入stream後由relay確認
	env.clock.Set(end)
	w = env.do(t, http.MethodGet, "/me/wins", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]bidding.WinNotice](t, w), 1)

	client := env.server.redisClient
	written, err := client.XRange(ctx, "notices", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Eventually(t, func() bool {
		groups, err := client.XInfoGroups(ctx, "notices").Result()
		if err != nil || len(groups) != 1 || groups[0].LastDeliveredID != written[0].ID {
			return false
		}
		pending, err := client.XPending(ctx, "notices", "relay").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(0), client.XLen(ctx, "notices:dead-letter").Val())

	w = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
