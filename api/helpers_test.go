package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type testEnv struct {
	server *ServerImpl
	router *gin.Engine
	clock  *testClock
	key    ed25519.PrivateKey
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	config := ServerConfig{
		Storage: StorageConfig{Driver: "memory"},
		Auth:    AuthConfig{PublicKey: pub},
	}
	for _, fn := range mutate {
		fn(&config)
	}

	clock := &testClock{now: base}
	server, err := NewServer(config, WithServerClock(clock), WithServerLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(server.Close)

	router := gin.New()
	server.RegisterRoutes(router)
	return &testEnv{server: server, router: router, clock: clock, key: priv}
}

func signToken(t *testing.T, key ed25519.PrivateKey, subject string, expiresAt time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString(key)
	require.NoError(t, err)
	return token
}

func (e *testEnv) token(t *testing.T, user string) string {
	return signToken(t, e.key, user, time.Now().Add(time.Hour))
}

// do 以 user 的身分發出請求，user 為空時不帶 token
func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, user))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) createAuction(t *testing.T, seller string, startingPrice int64, end time.Time) AuctionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auctions", seller, AuctionRequest{
		Title:         "Camera",
		Category:      "electronics",
		StartingPrice: startingPrice,
		EndTime:       end,
		SellerContact: "seller@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[AuctionResponse](t, w)
}
