package api

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

type ServerConfig struct {
	// ID 用於區分同一個消費者群組中的節點
	ID      string
	Storage StorageConfig
	Redis   RedisConfig
	AMQP    AMQPConfig
	Auth    AuthConfig
	Bidding BiddingConfig
	// KeepAlive SSE連線沒有事件時送出註解的間隔
	KeepAlive time.Duration
	// MaxBodyBytes 請求內容的大小上限
	MaxBodyBytes int64
}

type StorageConfig struct {
	// Driver 為 memory、sqlite 或 postgres
	Driver      string
	DSN         string
	Schema      string
	AutoMigrate bool
}

// RedisConfig 的 Addr 為空時使用單節點模式：鎖和出價事件都只在本地
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
	// ClaimIdle 通知閒置超過這個時間後由其他節點認領，0使用預設值
	ClaimIdle time.Duration
}

type RedisStreamKeys struct {
	Bids    string
	Notices string
}

type AMQPConfig struct {
	URL   string
	Queue string
}

// AuthConfig 設置 IssuerURL 時以發行者公布的金鑰驗證，否則使用 PublicKey
type AuthConfig struct {
	// PublicKey 用於驗證 Ed25519 簽章的 access token
	PublicKey ed25519.PublicKey
	IssuerURL string
	Audience  string
}

type BiddingConfig struct {
	LockTimeout   time.Duration
	StoreTimeout  time.Duration
	SweepInterval time.Duration
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Validate 檢查設定是否完整
func (c ServerConfig) Validate() error {
	const op = "ServerConfig.Validate"
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("[%s] Storage DSN is required for %s", op, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("[%s] Unsupported storage driver: %q", op, c.Storage.Driver)
	}
	if c.Auth.IssuerURL == "" && len(c.Auth.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("[%s] Invalid auth public key", op)
	}
	if c.Redis.Enabled() {
		if c.Redis.StreamKeys.Bids == "" || c.Redis.StreamKeys.Notices == "" {
			return fmt.Errorf("[%s] Redis stream keys are required", op)
		}
		if c.ID == "" || c.Redis.ConsumerGroup == "" {
			return fmt.Errorf("[%s] Server ID and consumer group are required with redis", op)
		}
	}
	if c.Bidding.LockTimeout < 0 || c.Bidding.StoreTimeout < 0 || c.Bidding.SweepInterval < 0 {
		return fmt.Errorf("[%s] Bidding timeouts cannot be negative", op)
	}
	return nil
}
