package api

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerConfig_Validate(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	assert.NoError(t, err)
	valid := func() ServerConfig {
		return ServerConfig{
			ID:      "node-1",
			Storage: StorageConfig{Driver: "memory"},
			Auth:    AuthConfig{PublicKey: pub},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *ServerConfig)
		wantErr bool
	}{
		{"memory", func(c *ServerConfig) {}, false},
		{"postgres with dsn", func(c *ServerConfig) {
			c.Storage = StorageConfig{Driver: "postgres", DSN: "postgres://localhost/hammer"}
		}, false},
		{"sqlite without dsn", func(c *ServerConfig) { c.Storage = StorageConfig{Driver: "sqlite"} }, true},
		{"unknown driver", func(c *ServerConfig) { c.Storage.Driver = "mysql" }, true},
		{"missing public key", func(c *ServerConfig) { c.Auth.PublicKey = nil }, true},
		{"issuer instead of key", func(c *ServerConfig) {
			c.Auth = AuthConfig{IssuerURL: "https://id.example.com"}
		}, false},
		{"redis", func(c *ServerConfig) {
			c.Redis = RedisConfig{Addr: "localhost:6379", StreamKeys: RedisStreamKeys{Bids: "bids", Notices: "notices"}, ConsumerGroup: "relay"}
		}, false},
		{"redis without streams", func(c *ServerConfig) {
			c.Redis = RedisConfig{Addr: "localhost:6379", ConsumerGroup: "relay"}
		}, true},
		{"redis without group", func(c *ServerConfig) {
			c.Redis = RedisConfig{Addr: "localhost:6379", StreamKeys: RedisStreamKeys{Bids: "bids", Notices: "notices"}}
		}, true},
		{"negative timeout", func(c *ServerConfig) { c.Bidding.LockTimeout = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
