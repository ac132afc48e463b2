package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hammer/api"
)

func ParseArgs() (Args, error) {
	// .env 只在本地開發時使用，檔案不存在時略過
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Args{}, fmt.Errorf("load .env: %w", err)
	}

	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("server-id", "", "node id within the notice consumer group, defaults to hostname")
	pflag.Duration("sse-keep-alive", 0, "")
	pflag.Int64("max-body-bytes", 0, "")
	pflag.Duration("shutdown-timeout", 0, "")

	// log config
	pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.String("log-format", "text", "text or json")

	// storage config
	pflag.String("storage-driver", "memory", "memory, sqlite or postgres")
	pflag.String("storage-dsn", "", "")
	pflag.String("storage-schema", "", "")
	pflag.Bool("storage-auto-migrate", false, "")

	// auth config
	pflag.String("auth-public-key", "", "ed25519 public key in PEM or base64")
	pflag.String("auth-public-key-file", "", "")
	pflag.String("auth-issuer-url", "", "verify tokens with the issuer's published keys instead of a fixed key")
	pflag.String("auth-audience", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "hammer:", "")
	pflag.String("redis-consumer-group", "hammer-notice-relay", "")
	pflag.Duration("redis-claim-idle", time.Minute, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bids", "hammer-bid-stream", "")
	pflag.String("redis-stream-key-for-notices", "hammer-notice-stream", "")

	// amqp config
	pflag.String("amqp-url", "", "")
	pflag.String("amqp-queue", "auction.won", "")

	// bidding config
	pflag.Duration("bid-lock-timeout", 0, "")
	pflag.Duration("bid-store-timeout", 0, "")
	pflag.Duration("sweep-interval", 0, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("HAMMER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var publicKey ed25519.PublicKey
	if viper.GetString("auth-issuer-url") == "" {
		key, err := loadPublicKey(viper.GetString("auth-public-key"), viper.GetString("auth-public-key-file"))
		if err != nil {
			return Args{}, err
		}
		publicKey = key
	}
	serverID := viper.GetString("server-id")
	if serverID == "" {
		serverID, _ = os.Hostname()
	}

	// initial arguments
	return Args{
		ServerURL:       viper.GetString("server-url"),
		LogLevel:        viper.GetString("log-level"),
		LogFormat:       viper.GetString("log-format"),
		ShutdownTimeout: viper.GetDuration("shutdown-timeout"),
		ServerConfig: api.ServerConfig{
			ID:           serverID,
			KeepAlive:    viper.GetDuration("sse-keep-alive"),
			MaxBodyBytes: viper.GetInt64("max-body-bytes"),
			Storage: api.StorageConfig{
				Driver:      viper.GetString("storage-driver"),
				DSN:         viper.GetString("storage-dsn"),
				Schema:      viper.GetString("storage-schema"),
				AutoMigrate: viper.GetBool("storage-auto-migrate"),
			},
			Auth: api.AuthConfig{
				PublicKey: publicKey,
				IssuerURL: viper.GetString("auth-issuer-url"),
				Audience:  viper.GetString("auth-audience"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				ClaimIdle:     viper.GetDuration("redis-claim-idle"),
				StreamKeys: api.RedisStreamKeys{
					Bids:    viper.GetString("redis-stream-key-for-bids"),
					Notices: viper.GetString("redis-stream-key-for-notices"),
				},
			},
			AMQP: api.AMQPConfig{
				URL:   viper.GetString("amqp-url"),
				Queue: viper.GetString("amqp-queue"),
			},
			Bidding: api.BiddingConfig{
				LockTimeout:   viper.GetDuration("bid-lock-timeout"),
				StoreTimeout:  viper.GetDuration("bid-store-timeout"),
				SweepInterval: viper.GetDuration("sweep-interval"),
			},
		},
	}, nil
}

type Args struct {
	ServerURL       string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ServerConfig    api.ServerConfig
}

func (args Args) Validate() error {
	if args.ServerURL == "" {
		return errors.New("server url is required")
	}
	return args.ServerConfig.Validate()
}

// Logger 依照參數建立日誌記錄器
func (args Args) Logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", args.LogLevel, err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch args.LogFormat {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, options)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", args.LogFormat)
	}
}

// loadPublicKey 讀取驗證 access token 用的公鑰，支援 PEM 或 base64 編碼的原始32位元組
func loadPublicKey(value, file string) (ed25519.PublicKey, error) {
	if value == "" && file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read public key file: %w", err)
		}
		value = string(raw)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("auth public key is required")
	}
	if strings.HasPrefix(value, "-----BEGIN") {
		key, err := jwt.ParseEdPublicKeyFromPEM([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		publicKey, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not ed25519")
		}
		return publicKey, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
