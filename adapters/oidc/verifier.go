package oidc

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

var ErrMissingSubject = errors.New("token has no subject")

type verifierOptions struct {
	audience string
	algs     []string
	now      func() time.Time
}

type VerifierOption func(*verifierOptions)

// WithAudience 要求 token 的 aud 包含指定值，未設置時不檢查
func WithAudience(audience string) VerifierOption {
	return func(o *verifierOptions) {
		o.audience = audience
	}
}

// WithSigningAlgs 設置允許的簽章演算法
func WithSigningAlgs(algs ...string) VerifierOption {
	return func(o *verifierOptions) {
		o.algs = algs
	}
}

// WithNow 設置驗證過期時間用的時間來源 (主要用於測試)
func WithNow(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) {
		o.now = now
	}
}

// Verifier 以發行者公布的金鑰驗證 access token，回傳 sub 作為使用者ID
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

func buildConfig(opts []VerifierOption) *oidc.Config {
	// 默認選項
	options := verifierOptions{
		algs: []string{oidc.EdDSA, oidc.RS256, oidc.ES256},
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	return &oidc.Config{
		ClientID:             options.audience,
		SkipClientIDCheck:    options.audience == "",
		SupportedSigningAlgs: options.algs,
		Now:                  options.now,
	}
}

// NewVerifier 透過 discovery 取得發行者的 JWKS，金鑰輪替時會自動重新抓取
func NewVerifier(ctx context.Context, issuerURL string, opts ...VerifierOption) (*Verifier, error) {
	const op = "NewVerifier"
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create provider, err=%w", op, err)
	}
	return &Verifier{verifier: provider.Verifier(buildConfig(opts))}, nil
}

// NewStaticVerifier 使用固定的公鑰，不需要連線到發行者
func NewStaticVerifier(issuerURL string, keys []crypto.PublicKey, opts ...VerifierOption) *Verifier {
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	return &Verifier{verifier: oidc.NewVerifier(issuerURL, keySet, buildConfig(opts))}
}

func (v *Verifier) Verify(ctx context.Context, rawToken string) (string, error) {
	const op = "Verifier.Verify"
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("[%s] err=%w", op, err)
	}
	if token.Subject == "" {
		return "", fmt.Errorf("[%s] err=%w", op, ErrMissingSubject)
	}
	return token.Subject, nil
}
