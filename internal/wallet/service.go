// Package wallet holds the signing-key material the Market Clearing and
// Settlement Services hand to BlockchainService when the on-chain path is
// enabled. Key derivation and airdrop requests are the only operations the
// core consumes; wallet custody and key generation policy live outside it.
package wallet

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	pkghttp "p2p_energy_market/pkg/http"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	pbkdf2Iterations = 100_000
	keyLenBytes      = 32
)

// Service derives per-user AES-GCM keys from a master secret and fronts the
// on-chain faucet for lazily-created wallets.
type Service struct {
	client *pkghttp.Client
	logger core.ILogger
}

func New(client *pkghttp.Client, logger core.ILogger) *Service {
	return &Service{client: client, logger: logger.WithField("component", "wallet_service")}
}

var _ core.IWalletService = (*Service)(nil)

func deriveKey(masterSecret, salt []byte) []byte {
	return pbkdf2.Key(masterSecret, salt, pbkdf2Iterations, keyLenBytes, sha3.New256)
}

// EncryptPrivateKey derives a fresh AES-GCM key from masterSecret and a new
// random salt, then seals plaintext under it. salt and iv (the GCM nonce)
// are returned alongside the ciphertext so DecryptPrivateKey can reverse it.
func (s *Service) EncryptPrivateKey(ctx context.Context, masterSecret, plaintext []byte) (encKey, salt, iv []byte, err error) {
	salt = make([]byte, 16)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, apperrors.NewInternal("generate wallet salt", err)
	}

	block, err := aes.NewCipher(deriveKey(masterSecret, salt))
	if err != nil {
		return nil, nil, nil, apperrors.NewInternal("construct aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, apperrors.NewInternal("construct gcm", err)
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, apperrors.NewInternal("generate wallet iv", err)
	}

	encKey = gcm.Seal(nil, iv, plaintext, nil)
	return encKey, salt, iv, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey given the stored salt and iv.
func (s *Service) DecryptPrivateKey(ctx context.Context, masterSecret, encKey, salt, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(masterSecret, salt))
	if err != nil {
		return nil, apperrors.NewInternal("construct aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.NewInternal("construct gcm", err)
	}
	plaintext, err := gcm.Open(nil, iv, encKey, nil)
	if err != nil {
		return nil, apperrors.NewInternal("decrypt wallet private key", err)
	}
	return plaintext, nil
}

type airdropRequest struct {
	Pubkey string `json:"pubkey"`
	SOL    string `json:"sol"`
}

// RequestAirdrop funds a freshly-generated wallet on a test/dev network so
// it can pay transaction fees for its first on-chain order.
func (s *Service) RequestAirdrop(ctx context.Context, pubkey string, sol decimal.Decimal) error {
	_, err := s.client.Post(ctx, "/airdrop", airdropRequest{Pubkey: pubkey, SOL: sol.String()})
	if err != nil {
		s.logger.Warn("airdrop request failed", "pubkey", pubkey, "error", err.Error())
		return apperrors.NewOnChainFailure("request airdrop", err)
	}
	return nil
}
