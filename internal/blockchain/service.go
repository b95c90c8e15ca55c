// Package blockchain is the external on-chain collaborator the market core
// talks to as a plain REST/JSON-RPC service, never as an in-process Solana
// client: program ABI specifics are out of scope, only the operations the
// Market Clearing and Settlement Services consume are implemented.
package blockchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/onchainunits"
	pkghttp "p2p_energy_market/pkg/http"

	"github.com/shopspring/decimal"
)

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Service submits on-chain order/match/settlement transactions and reads
// account state through a REST-shaped RPC gateway fronting the program.
type Service struct {
	client          *pkghttp.Client
	energyProgramID string
	tokenProgramID  string
	logger          core.ILogger
}

func New(client *pkghttp.Client, energyProgramID, tokenProgramID string, logger core.ILogger) *Service {
	return &Service{
		client:          client,
		energyProgramID: energyProgramID,
		tokenProgramID:  tokenProgramID,
		logger:          logger.WithField("component", "blockchain_service"),
	}
}

var _ core.IBlockchainService = (*Service)(nil)

type createOrderRequest struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	Side        string `json:"side"`
	EnergyUnits int64  `json:"energy_units"`
	PriceUnits  int64  `json:"price_units"`
	ProgramID   string `json:"program_id"`
}

type createOrderResponse struct {
	Signature string `json:"signature"`
	OrderPDA  string `json:"order_pda"`
}

// ExecuteCreateOrder submits a new order to the on-chain program.
func (s *Service) ExecuteCreateOrder(ctx context.Context, order *core.Order) (string, string, error) {
	req := createOrderRequest{
		OrderID:     order.ID.String(),
		UserID:      order.UserID.String(),
		Side:        string(order.Side),
		EnergyUnits: onchainunits.ToOnChain(order.EnergyAmount),
		PriceUnits:  onchainunits.ToOnChain(order.PricePerKWh),
		ProgramID:   s.energyProgramID,
	}
	body, err := s.client.Post(ctx, "/orders", req)
	if err != nil {
		return "", "", apperrors.NewOnChainFailure("execute create order on-chain", err)
	}
	var resp createOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", apperrors.NewOnChainFailure("decode create order response", err)
	}
	return resp.Signature, resp.OrderPDA, nil
}

type matchRequest struct {
	MatchID      string `json:"match_id"`
	MatchedUnits int64  `json:"matched_units"`
	PriceUnits   int64  `json:"price_units"`
}

type signatureResponse struct {
	Signature string `json:"signature"`
}

// ExecuteMatchOrders records an off-chain match on the on-chain program.
func (s *Service) ExecuteMatchOrders(ctx context.Context, match *core.OrderMatch) (string, error) {
	req := matchRequest{
		MatchID:      match.ID.String(),
		MatchedUnits: onchainunits.ToOnChain(match.MatchedAmount),
		PriceUnits:   onchainunits.ToOnChain(match.MatchPrice),
	}
	body, err := s.client.Post(ctx, "/matches", req)
	if err != nil {
		return "", apperrors.NewOnChainFailure("execute match on-chain", err)
	}
	var resp signatureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperrors.NewOnChainFailure("decode match response", err)
	}
	return resp.Signature, nil
}

type settlementRequest struct {
	SettlementID    string `json:"settlement_id"`
	BuyerID         string `json:"buyer_id"`
	SellerID        string `json:"seller_id"`
	TokenUnits      int64  `json:"token_units"`
	EnergyUnits     int64  `json:"energy_units"`
	TokenProgramID  string `json:"token_program_id"`
	EnergyProgramID string `json:"energy_program_id"`
	BuyerKeyB64     string `json:"buyer_key,omitempty"`
	SellerKeyB64    string `json:"seller_key,omitempty"`
}

// ExecuteSettlement submits the composite token/energy transfer for a
// confirmed settlement. buyerKey/sellerKey are the decrypted signing keys
// from WalletService, empty when the caller relies on server-held custody.
func (s *Service) ExecuteSettlement(ctx context.Context, settlement *core.Settlement, buyerKey, sellerKey []byte) (string, error) {
	req := settlementRequest{
		SettlementID:    settlement.ID.String(),
		BuyerID:         settlement.BuyerID.String(),
		SellerID:        settlement.SellerID.String(),
		TokenUnits:      onchainunits.ToOnChain(settlement.NetAmount),
		EnergyUnits:     onchainunits.ToOnChain(settlement.EffectiveEnergy),
		TokenProgramID:  s.tokenProgramID,
		EnergyProgramID: s.energyProgramID,
	}
	if len(buyerKey) > 0 {
		req.BuyerKeyB64 = base64Encode(buyerKey)
	}
	if len(sellerKey) > 0 {
		req.SellerKeyB64 = base64Encode(sellerKey)
	}
	body, err := s.client.Post(ctx, "/settlements", req)
	if err != nil {
		return "", apperrors.NewOnChainFailure("execute settlement on-chain", err)
	}
	var resp signatureResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperrors.NewOnChainFailure("decode settlement response", err)
	}
	return resp.Signature, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// GetBalance reads an account's native token balance.
func (s *Service) GetBalance(ctx context.Context, pubkey string) (decimal.Decimal, error) {
	body, err := s.client.Get(ctx, fmt.Sprintf("/accounts/%s/balance", pubkey), nil)
	if err != nil {
		return decimal.Zero, apperrors.NewOnChainFailure("get balance", err)
	}
	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, apperrors.NewOnChainFailure("decode balance response", err)
	}
	return decimal.NewFromString(resp.Balance)
}

// GetTokenBalance reads an account's balance of a specific mint.
func (s *Service) GetTokenBalance(ctx context.Context, pubkey, mint string) (decimal.Decimal, error) {
	body, err := s.client.Get(ctx, fmt.Sprintf("/accounts/%s/tokens/%s/balance", pubkey, mint), nil)
	if err != nil {
		return decimal.Zero, apperrors.NewOnChainFailure("get token balance", err)
	}
	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, apperrors.NewOnChainFailure("decode token balance response", err)
	}
	return decimal.NewFromString(resp.Balance)
}

type signatureStatusResponse struct {
	Confirmed bool `json:"confirmed"`
}

// GetSignatureStatus polls confirmation of a previously submitted transaction.
func (s *Service) GetSignatureStatus(ctx context.Context, signature string) (bool, error) {
	body, err := s.client.Get(ctx, fmt.Sprintf("/transactions/%s/status", signature), nil)
	if err != nil {
		return false, apperrors.NewOnChainFailure("get signature status", err)
	}
	var resp signatureStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, apperrors.NewOnChainFailure("decode signature status response", err)
	}
	return resp.Confirmed, nil
}

func (s *Service) EnergyProgramID() string { return s.energyProgramID }
func (s *Service) TokenProgramID() string  { return s.tokenProgramID }
