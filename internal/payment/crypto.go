package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agrimarket/internal/domain"
)

var weiPerEther = decimal.New(1, 18)

// ChainReader is the subset of ethclient.Client used to verify transfers.
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type CryptoConfig struct {
	RPCURL          string
	MerchantAddress string
	CentsPerEther   int64
	Confirmations   uint64
}

// CryptoGateway accepts direct ether transfers to the merchant address.
type CryptoGateway struct {
	chain         ChainReader
	merchant      common.Address
	centsPerEther decimal.Decimal
	confirmations uint64
}

// DialCryptoGateway connects to the configured JSON-RPC endpoint.
func DialCryptoGateway(cfg CryptoConfig) (*CryptoGateway, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return NewCryptoGateway(client, cfg)
}

func NewCryptoGateway(chain ChainReader, cfg CryptoConfig) (*CryptoGateway, error) {
	if !common.IsHexAddress(cfg.MerchantAddress) {
		return nil, fmt.Errorf("invalid merchant address %q", cfg.MerchantAddress)
	}
	if cfg.CentsPerEther <= 0 {
		return nil, errors.New("cents per ether must be positive")
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &CryptoGateway{
		chain:         chain,
		merchant:      common.HexToAddress(cfg.MerchantAddress),
		centsPerEther: decimal.NewFromInt(cfg.CentsPerEther),
		confirmations: confirmations,
	}, nil
}

func (g *CryptoGateway) Provider() domain.PaymentProvider {
	return domain.PaymentProviderCrypto
}

// Initiate quotes the amount in wei; the buyer submits the transaction hash afterwards.
func (g *CryptoGateway) Initiate(_ context.Context, req Request) (*Initiation, error) {
	wei := g.Quote(req.AmountCents)
	return &Initiation{
		ExternalRef: "crypto-" + uuid.NewString(),
		Checkout: map[string]string{
			"address":    g.merchant.Hex(),
			"amount_wei": wei.String(),
			"amount_eth": decimal.NewFromBigInt(wei, 0).Div(weiPerEther).String(),
			"network":    "ethereum",
		},
	}, nil
}

// Quote converts cents to wei, rounding up to the next wei.
func (g *CryptoGateway) Quote(cents int64) *big.Int {
	return decimal.NewFromInt(cents).Mul(weiPerEther).Div(g.centsPerEther).Ceil().BigInt()
}

func (g *CryptoGateway) Refund(context.Context, string, int64) error {
	return ErrRefundUnsupported
}

type TransferStatus string

const (
	TransferConfirmed TransferStatus = "confirmed"
	TransferPending   TransferStatus = "pending"
	TransferRejected  TransferStatus = "rejected"
)

type Verification struct {
	Status        TransferStatus
	Confirmations uint64
	Reason        string
}

// Verify checks that txHash paid at least expectedWei to the merchant and is
// buried under the configured number of blocks.
func (g *CryptoGateway) Verify(ctx context.Context, txHash string, expectedWei *big.Int) (*Verification, error) {
	if !isTxHash(txHash) {
		return nil, domain.Invalid("malformed transaction hash")
	}
	hash := common.HexToHash(txHash)

	tx, pending, err := g.chain.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &Verification{Status: TransferPending, Reason: "transaction not found yet"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if pending {
		return &Verification{Status: TransferPending, Reason: "transaction not mined yet"}, nil
	}
	if tx.To() == nil || *tx.To() != g.merchant {
		return &Verification{Status: TransferRejected, Reason: "transaction is not addressed to the merchant"}, nil
	}
	if tx.Value().Cmp(expectedWei) < 0 {
		return &Verification{Status: TransferRejected, Reason: "transferred value is below the quoted amount"}, nil
	}

	receipt, err := g.chain.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &Verification{Status: TransferPending, Reason: "receipt not available yet"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Verification{Status: TransferRejected, Reason: "transaction reverted"}, nil
	}

	head, err := g.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch block number: %w", err)
	}
	var confirmations uint64
	if mined := receipt.BlockNumber.Uint64(); head >= mined {
		confirmations = head - mined + 1
	}
	if confirmations < g.confirmations {
		return &Verification{
			Status:        TransferPending,
			Confirmations: confirmations,
			Reason:        fmt.Sprintf("%d of %d confirmations", confirmations, g.confirmations),
		}, nil
	}
	return &Verification{Status: TransferConfirmed, Confirmations: confirmations}, nil
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

var _ Gateway = (*CryptoGateway)(nil)
