package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// MessageID identifies one cross-chain message end to end. It is assigned
// by the bridge on the source chain and carried in every bridge event.
type MessageID [32]byte

// Hex returns the 0x-prefixed hex form used in logs and history records.
func (id MessageID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *MessageID) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseMessageID parses a 0x-prefixed 32-byte hex string.
func ParseMessageID(s string) (MessageID, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return MessageID{}, fmt.Errorf("message id: expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return MessageID{}, fmt.Errorf("message id: %w", err)
	}
	var id MessageID
	copy(id[:], b)
	return id, nil
}

// RoundData is one on-chain oracle observation.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int // scaled by Decimals
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
	Decimals        uint8
}

// UserDeposit mirrors the vault's per-user position.
type UserDeposit struct {
	Amount          *big.Int
	PreferredChains []uint64
	Thresholds      []*big.Int
}

// TokenMeta is the static metadata of an ERC-20 token.
type TokenMeta struct {
	Symbol   string
	Decimals uint8
}

// FeeRequest describes one cross-chain transfer to quote.
type FeeRequest struct {
	DestSelector   uint64
	Receiver       string // destination receiver contract, hex address
	Amount         *big.Int
	TargetProtocol string
	GasLimit       uint64
}

// SendRequest submits a quoted transfer. Fee is attached as the
// transaction value and must come from a prior EstimateFee.
type SendRequest struct {
	FeeRequest
	Fee *big.Int
}

// SendResult reports a mined bridge submission.
type SendResult struct {
	MessageID   MessageID
	TxHash      string
	BlockNumber uint64
	Fee         *big.Int // fee charged per the MessageSent event
}

// MessageSent is the source-chain bridge event.
type MessageSent struct {
	MessageID      MessageID
	DestSelector   uint64
	Receiver       string
	TargetProtocol string
	Fees           *big.Int
	TxHash         string
	BlockNumber    uint64
}

// MessageReceived is the destination-chain bridge event.
type MessageReceived struct {
	MessageID      MessageID
	SourceSelector uint64
	Sender         string
	Token          string
	Amount         *big.Int
	TxHash         string
	BlockNumber    uint64
}

// RebalanceExecuted is the destination-side execution outcome event.
type RebalanceExecuted struct {
	MessageID   MessageID
	Success     bool
	Protocol    string
	Amount      *big.Int
	TxHash      string
	BlockNumber uint64
}

// Backend is the per-chain RPC surface consumed by the control plane.
// One Backend wraps one chain's vault, bridge, health checker and
// rebalance executor deployments plus generic reads. Implementations
// must be safe for concurrent use.
type Backend interface {
	ChainID() uint64
	Name() string
	Selector() uint64

	GasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)

	// Oracle reads.
	LatestRoundData(ctx context.Context, aggregator string) (*RoundData, error)

	// Vault.
	Deposit(ctx context.Context, amount *big.Int, preferredChains []uint64, thresholds []*big.Int) (string, error)
	Withdraw(ctx context.Context, amount *big.Int) (string, error)
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte, error)
	PerformUpkeep(ctx context.Context, performData []byte) (string, error)
	GetUserDeposit(ctx context.Context, user string) (*UserDeposit, error)
	GetHealthScore(ctx context.Context) (*big.Int, error)

	// Bridge.
	EstimateFee(ctx context.Context, req FeeRequest) (*big.Int, error)
	SendCrossChainRebalance(ctx context.Context, req SendRequest) (*SendResult, error)
	MessageSentEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]MessageSent, error)
	MessageReceivedEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]MessageReceived, error)
	RebalanceExecutedEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]RebalanceExecuted, error)
	TxConfirmations(ctx context.Context, txHash string) (uint64, error)

	// Health checker.
	VerifyCollateral(ctx context.Context, vaultID, amount *big.Int) (bool, error)
	GetCollateralRatio(ctx context.Context, vaultID *big.Int) (*big.Int, error)

	// Rebalance executor.
	SupportedProtocol(ctx context.Context, name string) (bool, error)
	EstimateRebalanceCost(ctx context.Context, token string, amount *big.Int, targetProtocol string) (*big.Int, error)

	// Tokens.
	TokenBalance(ctx context.Context, token, owner string) (*big.Int, error)
	TokenMeta(ctx context.Context, token string) (*TokenMeta, error)

	Close()
}
