package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

// MockBackend is an in-memory Backend with scriptable responses. Tests
// and dry runs drive it directly; every mutator is safe for concurrent
// use with the Backend methods.
type MockBackend struct {
	mu sync.Mutex

	chainID  uint64
	selector uint64
	name     string

	gasPrice    *big.Int
	gasErr      error
	blockNumber uint64

	rounds   map[string]*RoundData
	roundErr error

	deposits      map[string]*UserDeposit
	healthScore   *big.Int
	upkeepNeeded  bool
	performData   []byte
	upkeepErr     error
	performedData [][]byte

	fee         *big.Int
	feeErrs     []error
	realizedFee *big.Int

	sendFailures  []error
	sendDrops     []error
	suppressSends int
	sendAttempts  int
	msgCounter    uint64
	sent          []MessageSent
	received      []MessageReceived
	executed      []RebalanceExecuted

	confirmations uint64

	collateralOK    bool
	collateralRatio *big.Int
	rebalanceCost   *big.Int
	unsupported     map[string]bool

	balances map[string]map[string]*big.Int
	tokens   map[string]*TokenMeta
}

func NewMockBackend(chainID, selector uint64, name string) *MockBackend {
	return &MockBackend{
		chainID:         chainID,
		selector:        selector,
		name:            name,
		gasPrice:        big.NewInt(10_000_000_000), // 10 gwei
		blockNumber:     100,
		rounds:          make(map[string]*RoundData),
		deposits:        make(map[string]*UserDeposit),
		healthScore:     big.NewInt(100),
		fee:             big.NewInt(1_000_000_000_000_000), // 0.001 native
		confirmations:   12,
		collateralOK:    true,
		collateralRatio: big.NewInt(15_000),
		rebalanceCost:   big.NewInt(0),
		unsupported:     make(map[string]bool),
		balances:        make(map[string]map[string]*big.Int),
		tokens:          make(map[string]*TokenMeta),
	}
}

// NewMockBackendFromConfig keeps the configured identity so mock and EVM
// managers resolve the same chains.
func NewMockBackendFromConfig(cc config.ChainConfig) *MockBackend {
	selector, err := strconv.ParseUint(cc.Selector, 10, 64)
	if err != nil {
		selector = cc.ChainID
	}
	return NewMockBackend(cc.ChainID, selector, cc.Name)
}

func (m *MockBackend) ChainID() uint64  { return m.chainID }
func (m *MockBackend) Name() string     { return m.name }
func (m *MockBackend) Selector() uint64 { return m.selector }
func (m *MockBackend) Close()           {}

// Mutators for tests.

func (m *MockBackend) SetGasPrice(wei int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasPrice = big.NewInt(wei)
}

func (m *MockBackend) SetGasPriceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasErr = err
}

func (m *MockBackend) SetRound(aggregator string, rd *RoundData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[aggregator] = rd
}

func (m *MockBackend) SetRoundError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundErr = err
}

func (m *MockBackend) SetUserDeposit(user string, d *UserDeposit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[user] = d
}

func (m *MockBackend) SetUpkeep(needed bool, performData []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upkeepNeeded = needed
	m.performData = performData
}

func (m *MockBackend) SetUpkeepError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upkeepErr = err
}

func (m *MockBackend) SetFee(fee *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fee = new(big.Int).Set(fee)
}

// FailNextFeeEstimate queues one estimateFee failure.
func (m *MockBackend) FailNextFeeEstimate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeErrs = append(m.feeErrs, err)
}

// SetRealizedFee makes MessageSent events report a fee different from
// the quote, for fee variance accounting.
func (m *MockBackend) SetRealizedFee(fee *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedFee = new(big.Int).Set(fee)
}

// FailNextSend queues one submission failure.
func (m *MockBackend) FailNextSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFailures = append(m.sendFailures, err)
}

// DropNextSendResult queues one submission whose transaction reaches
// the chain but whose result is lost: the MessageSent event is
// recorded while the call returns err.
func (m *MockBackend) DropNextSendResult(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendDrops = append(m.sendDrops, err)
}

// SuppressNextSendEvent makes the next successful submission return its
// result while recording no MessageSent event, as when the event log
// lags behind the accepted transaction or the accepting block is
// reorged away.
func (m *MockBackend) SuppressNextSendEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressSends++
}

func (m *MockBackend) SetConfirmations(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations = n
}

func (m *MockBackend) SetSupportedProtocol(name string, supported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsupported[name] = !supported
}

func (m *MockBackend) SetTokenBalance(token, owner string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners, ok := m.balances[token]
	if !ok {
		owners = make(map[string]*big.Int)
		m.balances[token] = owners
	}
	owners[owner] = new(big.Int).Set(amount)
}

// EmitMessageReceived records a destination-chain delivery event.
func (m *MockBackend) EmitMessageReceived(id MessageID, sourceSelector uint64, sender, token string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, MessageReceived{
		MessageID:      id,
		SourceSelector: sourceSelector,
		Sender:         sender,
		Token:          token,
		Amount:         amount,
		TxHash:         mockTxHash(m.chainID, uint64(len(m.received)+1)),
		BlockNumber:    m.blockNumber,
	})
}

// EmitRebalanceExecuted records the destination-side execution outcome.
func (m *MockBackend) EmitRebalanceExecuted(id MessageID, success bool, protocol string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, RebalanceExecuted{
		MessageID:   id,
		Success:     success,
		Protocol:    protocol,
		Amount:      amount,
		TxHash:      mockTxHash(m.chainID, uint64(len(m.executed)+1)),
		BlockNumber: m.blockNumber,
	})
}

// SentMessages returns a copy of every recorded bridge submission.
func (m *MockBackend) SentMessages() []MessageSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageSent, len(m.sent))
	copy(out, m.sent)
	return out
}

// SendAttempts counts every submission call, including failed ones.
func (m *MockBackend) SendAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendAttempts
}

// PerformedUpkeeps returns the recorded performUpkeep payloads.
func (m *MockBackend) PerformedUpkeeps() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.performedData))
	copy(out, m.performedData)
	return out
}

// Backend implementation.

func (m *MockBackend) GasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gasErr != nil {
		return nil, m.gasErr
	}
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *MockBackend) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockNumber, nil
}

func (m *MockBackend) LatestRoundData(ctx context.Context, aggregator string) (*RoundData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roundErr != nil {
		return nil, m.roundErr
	}
	rd, ok := m.rounds[aggregator]
	if !ok {
		return nil, errs.Chain("no_round", fmt.Errorf("no round for aggregator %s", aggregator), true)
	}
	cp := *rd
	return &cp, nil
}

func (m *MockBackend) Deposit(ctx context.Context, amount *big.Int, preferredChains []uint64, thresholds []*big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockTxHash(m.chainID, m.blockNumber), nil
}

func (m *MockBackend) Withdraw(ctx context.Context, amount *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockTxHash(m.chainID, m.blockNumber), nil
}

func (m *MockBackend) CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upkeepErr != nil {
		return false, nil, m.upkeepErr
	}
	return m.upkeepNeeded, m.performData, nil
}

func (m *MockBackend) PerformUpkeep(ctx context.Context, performData []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Cancelled(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performedData = append(m.performedData, performData)
	return mockTxHash(m.chainID, uint64(len(m.performedData))), nil
}

func (m *MockBackend) GetUserDeposit(ctx context.Context, user string) (*UserDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[user]
	if !ok {
		return &UserDeposit{Amount: big.NewInt(0)}, nil
	}
	return d, nil
}

func (m *MockBackend) GetHealthScore(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.healthScore), nil
}

func (m *MockBackend) EstimateFee(ctx context.Context, req FeeRequest) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.feeErrs) > 0 {
		err := m.feeErrs[0]
		m.feeErrs = m.feeErrs[1:]
		return nil, err
	}
	return new(big.Int).Set(m.fee), nil
}

func (m *MockBackend) SendCrossChainRebalance(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendAttempts++
	if len(m.sendFailures) > 0 {
		err := m.sendFailures[0]
		m.sendFailures = m.sendFailures[1:]
		return nil, err
	}

	m.msgCounter++
	var id MessageID
	binary.BigEndian.PutUint64(id[0:8], m.chainID)
	binary.BigEndian.PutUint64(id[24:32], m.msgCounter)

	fee := req.Fee
	if m.realizedFee != nil {
		fee = new(big.Int).Set(m.realizedFee)
	}

	ev := MessageSent{
		MessageID:      id,
		DestSelector:   req.DestSelector,
		Receiver:       req.Receiver,
		TargetProtocol: req.TargetProtocol,
		Fees:           fee,
		TxHash:         mockTxHash(m.chainID, m.msgCounter),
		BlockNumber:    m.blockNumber,
	}
	if m.suppressSends > 0 {
		m.suppressSends--
	} else {
		m.sent = append(m.sent, ev)
	}

	if len(m.sendDrops) > 0 {
		err := m.sendDrops[0]
		m.sendDrops = m.sendDrops[1:]
		return nil, err
	}

	return &SendResult{
		MessageID:   id,
		TxHash:      ev.TxHash,
		BlockNumber: m.blockNumber,
		Fee:         fee,
	}, nil
}

func (m *MockBackend) MessageSentEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]MessageSent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MessageSent
	for _, ev := range m.sent {
		if ev.BlockNumber < fromBlock {
			continue
		}
		if messageID != nil && ev.MessageID != *messageID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MockBackend) MessageReceivedEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]MessageReceived, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MessageReceived
	for _, ev := range m.received {
		if ev.BlockNumber < fromBlock {
			continue
		}
		if messageID != nil && ev.MessageID != *messageID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MockBackend) RebalanceExecutedEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]RebalanceExecuted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RebalanceExecuted
	for _, ev := range m.executed {
		if ev.BlockNumber < fromBlock {
			continue
		}
		if messageID != nil && ev.MessageID != *messageID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MockBackend) TxConfirmations(ctx context.Context, txHash string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmations, nil
}

func (m *MockBackend) VerifyCollateral(ctx context.Context, vaultID, amount *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collateralOK, nil
}

func (m *MockBackend) GetCollateralRatio(ctx context.Context, vaultID *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.collateralRatio), nil
}

func (m *MockBackend) SupportedProtocol(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unsupported[name], nil
}

func (m *MockBackend) EstimateRebalanceCost(ctx context.Context, token string, amount *big.Int, targetProtocol string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.rebalanceCost), nil
}

func (m *MockBackend) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owners, ok := m.balances[token]
	if !ok {
		return big.NewInt(0), nil
	}
	bal, ok := owners[owner]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (m *MockBackend) TokenMeta(ctx context.Context, token string) (*TokenMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.tokens[token]
	if !ok {
		return &TokenMeta{Symbol: "TOKEN", Decimals: 18}, nil
	}
	return meta, nil
}

func mockTxHash(chainID, n uint64) string {
	return fmt.Sprintf("0x%048x%016x", chainID, n)
}
