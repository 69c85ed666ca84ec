package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/errs"
)

const (
	gasPriceMaxAge  = 30 * time.Second
	receiptTimeout  = 2 * time.Minute
	receiptPollTick = 3 * time.Second
	defaultGasLimit = uint64(500_000)
)

// signerKey holds the rebalancer's transaction signing identity.
type signerKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newSignerKey(hexKey string) (*signerKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &signerKey{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// EVMBackend implements Backend over a JSON-RPC endpoint.
type EVMBackend struct {
	cfg      config.ChainConfig
	selector uint64
	client   *ethclient.Client
	signer   *signerKey // nil means read-only
	log      zerolog.Logger

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasFetchedAt time.Time
	decimals     map[common.Address]uint8
}

// NewEVMBackend dials the chain's RPC endpoint. An empty signer key
// produces a read-only backend; transaction methods then fail with a
// terminal chain error.
func NewEVMBackend(cfg config.ChainConfig, signerKeyHex string) (*EVMBackend, error) {
	selector, err := strconv.ParseUint(cfg.Selector, 10, 64)
	if err != nil {
		return nil, errs.Config("chain %d: invalid selector %q", cfg.ChainID, cfg.Selector)
	}
	if cfg.RPCURL == "" {
		return nil, errs.Config("chain %d (%s): rpc_url is required", cfg.ChainID, cfg.Name)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, errs.Chain("rpc_dial", err, true)
	}

	var signer *signerKey
	if signerKeyHex != "" {
		signer, err = newSignerKey(signerKeyHex)
		if err != nil {
			client.Close()
			return nil, errs.Config("chain %d: %v", cfg.ChainID, err)
		}
	}

	b := &EVMBackend{
		cfg:      cfg,
		selector: selector,
		client:   client,
		signer:   signer,
		log:      config.NewChainLogger(cfg.ChainID, cfg.Name),
		decimals: make(map[common.Address]uint8),
	}
	b.log.Info().
		Str("rpc_url", cfg.RPCURL).
		Bool("read_only", signer == nil).
		Msg("Chain backend connected")
	return b, nil
}

func (b *EVMBackend) ChainID() uint64  { return b.cfg.ChainID }
func (b *EVMBackend) Name() string     { return b.cfg.Name }
func (b *EVMBackend) Selector() uint64 { return b.selector }

func (b *EVMBackend) Close() {
	b.client.Close()
}

// GasPrice returns the suggested gas price, cached briefly so the upkeep
// gas gate does not hammer the RPC endpoint. On refresh failure a cached
// value is served if one exists.
func (b *EVMBackend) GasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.RLock()
	cached := b.cachedGasWei
	age := time.Since(b.gasFetchedAt)
	b.mu.RUnlock()

	if cached != nil && age < gasPriceMaxAge {
		return new(big.Int).Set(cached), nil
	}

	price, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			b.log.Warn().Err(err).Msg("Gas price refresh failed, serving cached value")
			return new(big.Int).Set(cached), nil
		}
		return nil, classifyRPC("gas_price", err)
	}

	b.mu.Lock()
	b.cachedGasWei = new(big.Int).Set(price)
	b.gasFetchedAt = time.Now()
	b.mu.Unlock()

	return price, nil
}

func (b *EVMBackend) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := b.client.BlockNumber(ctx)
	if err != nil {
		return 0, classifyRPC("block_number", err)
	}
	return n, nil
}

// LatestRoundData reads one oracle aggregator round. Decimals are fetched
// once per aggregator and cached for the process lifetime.
func (b *EVMBackend) LatestRoundData(ctx context.Context, aggregator string) (*RoundData, error) {
	addr := common.HexToAddress(aggregator)

	vals, err := b.call(ctx, addr, aggregatorABI, "latestRoundData")
	if err != nil {
		return nil, err
	}

	decimals, err := b.aggregatorDecimals(ctx, addr)
	if err != nil {
		return nil, err
	}

	updatedAt := vals[3].(*big.Int)
	return &RoundData{
		RoundID:         vals[0].(*big.Int),
		Answer:          vals[1].(*big.Int),
		UpdatedAt:       time.Unix(int64(updatedAt.Uint64()), 0).UTC(),
		AnsweredInRound: vals[4].(*big.Int),
		Decimals:        decimals,
	}, nil
}

func (b *EVMBackend) aggregatorDecimals(ctx context.Context, addr common.Address) (uint8, error) {
	b.mu.RLock()
	d, ok := b.decimals[addr]
	b.mu.RUnlock()
	if ok {
		return d, nil
	}

	vals, err := b.call(ctx, addr, aggregatorABI, "decimals")
	if err != nil {
		return 0, err
	}
	d = vals[0].(uint8)

	b.mu.Lock()
	b.decimals[addr] = d
	b.mu.Unlock()
	return d, nil
}

func (b *EVMBackend) Deposit(ctx context.Context, amount *big.Int, preferredChains []uint64, thresholds []*big.Int) (string, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return "", err
	}
	_, txHash, err := b.transact(ctx, vault, vaultABI, "deposit", nil, defaultGasLimit, amount, preferredChains, thresholds)
	return txHash, err
}

func (b *EVMBackend) Withdraw(ctx context.Context, amount *big.Int) (string, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return "", err
	}
	_, txHash, err := b.transact(ctx, vault, vaultABI, "withdraw", nil, defaultGasLimit, amount)
	return txHash, err
}

func (b *EVMBackend) CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return false, nil, err
	}
	vals, err := b.call(ctx, vault, vaultABI, "checkUpkeep", checkData)
	if err != nil {
		return false, nil, err
	}
	return vals[0].(bool), vals[1].([]byte), nil
}

func (b *EVMBackend) PerformUpkeep(ctx context.Context, performData []byte) (string, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return "", err
	}
	_, txHash, err := b.transact(ctx, vault, vaultABI, "performUpkeep", nil, defaultGasLimit, performData)
	return txHash, err
}

func (b *EVMBackend) GetUserDeposit(ctx context.Context, user string) (*UserDeposit, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return nil, err
	}
	vals, err := b.call(ctx, vault, vaultABI, "getUserDeposit", common.HexToAddress(user))
	if err != nil {
		return nil, err
	}
	return &UserDeposit{
		Amount:          vals[0].(*big.Int),
		PreferredChains: vals[1].([]uint64),
		Thresholds:      vals[2].([]*big.Int),
	}, nil
}

func (b *EVMBackend) GetHealthScore(ctx context.Context) (*big.Int, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return nil, err
	}
	vals, err := b.call(ctx, vault, vaultABI, "getHealthScore")
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (b *EVMBackend) EstimateFee(ctx context.Context, req FeeRequest) (*big.Int, error) {
	bridge, err := b.contractAddr("bridge", b.cfg.BridgeAddress)
	if err != nil {
		return nil, err
	}
	vals, err := b.call(ctx, bridge, bridgeABI, "estimateFee",
		req.DestSelector,
		common.HexToAddress(req.Receiver),
		req.Amount,
		req.TargetProtocol,
		new(big.Int).SetUint64(req.GasLimit),
	)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// SendCrossChainRebalance submits the bridge transaction and waits for it
// to mine, returning the message id parsed from the MessageSent event.
// The quoted fee rides along as the transaction value.
func (b *EVMBackend) SendCrossChainRebalance(ctx context.Context, req SendRequest) (*SendResult, error) {
	bridge, err := b.contractAddr("bridge", b.cfg.BridgeAddress)
	if err != nil {
		return nil, err
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	receipt, txHash, err := b.transact(ctx, bridge, bridgeABI, "sendCrossChainRebalance", req.Fee, gasLimit,
		req.DestSelector,
		common.HexToAddress(req.Receiver),
		req.Amount,
		req.TargetProtocol,
		new(big.Int).SetUint64(gasLimit),
	)
	if err != nil {
		return nil, err
	}

	sentID := bridgeABI.Events["MessageSent"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != bridge || len(lg.Topics) == 0 || lg.Topics[0] != sentID {
			continue
		}
		ev, perr := parseMessageSent(*lg)
		if perr != nil {
			return nil, perr
		}
		return &SendResult{
			MessageID:   ev.MessageID,
			TxHash:      txHash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			Fee:         ev.Fees,
		}, nil
	}
	return nil, errs.Chain("message_sent_missing", fmt.Errorf("tx %s mined without MessageSent event", txHash), false)
}

func (b *EVMBackend) MessageSentEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]MessageSent, error) {
	bridge, err := b.contractAddr("bridge", b.cfg.BridgeAddress)
	if err != nil {
		return nil, err
	}
	logs, err := b.filterLogs(ctx, bridge, bridgeABI.Events["MessageSent"], fromBlock, messageID)
	if err != nil {
		return nil, err
	}
	events := make([]MessageSent, 0, len(logs))
	for _, lg := range logs {
		ev, perr := parseMessageSent(lg)
		if perr != nil {
			return nil, perr
		}
		events = append(events, ev)
	}
	return events, nil
}

func (b *EVMBackend) MessageReceivedEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]MessageReceived, error) {
	bridge, err := b.contractAddr("bridge", b.cfg.BridgeAddress)
	if err != nil {
		return nil, err
	}
	logs, err := b.filterLogs(ctx, bridge, bridgeABI.Events["MessageReceived"], fromBlock, messageID)
	if err != nil {
		return nil, err
	}
	events := make([]MessageReceived, 0, len(logs))
	for _, lg := range logs {
		ev, perr := parseMessageReceived(lg)
		if perr != nil {
			return nil, perr
		}
		events = append(events, ev)
	}
	return events, nil
}

func (b *EVMBackend) RebalanceExecutedEvents(ctx context.Context, fromBlock uint64, messageID *MessageID) ([]RebalanceExecuted, error) {
	vault, err := b.contractAddr("vault", b.cfg.VaultAddress)
	if err != nil {
		return nil, err
	}
	logs, err := b.filterLogs(ctx, vault, vaultABI.Events["RebalanceExecuted"], fromBlock, messageID)
	if err != nil {
		return nil, err
	}
	events := make([]RebalanceExecuted, 0, len(logs))
	for _, lg := range logs {
		ev, perr := parseRebalanceExecuted(lg)
		if perr != nil {
			return nil, perr
		}
		events = append(events, ev)
	}
	return events, nil
}

// TxConfirmations counts blocks mined on top of the transaction's block,
// inclusive. Unmined transactions report zero.
func (b *EVMBackend) TxConfirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, nil
		}
		return 0, classifyRPC("tx_receipt", err)
	}
	head, err := b.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

func (b *EVMBackend) VerifyCollateral(ctx context.Context, vaultID, amount *big.Int) (bool, error) {
	checker, err := b.contractAddr("health_checker", b.cfg.HealthCheckerAddress)
	if err != nil {
		return false, err
	}
	vals, err := b.call(ctx, checker, healthCheckerABI, "verifyCollateral", vaultID, amount)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

func (b *EVMBackend) GetCollateralRatio(ctx context.Context, vaultID *big.Int) (*big.Int, error) {
	checker, err := b.contractAddr("health_checker", b.cfg.HealthCheckerAddress)
	if err != nil {
		return nil, err
	}
	vals, err := b.call(ctx, checker, healthCheckerABI, "getCollateralRatio", vaultID)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (b *EVMBackend) SupportedProtocol(ctx context.Context, name string) (bool, error) {
	executor, err := b.contractAddr("executor", b.cfg.ExecutorAddress)
	if err != nil {
		return false, err
	}
	vals, err := b.call(ctx, executor, executorABI, "supportedProtocols", name)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

func (b *EVMBackend) EstimateRebalanceCost(ctx context.Context, token string, amount *big.Int, targetProtocol string) (*big.Int, error) {
	executor, err := b.contractAddr("executor", b.cfg.ExecutorAddress)
	if err != nil {
		return nil, err
	}
	vals, err := b.call(ctx, executor, executorABI, "estimateRebalanceCost",
		common.HexToAddress(token), amount, targetProtocol)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (b *EVMBackend) TokenBalance(ctx context.Context, token, owner string) (*big.Int, error) {
	vals, err := b.call(ctx, common.HexToAddress(token), erc20ABI, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (b *EVMBackend) TokenMeta(ctx context.Context, token string) (*TokenMeta, error) {
	addr := common.HexToAddress(token)
	symVals, err := b.call(ctx, addr, erc20ABI, "symbol")
	if err != nil {
		return nil, err
	}
	decVals, err := b.call(ctx, addr, erc20ABI, "decimals")
	if err != nil {
		return nil, err
	}
	return &TokenMeta{Symbol: symVals[0].(string), Decimals: decVals[0].(uint8)}, nil
}

// call executes a read-only contract call against the latest block.
func (b *EVMBackend) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, errs.Chain("abi_pack", err, false)
	}
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classifyRPC(method, err)
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, errs.Chain("abi_unpack", err, false)
	}
	return vals, nil
}

// transact signs, submits and mines one transaction.
func (b *EVMBackend) transact(ctx context.Context, to common.Address, parsed abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (*types.Receipt, string, error) {
	if b.signer == nil {
		return nil, "", errs.Chain("signer_not_configured", nil, false)
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, "", errs.Chain("abi_pack", err, false)
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.signer.address)
	if err != nil {
		return nil, "", classifyRPC("pending_nonce", err)
	}

	gasPrice, err := b.GasPrice(ctx)
	if err != nil {
		return nil, "", err
	}
	// 10% bump for faster inclusion
	gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(11)), big.NewInt(10))

	if value == nil {
		value = big.NewInt(0)
	}

	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     b.signer.address,
		To:       &to,
		Value:    value,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		gas = gasLimit
		b.log.Warn().Err(err).Str("method", method).Uint64("fallback_gas", gas).
			Msg("Gas estimate failed, using fallback limit")
	} else {
		// 20% buffer
		gas = gas * 12 / 10
	}

	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(new(big.Int).SetUint64(b.cfg.ChainID)), b.signer.key)
	if err != nil {
		return nil, "", errs.Chain("sign_tx", err, false)
	}

	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return nil, "", classifyRPC("send_transaction", err)
	}
	txHash := signed.Hash()

	b.log.Info().
		Str("method", method).
		Str("tx_hash", txHash.Hex()).
		Uint64("nonce", nonce).
		Msg("Transaction sent")

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	receipt, err := b.waitForReceipt(receiptCtx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, txHash.Hex(), errs.Cancelled(ctx.Err())
		}
		return nil, txHash.Hex(), errs.Chain("receipt_timeout", err, true)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, txHash.Hex(), errs.Chain("execution_reverted",
			fmt.Errorf("tx %s reverted", txHash.Hex()), false)
	}
	return receipt, txHash.Hex(), nil
}

// waitForReceipt polls until the transaction mines or the context expires.
func (b *EVMBackend) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := b.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

func (b *EVMBackend) filterLogs(ctx context.Context, addr common.Address, event abi.Event, fromBlock uint64, messageID *MessageID) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{event.ID}},
	}
	if messageID != nil {
		query.Topics = append(query.Topics, []common.Hash{common.Hash(*messageID)})
	}
	logs, err := b.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, classifyRPC("filter_logs", err)
	}
	return logs, nil
}

func (b *EVMBackend) contractAddr(kind, hexAddr string) (common.Address, error) {
	if hexAddr == "" {
		return common.Address{}, errs.Chain(kind+"_not_configured", nil, false)
	}
	return common.HexToAddress(hexAddr), nil
}

func parseMessageSent(lg types.Log) (MessageSent, error) {
	if len(lg.Topics) < 3 {
		return MessageSent{}, errs.Chain("abi_unpack", fmt.Errorf("MessageSent log with %d topics", len(lg.Topics)), false)
	}
	out, err := bridgeABI.Unpack("MessageSent", lg.Data)
	if err != nil {
		return MessageSent{}, errs.Chain("abi_unpack", err, false)
	}
	return MessageSent{
		MessageID:      MessageID(lg.Topics[1]),
		DestSelector:   new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64(),
		Receiver:       out[0].(common.Address).Hex(),
		TargetProtocol: out[1].(string),
		Fees:           out[2].(*big.Int),
		TxHash:         lg.TxHash.Hex(),
		BlockNumber:    lg.BlockNumber,
	}, nil
}

func parseMessageReceived(lg types.Log) (MessageReceived, error) {
	if len(lg.Topics) < 3 {
		return MessageReceived{}, errs.Chain("abi_unpack", fmt.Errorf("MessageReceived log with %d topics", len(lg.Topics)), false)
	}
	out, err := bridgeABI.Unpack("MessageReceived", lg.Data)
	if err != nil {
		return MessageReceived{}, errs.Chain("abi_unpack", err, false)
	}
	return MessageReceived{
		MessageID:      MessageID(lg.Topics[1]),
		SourceSelector: new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64(),
		Sender:         out[0].(common.Address).Hex(),
		Token:          out[1].(common.Address).Hex(),
		Amount:         out[2].(*big.Int),
		TxHash:         lg.TxHash.Hex(),
		BlockNumber:    lg.BlockNumber,
	}, nil
}

func parseRebalanceExecuted(lg types.Log) (RebalanceExecuted, error) {
	if len(lg.Topics) < 2 {
		return RebalanceExecuted{}, errs.Chain("abi_unpack", fmt.Errorf("RebalanceExecuted log with %d topics", len(lg.Topics)), false)
	}
	out, err := vaultABI.Unpack("RebalanceExecuted", lg.Data)
	if err != nil {
		return RebalanceExecuted{}, errs.Chain("abi_unpack", err, false)
	}
	return RebalanceExecuted{
		MessageID:   MessageID(lg.Topics[1]),
		Success:     out[0].(bool),
		Protocol:    out[1].(string),
		Amount:      out[2].(*big.Int),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}, nil
}

// classifyRPC sorts RPC failures into retriable transport trouble and
// terminal contract or account errors.
func classifyRPC(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Cancelled(err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return errs.Chain("execution_reverted", err, false)
	case strings.Contains(msg, "insufficient funds"):
		return errs.Chain("insufficient_funds", err, false)
	case strings.Contains(msg, "nonce too low"):
		return errs.Chain("nonce_too_low", err, false)
	case strings.Contains(msg, "gas required exceeds"):
		return errs.Chain("gas_exceeds_limit", err, false)
	}
	return errs.Chain(op, err, true)
}
