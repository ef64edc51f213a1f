// Package oracle wraps the BrazilianMacroOracle contract: current-rate
// reads, idempotency checks, and single or batched rate submission.
package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PedroDnT/delos-oracle/internal/bcb"
	"github.com/PedroDnT/delos-oracle/internal/rate"
)

const oracleABIJSON = `[
  {"inputs":[{"internalType":"string","name":"rateType","type":"string"}],"name":"getRate","outputs":[{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint256","name":"referenceDate","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"string","name":"rateType","type":"string"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"referenceDate","type":"uint256"},{"internalType":"string","name":"source","type":"string"}],"name":"updateRate","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"string[]","name":"rateTypes","type":"string[]"},{"internalType":"int256[]","name":"answers","type":"int256[]"},{"internalType":"uint256[]","name":"referenceDates","type":"uint256[]"},{"internalType":"string[]","name":"sources","type":"string[]"}],"name":"batchUpdateRates","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"string","name":"rateType","type":"string"},{"indexed":false,"internalType":"int256","name":"answer","type":"int256"},{"indexed":false,"internalType":"uint256","name":"referenceDate","type":"uint256"}],"name":"RateUpdated","type":"event"}
]`

var oracleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		panic("failed to parse oracle ABI: " + err.Error())
	}
	oracleABI = parsed
}

// Gas safety margins. Batches get a larger one to absorb per-item variance.
const (
	singleGasMargin = 1.2
	batchGasMargin  = 1.3
)

// ErrRateNotFound indicates the contract holds no record for a rate type.
var ErrRateNotFound = errors.New("oracle: rate not found")

// StoredRate is the contract's current record for a rate type.
type StoredRate struct {
	RateType      rate.Type
	Answer        int64 // fixed-point, 10^8
	UpdatedAt     time.Time
	ReferenceDate int // YYYYMMDD
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	Success      bool
	RatesUpdated int
	RatesSkipped int
	TxHash       string
	BlockNumber  int64
	GasUsed      int64
	Error        string
	Updated      []rate.Type
	Skipped      []rate.Type
}

// Options parameterise the oracle client.
type Options struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	RequestTimeout  time.Duration
	ConfirmTimeout  time.Duration
}

// Client talks to the oracle contract over Ethereum RPC.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	contract  common.Address
	key       *ecdsa.PrivateKey
	from      common.Address
	client    *ethclient.Client
	clientMux sync.Mutex
}

// New builds an oracle client. The private key is only required for
// submission; a read-only client may omit it.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("oracle rpc url not configured")
	}
	if opts.ContractAddress == "" {
		return nil, errors.New("oracle contract address not configured")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 3 * time.Minute
	}

	c := &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "oracle_client").Logger(),
		contract: common.HexToAddress(opts.ContractAddress),
	}

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// Updater returns the submitting account address.
func (c *Client) Updater() common.Address { return c.from }

// CheckConnection verifies RPC reachability and returns chain id and head block.
func (c *Client) CheckConnection(ctx context.Context) (*big.Int, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, 0, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, 0, err
	}
	block, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}
	return chainID, block, nil
}

// Balance returns the updater account balance in ether.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	wei, err := client.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// GetCurrentRate reads the contract's stored record for a rate type.
// A contract revert means no record exists and maps to ErrRateNotFound.
func (c *Client) GetCurrentRate(ctx context.Context, t rate.Type) (*StoredRate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := oracleABI.Pack("getRate", t.String())
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: payload}, nil)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %s", ErrRateNotFound, t)
		}
		return nil, err
	}

	outputs, err := oracleABI.Unpack("getRate", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 3 {
		return nil, errors.New("unexpected getRate response")
	}

	answer, ok1 := outputs[0].(*big.Int)
	updatedAt, ok2 := outputs[1].(*big.Int)
	refDate, ok3 := outputs[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("failed to decode getRate output")
	}

	return &StoredRate{
		RateType:      t,
		Answer:        answer.Int64(),
		UpdatedAt:     time.Unix(updatedAt.Int64(), 0).UTC(),
		ReferenceDate: int(refDate.Int64()),
	}, nil
}

// GetAllCurrentRates reads every rate type, silently skipping those the
// contract does not know yet.
func (c *Client) GetAllCurrentRates(ctx context.Context) (map[rate.Type]StoredRate, error) {
	results := make(map[rate.Type]StoredRate)
	for _, t := range rate.All() {
		stored, err := c.GetCurrentRate(ctx, t)
		if err != nil {
			if errors.Is(err, ErrRateNotFound) {
				continue
			}
			return nil, err
		}
		results[t] = *stored
	}
	return results, nil
}

// NeedsUpdate decides whether an observation should be submitted. An update
// is needed only when the contract has no record or its reference date is
// strictly older than the observation's; equal or newer on-chain dates are a
// skip, never an error.
func (c *Client) NeedsUpdate(ctx context.Context, obs bcb.Observation) (bool, string, error) {
	current, err := c.GetCurrentRate(ctx, obs.RateType)
	if err != nil {
		if errors.Is(err, ErrRateNotFound) {
			return true, "no_existing_data", nil
		}
		return false, "", err
	}

	switch {
	case current.ReferenceDate == obs.ReferenceDate:
		return false, fmt.Sprintf("same_date:%d", obs.ReferenceDate), nil
	case current.ReferenceDate > obs.ReferenceDate:
		return false, fmt.Sprintf("source_data_older:%d<%d", obs.ReferenceDate, current.ReferenceDate), nil
	default:
		return true, fmt.Sprintf("new_date:%d->%d", current.ReferenceDate, obs.ReferenceDate), nil
	}
}

// SubmitSingle sends one updateRate transaction and waits for confirmation.
func (c *Client) SubmitSingle(ctx context.Context, obs bcb.Observation) (SubmitResult, error) {
	if c.key == nil {
		return SubmitResult{}, errors.New("oracle private key not configured")
	}

	c.logger.Info().
		Str("rate_type", obs.RateType.String()).
		Int64("scaled", obs.ScaledValue).
		Int("reference_date", obs.ReferenceDate).
		Msg("submitting rate update")

	payload, err := oracleABI.Pack("updateRate",
		obs.RateType.String(),
		big.NewInt(obs.ScaledValue),
		big.NewInt(int64(obs.ReferenceDate)),
		obs.Source,
	)
	if err != nil {
		return SubmitResult{}, err
	}

	receipt, txHash, err := c.transact(ctx, payload, singleGasMargin)
	if err != nil {
		return SubmitResult{Error: err.Error()}, err
	}

	result := SubmitResult{
		TxHash:      txHash.Hex(),
		BlockNumber: receipt.BlockNumber.Int64(),
		GasUsed:     int64(receipt.GasUsed),
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		result.Success = true
		result.RatesUpdated = 1
		result.Updated = []rate.Type{obs.RateType}
		c.logger.Info().
			Str("rate_type", obs.RateType.String()).
			Str("tx_hash", result.TxHash).
			Int64("block", result.BlockNumber).
			Msg("rate update confirmed")
	} else {
		result.Error = "transaction reverted"
		c.logger.Error().
			Str("rate_type", obs.RateType.String()).
			Str("tx_hash", result.TxHash).
			Msg("rate update reverted")
	}
	return result, nil
}

// SubmitBatch sends the full candidate set in one batchUpdateRates call.
// The contract skips same-date items itself, so the payload is not filtered;
// the per-item pre-check only shapes the reported updated/skipped counts.
// A revert fails every submitted rate type, batch failure is all-or-nothing
// at the chain level.
func (c *Client) SubmitBatch(ctx context.Context, observations []bcb.Observation) (SubmitResult, error) {
	if c.key == nil {
		return SubmitResult{}, errors.New("oracle private key not configured")
	}
	if len(observations) == 0 {
		return SubmitResult{Success: true}, nil
	}

	var toUpdate, toSkip []rate.Type
	for _, obs := range observations {
		needed, reason, err := c.NeedsUpdate(ctx, obs)
		if err != nil {
			return SubmitResult{Error: err.Error()}, err
		}
		if needed {
			toUpdate = append(toUpdate, obs.RateType)
		} else {
			c.logger.Info().
				Str("rate_type", obs.RateType.String()).
				Str("reason", reason).
				Msg("skipping up-to-date rate")
			toSkip = append(toSkip, obs.RateType)
		}
	}

	if len(toUpdate) == 0 {
		c.logger.Info().Msg("all rates up to date, nothing to submit")
		return SubmitResult{
			Success:      true,
			RatesSkipped: len(toSkip),
			Skipped:      toSkip,
		}, nil
	}

	rateTypes := make([]string, 0, len(observations))
	answers := make([]*big.Int, 0, len(observations))
	refDates := make([]*big.Int, 0, len(observations))
	sources := make([]string, 0, len(observations))
	for _, obs := range observations {
		rateTypes = append(rateTypes, obs.RateType.String())
		answers = append(answers, big.NewInt(obs.ScaledValue))
		refDates = append(refDates, big.NewInt(int64(obs.ReferenceDate)))
		sources = append(sources, obs.Source)
	}

	payload, err := oracleABI.Pack("batchUpdateRates", rateTypes, answers, refDates, sources)
	if err != nil {
		return SubmitResult{Error: err.Error()}, err
	}

	c.logger.Info().
		Int("candidates", len(toUpdate)).
		Int("skipped", len(toSkip)).
		Msg("submitting batch rate update")

	receipt, txHash, err := c.transact(ctx, payload, batchGasMargin)
	if err != nil {
		return SubmitResult{
			RatesSkipped: len(toSkip),
			Skipped:      toSkip,
			Error:        err.Error(),
		}, err
	}

	result := SubmitResult{
		TxHash:       txHash.Hex(),
		BlockNumber:  receipt.BlockNumber.Int64(),
		GasUsed:      int64(receipt.GasUsed),
		RatesSkipped: len(toSkip),
		Skipped:      toSkip,
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		result.Error = "transaction reverted"
		c.logger.Error().Str("tx_hash", result.TxHash).Msg("batch update reverted")
		return result, nil
	}

	result.Success = true
	result.Updated = toUpdate

	// The contract's skip path emits no event, so the RateUpdated count is
	// the authoritative number of entries that changed state. An empty log
	// set (some RPC providers prune receipts aggressively) falls back to the
	// pre-check candidate count.
	eventCount := countRateUpdatedEvents(receipt)
	if eventCount > 0 || len(receipt.Logs) > 0 {
		result.RatesUpdated = eventCount
	} else {
		result.RatesUpdated = len(toUpdate)
	}

	c.logger.Info().
		Int("updated", result.RatesUpdated).
		Int("skipped", result.RatesSkipped).
		Str("tx_hash", result.TxHash).
		Int64("block", result.BlockNumber).
		Msg("batch update confirmed")
	return result, nil
}

// transact estimates gas, applies the safety margin, signs, broadcasts, and
// waits for the receipt. The confirmation wait is bounded by ConfirmTimeout
// so a stuck transaction surfaces as a failed submission instead of hanging.
func (c *Client) transact(ctx context.Context, payload []byte, margin float64) (*types.Receipt, common.Hash, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, common.Hash{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	chainID, err := client.ChainID(reqCtx)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := client.PendingNonceAt(reqCtx, c.from)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(reqCtx)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gasEstimate, err := client.EstimateGas(reqCtx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: payload,
	})
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := uint64(float64(gasEstimate) * margin)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     payload,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(reqCtx, signed); err != nil {
		return nil, common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Info().Str("tx_hash", signed.Hash().Hex()).Uint64("gas_limit", gasLimit).Msg("transaction sent")

	waitCtx, cancelWait := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancelWait()

	receipt, err := bind.WaitMined(waitCtx, client, signed)
	if err != nil {
		return nil, signed.Hash(), fmt.Errorf("wait for confirmation: %w", err)
	}
	return receipt, signed.Hash(), nil
}

func countRateUpdatedEvents(receipt *types.Receipt) int {
	eventID := oracleABI.Events["RateUpdated"].ID
	count := 0
	for _, log := range receipt.Logs {
		if len(log.Topics) > 0 && log.Topics[0] == eventID {
			count++
		}
	}
	return count
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
