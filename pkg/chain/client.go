// Package chain talks to the EVM contracts behind the settlement vault and
// the lending pool.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/util"
)

var (
	ErrReceiptTimeout = errors.New("receipt not found before timeout")
	ErrTxFailed       = errors.New("transaction failed")
	ErrReadOnly       = errors.New("no signer configured")
)

const (
	DefaultReceiptTimeout = 60 * time.Second
	DefaultPollInterval   = time.Second
	// Estimated gas is padded by this percentage.
	gasHeadroomPct = 20
)

// Backend is the subset of ethclient.Client used here.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to an RPC endpoint and returns the client with its chain id.
func Dial(ctx context.Context, url string) (*ethclient.Client, *big.Int, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	return client, chainID, nil
}

type ClientConfig struct {
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Client packs calls against a contract ABI and sends signed transactions
// with a locally tracked nonce.
type Client struct {
	backend Backend
	signer  *Signer
	cfg     ClientConfig
	log     *zap.SugaredLogger

	nonceMu sync.Mutex
	nonce   *uint64
}

// NewClient returns a client. signer may be nil for read-only use.
func NewClient(backend Backend, signer *Signer, cfg ClientConfig, log *zap.SugaredLogger) *Client {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = util.NopSugar()
	}
	return &Client{backend: backend, signer: signer, cfg: cfg, log: log}
}

func (c *Client) from() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Call runs a read-only call and unpacks the outputs.
func (c *Client) Call(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from(), To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// CallBig is Call for methods returning a single uint256.
func (c *Client) CallBig(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.Call(ctx, contract, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}

// Transact packs, signs and sends a transaction. It returns once the node
// accepts it.
func (c *Client) Transact(ctx context.Context, contract common.Address, parsed *abi.ABI, method string, args ...interface{}) (*types.Transaction, error) {
	if c.signer == nil {
		return nil, ErrReadOnly
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return nil, err
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s gas estimation failed: %w", method, err)
	}
	gas += gas * gasHeadroomPct / 100

	tx, err := c.signer.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}))
	if err != nil {
		return nil, err
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		// Refetch next time; the node may or may not have seen this nonce.
		c.nonce = nil
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	next := nonce + 1
	c.nonce = &next

	c.log.Debugw("tx_sent", "method", method, "hash", tx.Hash().Hex(), "nonce", nonce)
	return tx, nil
}

func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	if c.nonce != nil {
		return *c.nonce, nil
	}
	n, err := c.backend.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return n, nil
}

// WaitMined polls for the receipt of hash. A missing receipt after
// ReceiptTimeout returns ErrReceiptTimeout; a failed status returns
// ErrTxFailed alongside the receipt.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			c.log.Debugw("receipt_poll_failed", "hash", hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func mustParseABI(def string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return &parsed
}
