package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/lending"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

var (
	chainID  = big.NewInt(31337)
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	borrower = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeBackend answers view calls from a table keyed by method name and
// records sent transactions.
type fakeBackend struct {
	mu       sync.Mutex
	abi      *abi.ABI
	results  map[string]*big.Int
	callErr  map[string]error
	nonce    uint64
	sent     []*types.Transaction
	sendErr  error
	receipts map[common.Hash]*types.Receipt

	// autoReceipt, when set, mines every sent tx with this status.
	autoReceipt *uint64
}

func newFakeBackend(parsed *abi.ABI) *fakeBackend {
	return &fakeBackend{
		abi:      parsed,
		results:  make(map[string]*big.Int),
		callErr:  make(map[string]error),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := b.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.callErr[method.Name]; err != nil {
		return nil, err
	}
	return method.Outputs.Pack(b.results[method.Name])
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	if b.autoReceipt != nil {
		b.receipts[tx.Hash()] = &types.Receipt{Status: *b.autoReceipt, TxHash: tx.Hash()}
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := GenerateKey(chainID)
	require.NoError(t, err)
	return s
}

func fastClient(backend Backend, signer *Signer) *Client {
	return NewClient(backend, signer, ClientConfig{ReceiptTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil)
}

func TestSignerFromPrivateKeyHex(t *testing.T) {
	s, err := FromPrivateKeyHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", chainID)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), s.Address())

	_, err = FromPrivateKeyHex("not-a-key", chainID)
	assert.Error(t, err)

	_, err = FromPrivateKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", nil)
	assert.Error(t, err)
}

func TestWadToBps(t *testing.T) {
	tests := []struct {
		name string
		wad  *big.Int
		want uint64
	}{
		{"nil", nil, 0},
		{"zero", big.NewInt(0), 0},
		{"92 percent", fixedpoint.MulDiv(fixedpoint.Precision, big.NewInt(92), big.NewInt(100)), 9_200},
		{"full", fixedpoint.Precision, 10_000},
		{"truncates", big.NewInt(99_999_999_999_999), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WadToBps(tt.wad))
		})
	}
}

func TestVaultSendsSignedCalls(t *testing.T) {
	backend := newFakeBackend(vaultABI)
	backend.nonce = 7
	signer := newTestSigner(t)
	vault := NewVault(fastClient(backend, signer), contract)

	require.NoError(t, vault.IncreaseOI(context.Background(), token, true, big.NewInt(500)))
	require.NoError(t, vault.SettleLiquidation(context.Background(), token, big.NewInt(9), nil, borrower))
	require.Len(t, backend.sent, 2)

	first := backend.sent[0]
	assert.Equal(t, contract, *first.To())
	assert.Equal(t, uint64(7), first.Nonce())
	assert.Equal(t, uint64(120_000), first.Gas())
	assert.Equal(t, uint64(8), backend.sent[1].Nonce())

	from, err := signer.Sender(first)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	method, err := vaultABI.MethodById(first.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "increaseOI", method.Name)
	args, err := method.Inputs.Unpack(first.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, token, args[0])
	assert.Equal(t, true, args[1])
	assert.Equal(t, 0, args[2].(*big.Int).Cmp(big.NewInt(500)))
}

func TestSendFailureRefetchesNonce(t *testing.T) {
	backend := newFakeBackend(vaultABI)
	backend.nonce = 3
	vault := NewVault(fastClient(backend, newTestSigner(t)), contract)

	backend.sendErr = errors.New("nonce too low")
	assert.Error(t, vault.CollectFee(context.Background(), borrower, big.NewInt(1)))

	backend.sendErr = nil
	backend.nonce = 5
	require.NoError(t, vault.CollectFee(context.Background(), borrower, big.NewInt(1)))
	assert.Equal(t, uint64(5), backend.sent[0].Nonce())
}

func TestReadOnlyClientRefusesToTransact(t *testing.T) {
	vault := NewVault(fastClient(newFakeBackend(vaultABI), nil), contract)
	assert.ErrorIs(t, vault.DecreaseOI(context.Background(), token, false, big.NewInt(1)), ErrReadOnly)
}

func TestLendingPoolReads(t *testing.T) {
	backend := newFakeBackend(lendingPoolABI)
	backend.results["getUtilization"] = fixedpoint.MulDiv(fixedpoint.Precision, big.NewInt(92), big.NewInt(100))
	backend.results["getUserBorrow"] = fixedpoint.Units(250)
	pool := NewLendingPool(fastClient(backend, nil), contract)

	u, err := pool.GetUtilization(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, uint64(9_200), u)

	b, err := pool.GetUserBorrow(context.Background(), token, borrower)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Cmp(fixedpoint.Units(250)))
}

func TestLiquidateBorrowOutcomes(t *testing.T) {
	success := types.ReceiptStatusSuccessful
	failed := types.ReceiptStatusFailed

	t.Run("mined", func(t *testing.T) {
		backend := newFakeBackend(lendingPoolABI)
		backend.results["liquidate"] = fixedpoint.Units(12)
		backend.autoReceipt = &success
		pool := NewLendingPool(fastClient(backend, newTestSigner(t)), contract)

		seized, err := pool.LiquidateBorrow(context.Background(), token, borrower)
		require.NoError(t, err)
		assert.Equal(t, 0, seized.Cmp(fixedpoint.Units(12)))
		assert.Len(t, backend.sent, 1)
	})

	t.Run("reverted on chain", func(t *testing.T) {
		backend := newFakeBackend(lendingPoolABI)
		backend.results["liquidate"] = fixedpoint.Units(12)
		backend.autoReceipt = &failed
		pool := NewLendingPool(fastClient(backend, newTestSigner(t)), contract)

		_, err := pool.LiquidateBorrow(context.Background(), token, borrower)
		assert.ErrorIs(t, err, lending.ErrReverted)
	})

	t.Run("preview reverts", func(t *testing.T) {
		backend := newFakeBackend(lendingPoolABI)
		backend.callErr["liquidate"] = errors.New("execution reverted: healthy")
		pool := NewLendingPool(fastClient(backend, newTestSigner(t)), contract)

		_, err := pool.LiquidateBorrow(context.Background(), token, borrower)
		assert.ErrorIs(t, err, lending.ErrReverted)
		assert.Empty(t, backend.sent)
	})

	t.Run("no receipt", func(t *testing.T) {
		backend := newFakeBackend(lendingPoolABI)
		backend.results["liquidate"] = fixedpoint.Units(12)
		pool := NewLendingPool(fastClient(backend, newTestSigner(t)), contract)

		_, err := pool.LiquidateBorrow(context.Background(), token, borrower)
		assert.ErrorIs(t, err, lending.ErrConfirmationTimeout)
	})
}
