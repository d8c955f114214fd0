package bridge

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/storage"
)

var (
	token  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	trader = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type call struct {
	method Method
	amount *big.Int
}

// fakeVault records calls and fails the first failures[method] attempts.
type fakeVault struct {
	mu       sync.Mutex
	calls    []call
	failures map[Method]int
}

func newFakeVault() *fakeVault {
	return &fakeVault{failures: make(map[Method]int)}
}

func (v *fakeVault) record(m Method, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, call{method: m, amount: amount})
	if v.failures[m] > 0 {
		v.failures[m]--
		return errors.New("rpc unavailable")
	}
	return nil
}

func (v *fakeVault) Calls() []call {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]call(nil), v.calls...)
}

func (v *fakeVault) IncreaseOI(_ context.Context, _ common.Address, _ bool, size *big.Int) error {
	return v.record(MethodIncreaseOI, size)
}

func (v *fakeVault) DecreaseOI(_ context.Context, _ common.Address, _ bool, size *big.Int) error {
	return v.record(MethodDecreaseOI, size)
}

func (v *fakeVault) SettleTraderPnL(_ context.Context, _ common.Address, amount *big.Int, _ bool) error {
	return v.record(MethodSettleTraderPnL, amount)
}

func (v *fakeVault) SettleLiquidation(_ context.Context, _ common.Address, toPool, _ *big.Int, _ common.Address) error {
	return v.record(MethodSettleLiquidation, toPool)
}

func (v *fakeVault) CollectFee(_ context.Context, _ common.Address, amount *big.Int) error {
	return v.record(MethodCollectFee, amount)
}

func newStore(t *testing.T) *storage.OutboxStore {
	t.Helper()
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return storage.NewOutboxStore(s)
}

func run(t *testing.T, o *Outbox) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestOutboxDeliversInOrder(t *testing.T) {
	vault := newFakeVault()
	store := newStore(t)
	o := NewOutbox(vault, Config{}, Deps{Store: store})

	o.IncreaseOI(token, true, big.NewInt(100))
	o.CollectFee(trader, big.NewInt(1))
	o.SettleTraderPnL(trader, big.NewInt(7), true)
	o.SettleLiquidation(token, big.NewInt(9), big.NewInt(1), trader)
	run(t, o)

	require.Eventually(t, func() bool { return len(vault.Calls()) == 4 }, time.Second, 5*time.Millisecond)
	calls := vault.Calls()
	assert.Equal(t, MethodIncreaseOI, calls[0].method)
	assert.Equal(t, MethodCollectFee, calls[1].method)
	assert.Equal(t, MethodSettleTraderPnL, calls[2].method)
	assert.Equal(t, MethodSettleLiquidation, calls[3].method)

	require.Eventually(t, func() bool {
		pending, err := store.Pending()
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(4), o.Stats().Delivered)
}

func TestOutboxCopiesAmounts(t *testing.T) {
	vault := newFakeVault()
	o := NewOutbox(vault, Config{}, Deps{})

	amount := big.NewInt(50)
	o.DecreaseOI(token, false, amount)
	amount.SetInt64(1)
	run(t, o)

	require.Eventually(t, func() bool { return len(vault.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(50), vault.Calls()[0].amount.Int64())
}

func TestOutboxRetriesThenSucceeds(t *testing.T) {
	vault := newFakeVault()
	vault.failures[MethodIncreaseOI] = 2
	o := NewOutbox(vault, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond}, Deps{})

	o.IncreaseOI(token, true, big.NewInt(10))
	run(t, o)

	require.Eventually(t, func() bool { return o.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, vault.Calls(), 3)
	assert.Equal(t, uint64(0), o.Stats().Failed)
}

func TestOutboxAbandonsAfterMaxAttempts(t *testing.T) {
	vault := newFakeVault()
	vault.failures[MethodCollectFee] = 10
	store := newStore(t)
	o := NewOutbox(vault, Config{MaxAttempts: 2, RetryBackoff: time.Millisecond}, Deps{Store: store})

	o.CollectFee(trader, big.NewInt(3))
	o.IncreaseOI(token, true, big.NewInt(10))
	run(t, o)

	require.Eventually(t, func() bool { return o.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	// Two attempts for the fee, then the next intent goes through.
	assert.Len(t, vault.Calls(), 3)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxDropsWhenFull(t *testing.T) {
	vault := newFakeVault()
	store := newStore(t)
	o := NewOutbox(vault, Config{QueueSize: 1}, Deps{Store: store})

	o.IncreaseOI(token, true, big.NewInt(1))
	o.IncreaseOI(token, true, big.NewInt(2))
	o.IncreaseOI(token, true, big.NewInt(3))

	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(2), stats.Dropped)
	assert.Equal(t, 1, stats.Pending)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(1), pending[0].Seq)
}

func TestOutboxReplaysAfterRestart(t *testing.T) {
	store := newStore(t)

	// First process enqueues and dies before delivering.
	first := NewOutbox(newFakeVault(), Config{}, Deps{Store: store})
	first.SettleTraderPnL(trader, big.NewInt(42), false)
	first.DecreaseOI(token, true, big.NewInt(5))

	vault := newFakeVault()
	second := NewOutbox(vault, Config{}, Deps{Store: store})
	require.NoError(t, second.Load())

	second.CollectFee(trader, big.NewInt(1))
	run(t, second)

	require.Eventually(t, func() bool { return len(vault.Calls()) == 3 }, time.Second, 5*time.Millisecond)
	calls := vault.Calls()
	assert.Equal(t, MethodSettleTraderPnL, calls[0].method)
	assert.Equal(t, int64(42), calls[0].amount.Int64())
	assert.Equal(t, MethodDecreaseOI, calls[1].method)
	assert.Equal(t, MethodCollectFee, calls[2].method)

	require.Eventually(t, func() bool {
		pending, err := store.Pending()
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
}
