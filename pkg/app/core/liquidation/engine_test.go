package liquidation

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/market"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/storage"
)

var (
	token      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	liquidator = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func e18(v int64) *big.Int { return fixedpoint.Units(v) }

// frac returns num/den units.
func frac(num, den int64) *big.Int {
	return new(big.Int).Quo(e18(num), big.NewInt(den))
}

type liquidationSettle struct {
	toPool, reward *big.Int
	liquidator     common.Address
	calls          int
}

type recordingSettle struct {
	mu   sync.Mutex
	last liquidationSettle
}

func (r *recordingSettle) SettleLiquidation(_ common.Address, toPool, reward *big.Int, who common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = liquidationSettle{toPool: toPool, reward: reward, liquidator: who, calls: r.last.calls + 1}
}

type harness struct {
	mgr    *position.Manager
	books  *market.Registry
	engine *Engine
	settle *recordingSettle
	events *notify.Ring
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	events := notify.NewRing(128)
	mgr, err := position.NewManager(storage.NewPositionStore(s), position.Config{BaseMMRBps: 200}, position.Deps{Events: events})
	require.NoError(t, err)

	h := &harness{
		mgr:    mgr,
		books:  market.NewRegistry(),
		settle: &recordingSettle{},
		events: events,
	}
	cfg.Liquidator = liquidator
	h.engine = NewEngine(mgr, h.books, cfg, Deps{Settlement: h.settle, Events: events})
	return h
}

// openPair opens a 10x pair at price 100 with the long posting longMargin.
func (h *harness) openPair(t *testing.T, longMargin *big.Int) (*position.Position, *position.Position) {
	t.Helper()
	long, short, err := h.mgr.CreatePair(position.Match{
		LongOrder:  position.Order{Trader: alice, Token: token, Leverage: 100_000, Margin: longMargin},
		ShortOrder: position.Order{Trader: bob, Token: token, Leverage: 100_000},
		Price:      e18(100),
		Size:       e18(1),
	})
	require.NoError(t, err)
	return long, short
}

func (h *harness) reprice(t *testing.T, price *big.Int) {
	t.Helper()
	h.books.SetMarkPrice(token, price)
	_, err := h.mgr.UpdateRiskForToken(token, price)
	require.NoError(t, err)
}

func TestUrgency(t *testing.T) {
	assert.Equal(t, 0, Urgency(9_000))
	assert.Equal(t, 0, Urgency(10_000))
	assert.Equal(t, 5, Urgency(10_550))
	assert.Equal(t, 100, Urgency(30_000))
}

func TestDetectOrdersByMarginRatio(t *testing.T) {
	h := newHarness(t, Config{})
	a, _ := h.openPair(t, e18(10))
	b, _ := h.openPair(t, frac(1005, 100))

	// Loss of 8.1 per long: a keeps 1.9 margin, b keeps 1.95.
	h.reprice(t, frac(919, 10))

	cs := h.engine.Detect(token)
	require.Len(t, cs, 2)
	assert.Equal(t, a.ID, cs[0].PositionID)
	assert.Equal(t, b.ID, cs[1].PositionID)
	assert.Greater(t, cs[0].MarginRatio, cs[1].MarginRatio)
	assert.True(t, cs[0].IsLong)

	ok, err := h.mgr.TryBeginLiquidation(a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	cs = h.engine.Detect(token)
	require.Len(t, cs, 1)
	assert.Equal(t, b.ID, cs[0].PositionID)
}

func TestTickLiquidatesAndSettles(t *testing.T) {
	h := newHarness(t, Config{})
	long, short := h.openPair(t, nil)
	h.books.SetMarkPrice(token, frac(915, 10))

	res := h.engine.Tick(context.Background())
	require.Len(t, res, 1)
	assert.Equal(t, long.ID, res[0].PositionID)
	assert.Nil(t, res[0].ADL)

	got, err := h.mgr.Get(long.ID)
	require.NoError(t, err)
	assert.Equal(t, position.Liquidated, got.Status)
	assert.False(t, got.IsLiquidating)

	// Remaining collateral 10 - 8.5 = 1.5; 5% goes to the liquidator.
	assert.Equal(t, 0, h.settle.last.reward.Cmp(frac(75, 1000)))
	assert.Equal(t, 0, h.settle.last.toPool.Cmp(frac(1425, 1000)))
	assert.Equal(t, liquidator, h.settle.last.liquidator)

	open := h.mgr.OpenPositions(token)
	require.Len(t, open, 1)
	assert.Equal(t, short.ID, open[0].ID)

	stats := h.engine.Stats()
	assert.Equal(t, uint64(1), stats.Executed)
	assert.Len(t, h.events.OfType(notify.EventLiquidation), 1)
}

func TestProcessQueueCapsPerCycle(t *testing.T) {
	h := newHarness(t, Config{MaxPerCycle: 1})
	h.openPair(t, nil)
	h.openPair(t, nil)
	h.reprice(t, e18(91))

	h.engine.UpdateQueue(h.engine.DetectAll())
	require.Len(t, h.engine.Queue(), 2)

	res := h.engine.ProcessQueue(context.Background())
	assert.Len(t, res, 1)
	assert.Len(t, h.engine.Queue(), 1)

	// A fresh detection pass replaces the queue rather than appending.
	h.engine.UpdateQueue(h.engine.DetectAll())
	assert.Len(t, h.engine.Queue(), 1)
}

func TestExecuteWithoutPriceReleasesGuard(t *testing.T) {
	h := newHarness(t, Config{})
	long, _ := h.openPair(t, nil)

	_, err := h.engine.ExecuteLiquidation(long.ID)
	assert.ErrorIs(t, err, ErrNoPrice)

	got, err := h.mgr.Get(long.ID)
	require.NoError(t, err)
	assert.Equal(t, position.Open, got.Status)
	assert.False(t, got.IsLiquidating)
	assert.Equal(t, uint64(1), h.engine.Stats().Failed)
}

func TestExecuteRejectsConcurrentAttempt(t *testing.T) {
	h := newHarness(t, Config{})
	long, _ := h.openPair(t, nil)
	h.books.SetMarkPrice(token, e18(91))

	ok, err := h.mgr.TryBeginLiquidation(long.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.engine.ExecuteLiquidation(long.ID)
	assert.ErrorIs(t, err, ErrAlreadyLiquidating)
}

func TestBankruptLiquidationRunsADL(t *testing.T) {
	h := newHarness(t, Config{})
	long, short := h.openPair(t, nil)

	// Long loses 15 on 10 collateral: deficit 5. Short equity is 25.
	h.reprice(t, e18(85))
	h.engine.RebuildADLQueues()

	res := h.engine.Tick(context.Background())
	require.Len(t, res, 1)
	require.Equal(t, long.ID, res[0].PositionID)
	require.NotNil(t, res[0].ADL)
	assert.Equal(t, 0, res[0].ADL.Covered.Cmp(e18(5)))
	assert.Equal(t, 0, res[0].ADL.Unrecovered.Sign())
	assert.Equal(t, 0, res[0].Reward.Sign())

	s, err := h.mgr.Get(short.ID)
	require.NoError(t, err)
	assert.Equal(t, position.Open, s.Status)
	// 1 × 5/25 closed
	assert.Equal(t, 0, s.Size.Cmp(frac(8, 10)))
	assert.Len(t, h.events.OfType(notify.EventADL), 1)
}

func TestHeatmap(t *testing.T) {
	h := newHarness(t, Config{})
	h.openPair(t, nil)
	h.books.SetMarkPrice(token, e18(100))

	hm, err := h.engine.Heatmap(token, 20)
	require.NoError(t, err)
	assert.Len(t, hm.PriceLevels, 20)
	assert.Equal(t, []string{"30m", "1h", "4h", "12h", "1d"}, hm.TimeSlots)
	require.Len(t, hm.Cells, 100)
	assert.Equal(t, 0, hm.MaxSize.Cmp(e18(1)))

	// Range 80-120 in steps of 2: long liquidates at 92, short at 108.
	longCell := hm.Cells[6]
	assert.Equal(t, 0, longCell.PriceLevel.Cmp(e18(92)))
	assert.Equal(t, int64(100), longCell.Intensity)
	assert.Equal(t, 0, longCell.LongSize.Cmp(e18(1)))

	shortCell := hm.Cells[14]
	assert.Equal(t, 0, shortCell.ShortSize.Cmp(e18(1)))

	older := hm.Cells[20+6]
	assert.Equal(t, "1h", older.TimeSlot)
	assert.Equal(t, int64(50), older.Intensity)

	_, err = h.engine.Heatmap(common.HexToAddress("0x01"), 0)
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestLiquidationMap(t *testing.T) {
	h := newHarness(t, Config{})
	h.openPair(t, nil)
	h.openPair(t, nil)

	m, err := h.engine.LiquidationMap(token, e18(5))
	require.NoError(t, err)
	require.Len(t, m.Longs, 1)
	require.Len(t, m.Shorts, 1)
	assert.Equal(t, 0, m.Longs[0].Price.Cmp(e18(90)))
	assert.Equal(t, 2, m.Longs[0].Count)
	assert.Equal(t, 0, m.Shorts[0].Price.Cmp(e18(105)))
	assert.Equal(t, 0, m.Shorts[0].Size.Cmp(e18(2)))
}
