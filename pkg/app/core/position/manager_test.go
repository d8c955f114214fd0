package position_test

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/lifecycle"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/storage"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	trader1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	trader2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func e18(v int64) *big.Int { return fixedpoint.Units(v) }

func requireBig(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.Equal(t, 0, want.Cmp(got), "want %s got %s", want, got)
}

type settlementCall struct {
	method string
	isLong bool
	amount *big.Int
}

type recordingSettlement struct {
	mu    sync.Mutex
	calls []settlementCall
}

func (r *recordingSettlement) add(c settlementCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recordingSettlement) IncreaseOI(_ common.Address, isLong bool, size *big.Int) {
	r.add(settlementCall{"increaseOI", isLong, size})
}

func (r *recordingSettlement) DecreaseOI(_ common.Address, isLong bool, size *big.Int) {
	r.add(settlementCall{"decreaseOI", isLong, size})
}

func (r *recordingSettlement) SettleTraderPnL(_ common.Address, amount *big.Int, isProfit bool) {
	r.add(settlementCall{"settleTraderPnL", isProfit, amount})
}

func (r *recordingSettlement) CollectFee(_ common.Address, amount *big.Int) {
	r.add(settlementCall{"collectFee", false, amount})
}

func (r *recordingSettlement) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

type fixture struct {
	mgr    *position.Manager
	store  *storage.Store
	settle *recordingSettlement
	events *notify.Ring
	clock  *util.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newFixtureWithRepo(t, s, storage.NewPositionStore(s))
}

func newFixtureWithRepo(t *testing.T, s *storage.Store, repo position.Repository) *fixture {
	t.Helper()
	f := &fixture{
		store:  s,
		settle: &recordingSettlement{},
		events: notify.NewRing(64),
		clock:  util.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	mgr, err := position.NewManager(repo, position.Config{
		BaseMMRBps:            200,
		LargePositionNotional: e18(1_000),
	}, position.Deps{
		Settlement: f.settle,
		Events:     f.events,
		Clock:      f.clock,
	})
	require.NoError(t, err)
	f.mgr = mgr
	return f
}

// match10x builds a 10x match of size units at price.
func match10x(size, price int64) position.Match {
	return position.Match{
		LongOrder:  position.Order{ID: "o-long", Trader: trader1, Token: token, Leverage: 100_000},
		ShortOrder: position.Order{ID: "o-short", Trader: trader2, Token: token, Leverage: 100_000},
		Price:      e18(price),
		Size:       e18(size),
	}
}

func TestCreatePair(t *testing.T) {
	f := newFixture(t)

	long, short, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	assert.Equal(t, long.PairID, short.PairID)
	assert.NotEqual(t, long.ID, short.ID)
	assert.True(t, long.IsLong)
	assert.False(t, short.IsLong)
	assert.Equal(t, trader2, long.Counterparty)
	assert.Equal(t, trader1, short.Counterparty)
	assert.Equal(t, position.Open, long.Status)

	assert.Equal(t, int64(200), long.MMR)
	requireBig(t, e18(10), long.Collateral)
	requireBig(t, e18(2), long.MaintenanceMargin)
	requireBig(t, e18(92), long.LiquidationPrice)
	requireBig(t, e18(108), short.LiquidationPrice)
	requireBig(t, e18(90), long.BankruptcyPrice)
	assert.Equal(t, int64(2_000), long.MarginRatio)
	assert.Equal(t, position.RiskLow, long.RiskLevel)

	assert.Equal(t, 2, f.settle.count("increaseOI"))
	assert.Len(t, f.events.OfType(notify.EventPositionOpened), 1)
	assert.Len(t, f.events.OfType(notify.EventLargePosition), 0)

	open := f.mgr.OpenPositions(token)
	assert.Len(t, open, 2)
}

func TestCreatePairLargePositionEvent(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.mgr.CreatePair(match10x(10, 100))
	require.NoError(t, err)
	assert.Len(t, f.events.OfType(notify.EventLargePosition), 1)
}

func TestCreatePairRejectsInvalidMatch(t *testing.T) {
	f := newFixture(t)

	m := match10x(1, 100)
	m.Price = fixedpoint.Zero()
	_, _, err := f.mgr.CreatePair(m)
	assert.ErrorIs(t, err, position.ErrInvalidArgument)

	m = match10x(1, 100)
	m.ShortOrder.Token = trader1
	_, _, err = f.mgr.CreatePair(m)
	assert.ErrorIs(t, err, position.ErrInvalidArgument)
}

type failingPairRepo struct {
	*storage.PositionStore
}

func (failingPairRepo) SavePair(_, _ *position.Position) error { return errors.New("disk full") }

func TestCreatePairIsAtomic(t *testing.T) {
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ps := storage.NewPositionStore(s)
	f := newFixtureWithRepo(t, s, failingPairRepo{ps})

	_, _, err = f.mgr.CreatePair(match10x(1, 100))
	require.ErrorIs(t, err, position.ErrPairWrite)

	assert.Empty(t, f.mgr.OpenPositions(token))
	stored, err := ps.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 0, f.settle.count("increaseOI"))
}

type rejectingLimits struct{ err error }

func (l rejectingLimits) CheckOpen(common.Address, int64, *big.Int, *big.Int) error { return l.err }
func (rejectingLimits) TakerFeeBps(common.Address) int64                          { return 10 }

func TestCreatePairHonoursLimits(t *testing.T) {
	f := newFixture(t)

	sentinel := errors.New("trading disabled")
	f.mgr.SetLimits(rejectingLimits{err: sentinel})
	_, _, err := f.mgr.CreatePair(match10x(1, 100))
	assert.ErrorIs(t, err, sentinel)

	f.mgr.SetLimits(rejectingLimits{})
	long, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)
	// 10 bps of notional 100
	requireBig(t, new(big.Int).Div(e18(1), big.NewInt(10)), long.OpenFee)
	assert.Equal(t, 2, f.settle.count("collectFee"))
}

func TestCreatePairRevivesDeadToken(t *testing.T) {
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	tracker, err := lifecycle.NewTracker(lifecycle.Config{}, lifecycle.Deps{Clock: clock})
	require.NoError(t, err)
	mgr, err := position.NewManager(storage.NewPositionStore(s), position.Config{BaseMMRBps: 200}, position.Deps{
		Activity: tracker,
		Limits:   tracker,
		Clock:    clock,
	})
	require.NoError(t, err)

	tracker.Register(token)
	clock.Advance(13 * time.Hour)
	tracker.Sweep()
	require.Equal(t, lifecycle.Dead, tracker.State(token))

	// 5000 notional at 10x: the fill revives the token straight to ACTIVE,
	// whose bundle admits the legs.
	long, short, err := mgr.CreatePair(match10x(50, 100))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Active, tracker.State(token))
	assert.Equal(t, position.Open, long.Status)
	assert.Equal(t, position.Open, short.Status)

	info, ok := tracker.Info(token)
	require.True(t, ok)
	assert.Equal(t, 1, info.Trades1h)
	assert.Equal(t, 2, info.Positions)
}

func TestPartialCloseProRatesCollateral(t *testing.T) {
	f := newFixture(t)
	long, _, err := f.mgr.CreatePair(match10x(4, 100))
	require.NoError(t, err)
	requireBig(t, e18(40), long.Collateral)

	res, err := f.mgr.ClosePosition(long.ID, e18(110), e18(1))
	require.NoError(t, err)
	assert.False(t, res.Full)

	p := res.Position
	assert.Equal(t, position.Open, p.Status)
	requireBig(t, e18(3), p.Size)
	requireBig(t, e18(30), p.Collateral)
	requireBig(t, e18(100), p.EntryPrice)
	requireBig(t, e18(100), p.AverageEntryPrice)
	requireBig(t, e18(10), res.PnL)
	requireBig(t, e18(10), p.RealizedPnL)
	requireBig(t, e18(10), res.ReleasedCollateral)

	// collateral_after / collateral_before == (size - closeSize) / size
	lhs := new(big.Int).Mul(p.Collateral, long.Size)
	rhs := new(big.Int).Mul(long.Collateral, p.Size)
	requireBig(t, lhs, rhs)

	assert.Equal(t, 1, f.settle.count("decreaseOI"))
	assert.Equal(t, 1, f.settle.count("settleTraderPnL"))
}

func TestFullCloseIsTerminal(t *testing.T) {
	f := newFixture(t)
	long, short, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	res, err := f.mgr.ClosePosition(long.ID, e18(90), nil)
	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, position.Closed, res.Position.Status)
	requireBig(t, e18(-10), res.Position.RealizedPnL)
	assert.NotZero(t, res.Position.ClosedAt)

	_, err = f.mgr.ClosePosition(long.ID, e18(90), nil)
	assert.ErrorIs(t, err, position.ErrInvalidState)

	_, err = f.mgr.UpdateRisk(long.ID, e18(95))
	assert.ErrorIs(t, err, position.ErrInvalidState)

	got, err := f.mgr.Get(long.ID)
	require.NoError(t, err)
	assert.Equal(t, position.Closed, got.Status)

	open := f.mgr.OpenPositions(token)
	require.Len(t, open, 1)
	assert.Equal(t, short.ID, open[0].ID)
}

func TestCloseForTraderChecksOwnership(t *testing.T) {
	f := newFixture(t)
	long, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	_, err = f.mgr.CloseForTrader(trader2, long.ID, e18(100), nil)
	assert.ErrorIs(t, err, position.ErrUnauthorized)

	_, err = f.mgr.CloseForTrader(trader1, long.ID, e18(100), nil)
	assert.NoError(t, err)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Get("missing")
	assert.ErrorIs(t, err, position.ErrNotFound)
	_, err = f.mgr.ClosePosition("missing", e18(1), nil)
	assert.ErrorIs(t, err, position.ErrNotFound)
	_, err = f.mgr.TryBeginLiquidation("missing")
	assert.ErrorIs(t, err, position.ErrNotFound)
}

func TestUpdateRiskLevels(t *testing.T) {
	// Long 1 @ 100, 10x: collateral 10, maintenance margin 2.
	tests := []struct {
		name  string
		mark  *big.Int
		ratio int64
		level position.RiskLevel
	}{
		{"at entry", e18(100), 2_000, position.RiskLow},
		{"medium", e18(94), 5_000, position.RiskMedium},
		{"high", new(big.Int).Div(e18(185), big.NewInt(2)), 8_000, position.RiskHigh},
		{"liquidation price", e18(92), 10_000, position.RiskCritical},
		{"bankrupt", e18(80), 10_000, position.RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			long, _, err := f.mgr.CreatePair(match10x(1, 100))
			require.NoError(t, err)

			p, err := f.mgr.UpdateRisk(long.ID, tt.mark)
			require.NoError(t, err)
			assert.Equal(t, tt.ratio, p.MarginRatio)
			assert.Equal(t, tt.level, p.RiskLevel)
			assert.Equal(t, tt.ratio >= 10_000, p.IsLiquidatable())
		})
	}
}

func TestUpdateRiskForToken(t *testing.T) {
	f := newFixture(t)
	long, short, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	n, err := f.mgr.UpdateRiskForToken(token, e18(110))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	l, err := f.mgr.Get(long.ID)
	require.NoError(t, err)
	s, err := f.mgr.Get(short.ID)
	require.NoError(t, err)

	requireBig(t, e18(10), l.UnrealizedPnL)
	requireBig(t, e18(20), l.Margin)
	assert.Equal(t, int64(10_000), l.ROE)
	assert.True(t, l.IsADLCandidate())
	requireBig(t, big.NewInt(100_000), l.ADLScore)

	requireBig(t, e18(-10), s.UnrealizedPnL)
	assert.True(t, s.IsLiquidatable())
	assert.False(t, s.IsADLCandidate())
}

func TestLiquidationGuardIsCompareAndSet(t *testing.T) {
	f := newFixture(t)
	long, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.mgr.TryBeginLiquidation(long.ID)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	f.mgr.EndLiquidation(long.ID)
	ok, err := f.mgr.TryBeginLiquidation(long.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLiquidateRequiresGuard(t *testing.T) {
	f := newFixture(t)
	long, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	_, err = f.mgr.Liquidate(long.ID, e18(91))
	assert.ErrorIs(t, err, position.ErrInvalidState)

	ok, err := f.mgr.TryBeginLiquidation(long.ID)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.mgr.Liquidate(long.ID, e18(91))
	require.NoError(t, err)
	assert.Equal(t, position.Liquidated, res.Position.Status)
	assert.False(t, res.Position.IsLiquidating)
	// collateral 10 + pnl -9
	requireBig(t, e18(1), res.RemainingCollateral)
	assert.Equal(t, 0, f.settle.count("settleTraderPnL"))
}

func TestAddToPositionAveragesEntry(t *testing.T) {
	f := newFixture(t)
	long, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)

	p, err := f.mgr.AddToPosition(long.ID, e18(1), e18(110), e18(11))
	require.NoError(t, err)
	requireBig(t, e18(2), p.Size)
	requireBig(t, e18(105), p.AverageEntryPrice)
	requireBig(t, e18(100), p.EntryPrice)
	requireBig(t, e18(21), p.Collateral)
	assert.Equal(t, -1, p.LiquidationPrice.Cmp(e18(105)))
	assert.Equal(t, 3, f.settle.count("increaseOI"))

	_, err = f.mgr.AddToPosition(long.ID, fixedpoint.Zero(), e18(110), nil)
	assert.ErrorIs(t, err, position.ErrInvalidArgument)
}

func TestManagerReloadsOpenPositions(t *testing.T) {
	f := newFixture(t)
	long, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)
	ok, err := f.mgr.TryBeginLiquidation(long.ID)
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := position.NewManager(storage.NewPositionStore(f.store), position.Config{BaseMMRBps: 200}, position.Deps{})
	require.NoError(t, err)

	open := reloaded.OpenPositions(token)
	require.Len(t, open, 2)
	for _, p := range open {
		assert.False(t, p.IsLiquidating)
	}
	assert.Equal(t, []common.Address{token}, reloaded.Tokens())
}

func TestRiskSummaryAndByTrader(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.mgr.CreatePair(match10x(1, 100))
	require.NoError(t, err)
	_, err = f.mgr.UpdateRiskForToken(token, e18(92))
	require.NoError(t, err)

	s := f.mgr.RiskSummary(token)
	assert.Equal(t, 2, s.OpenPositions)
	requireBig(t, e18(100), s.LongOI)
	requireBig(t, e18(100), s.ShortOI)
	requireBig(t, e18(20), s.TotalCollateral)
	assert.Equal(t, 1, s.Liquidatable)
	assert.Equal(t, 1, s.ByRiskLevel["critical"])

	ps, err := f.mgr.ByTrader(trader1)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].IsLong)
}

func TestClassifyRisk(t *testing.T) {
	assert.Equal(t, position.RiskLow, position.ClassifyRisk(4_999))
	assert.Equal(t, position.RiskMedium, position.ClassifyRisk(5_000))
	assert.Equal(t, position.RiskHigh, position.ClassifyRisk(8_000))
	assert.Equal(t, position.RiskCritical, position.ClassifyRisk(10_000))
}
