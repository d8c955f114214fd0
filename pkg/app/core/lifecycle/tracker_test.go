package lifecycle

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

var tok = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newTestTracker(t *testing.T) (*Tracker, *util.ManualClock, *notify.Ring) {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	ring := notify.NewRing(128)
	tr, err := NewTracker(Config{}, Deps{Events: ring, Clock: clock})
	require.NoError(t, err)
	return tr, clock, ring
}

func TestNewTokenStartsDormant(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.Register(tok)

	assert.Equal(t, Dormant, tr.State(tok))
	assert.True(t, tr.CanTrade(tok))
	assert.Equal(t, int64(15), tr.TakerFeeBps(tok))

	info, ok := tr.Info(tok)
	require.True(t, ok)
	assert.Equal(t, "DORMANT", info.StateName)
}

func TestDormantToActiveToHot(t *testing.T) {
	tr, clock, ring := newTestTracker(t)

	tr.RecordTrade(tok, fixedpoint.Units(1_000), clock.Now())
	assert.Equal(t, Active, tr.State(tok))

	for i := 0; i < 100; i++ {
		clock.Advance(time.Second)
		tr.RecordTrade(tok, fixedpoint.Units(500), clock.Now())
	}
	assert.Equal(t, Hot, tr.State(tok))
	assert.Equal(t, int64(200_000), tr.Params(tok).MaxLeverage)

	evs := ring.OfType(notify.EventLifecycleTransition)
	require.Len(t, evs, 2)
	assert.Equal(t, "HOT", evs[0].Data["to"])
}

func TestHotCoolsDownAfterMinimumDuration(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	tr.RecordTrade(tok, fixedpoint.Units(1_000), clock.Now())
	for i := 0; i < 100; i++ {
		tr.RecordTrade(tok, fixedpoint.Units(500), clock.Now())
	}
	require.Equal(t, Hot, tr.State(tok))

	// Still inside the minimum state duration.
	clock.Advance(59 * time.Minute)
	tr.Sweep()
	assert.Equal(t, Hot, tr.State(tok))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, Active, tr.State(tok))
}

func TestActiveCoolsToDormant(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	tr.RecordTrade(tok, fixedpoint.Units(1_000), clock.Now())
	require.Equal(t, Active, tr.State(tok))

	// 24h volume of 1000 is below the 5000 floor once the state has settled.
	clock.Advance(2 * time.Hour)
	tr.Sweep()
	assert.Equal(t, Dormant, tr.State(tok))
}

func TestInactivityKillsAndTradeRevives(t *testing.T) {
	tests := []struct {
		name   string
		volume int64
		want   State
	}{
		{"small trade revives dormant", 10, Dormant},
		{"large trade revives active", 5_000, Active},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, clock, _ := newTestTracker(t)
			tr.RecordTrade(tok, fixedpoint.Units(1), clock.Now())

			clock.Advance(12 * time.Hour)
			tr.Sweep()
			require.Equal(t, Dead, tr.State(tok))
			assert.False(t, tr.CanTrade(tok))
			assert.ErrorIs(t, tr.CheckOpen(tok, 10_000, fixedpoint.Units(100), fixedpoint.Units(100)), ErrTradingDisabled)

			tr.RecordTrade(tok, fixedpoint.Units(tt.volume), clock.Now())
			assert.Equal(t, tt.want, tr.State(tok))
		})
	}
}

func TestRegisteredTokenWithoutTradesDies(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	tr.Register(tok)
	clock.Advance(13 * time.Hour)
	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, Dead, tr.State(tok))
}

func TestGraduatedIsTerminal(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	tr.RecordTrade(tok, fixedpoint.Units(1_000), clock.Now())

	assert.True(t, tr.Graduate(tok))
	assert.False(t, tr.Graduate(tok))
	require.Equal(t, Graduated, tr.State(tok))

	for i := 0; i < 200; i++ {
		tr.RecordTrade(tok, fixedpoint.Units(10_000), clock.Now())
	}
	assert.Equal(t, Graduated, tr.State(tok))

	clock.Advance(48 * time.Hour)
	tr.Sweep()
	assert.Equal(t, Graduated, tr.State(tok))

	tr.RecordTrade(tok, fixedpoint.Units(1), clock.Now())
	assert.Equal(t, Graduated, tr.State(tok))
	assert.ErrorIs(t, tr.CheckOpen(tok, 10_000, fixedpoint.Units(100), fixedpoint.Units(100)), ErrTradingDisabled)
}

func TestCheckOpenLimits(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.Register(tok)

	tests := []struct {
		name     string
		leverage int64
		margin   int64
		notional int64
		wantErr  error
	}{
		{"within limits", 30_000, 10, 30, nil},
		{"leverage above dormant max", 50_000, 10, 50, ErrLimitExceeded},
		{"margin below minimum", 10_000, 5, 5, ErrLimitExceeded},
		{"leg too large", 10_000, 20_000, 20_000, ErrLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.CheckOpen(tok, tt.leverage, fixedpoint.Units(tt.margin), fixedpoint.Units(tt.notional))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWindowsPruneAfter24h(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	tr.RecordTrade(tok, fixedpoint.Units(10), clock.Now())
	clock.Advance(30 * time.Minute)
	tr.RecordTrade(tok, fixedpoint.Units(20), clock.Now())

	info, _ := tr.Info(tok)
	assert.Equal(t, 2, info.Trades1h)
	assert.Equal(t, 0, info.Volume1h.Cmp(fixedpoint.Units(30)))

	clock.Advance(45 * time.Minute)
	info, _ = tr.Info(tok)
	assert.Equal(t, 1, info.Trades1h)
	assert.Equal(t, 2, info.Trades24h)
}

func TestRecordOpenInterest(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.RecordOpenInterest(tok, fixedpoint.Units(100), fixedpoint.Units(80), 3)

	all := tr.All()
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].Positions)
	assert.Equal(t, 0, all[0].ShortOI.Cmp(fixedpoint.Units(80)))
}

func TestTransitionEventUsesClock(t *testing.T) {
	tr, clock, ring := newTestTracker(t)
	clock.Advance(5 * time.Minute)
	tr.RecordTrade(tok, fixedpoint.Units(1_000), clock.Now())

	evs := ring.OfType(notify.EventLifecycleTransition)
	require.Len(t, evs, 1)
	assert.Equal(t, clock.Now().UnixMilli(), evs[0].Timestamp)
}

func TestGraduatedTradesArePruned(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	tr.Register(tok)
	require.True(t, tr.Graduate(tok))

	// Closes keep reporting flow after graduation.
	for i := 0; i < 48; i++ {
		tr.RecordTrade(tok, fixedpoint.Units(10), clock.Now())
		clock.Advance(time.Hour)
	}
	tr.mu.Lock()
	n := len(tr.tokens[tok].trades)
	tr.mu.Unlock()
	assert.LessOrEqual(t, n, 24)
	assert.Equal(t, Graduated, tr.State(tok))
}

func TestPriceReservesAndCreatedAt(t *testing.T) {
	tr, clock, _ := newTestTracker(t)
	created := clock.Now()
	tr.RecordPrice(tok, fixedpoint.Units(100), clock.Now())

	info, ok := tr.Info(tok)
	require.True(t, ok)
	assert.Equal(t, created.UnixMilli(), info.CreatedAt)
	assert.Equal(t, 0, info.Price.Cmp(fixedpoint.Units(100)))
	assert.Equal(t, int64(0), info.PriceChange24hBps)
	assert.Nil(t, info.ReserveBase)

	clock.Advance(time.Hour)
	tr.RecordPrice(tok, fixedpoint.Units(80), clock.Now())
	tr.SetReserves(tok, fixedpoint.Units(900_000), fixedpoint.Units(25))

	info, _ = tr.Info(tok)
	assert.Equal(t, int64(-2_000), info.PriceChange24hBps)
	assert.Equal(t, 0, info.ReserveBase.Cmp(fixedpoint.Units(900_000)))
	assert.Equal(t, 0, info.ReserveQuote.Cmp(fixedpoint.Units(25)))
	assert.Equal(t, created.UnixMilli(), info.CreatedAt)

	// The 100 sample leaves the window; the change is measured from 80.
	clock.Advance(23*time.Hour + 30*time.Minute)
	tr.RecordPrice(tok, fixedpoint.Units(120), clock.Now())
	info, _ = tr.Info(tok)
	assert.Equal(t, int64(5_000), info.PriceChange24hBps)
}

type memStore struct {
	records map[common.Address]Record
	saves   int
}

func (m *memStore) Save(tok common.Address, r Record) error {
	if m.records == nil {
		m.records = make(map[common.Address]Record)
	}
	m.records[tok] = r
	m.saves++
	return nil
}

func (m *memStore) List() (map[common.Address]Record, error) {
	out := make(map[common.Address]Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func TestTrackerRestoresFromStore(t *testing.T) {
	store := &memStore{}
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))

	tr, err := NewTracker(Config{}, Deps{Store: store, Clock: clock})
	require.NoError(t, err)
	tr.RecordTrade(tok, fixedpoint.Units(1_000), clock.Now())
	require.Equal(t, Active, tr.State(tok))
	assert.Equal(t, Active, store.records[tok].State)

	clock.Advance(10 * time.Hour)
	reloaded, err := NewTracker(Config{}, Deps{Store: store, Clock: clock})
	require.NoError(t, err)
	reloaded.Register(tok)
	assert.Equal(t, Active, reloaded.State(tok))

	// The restored last trade still counts toward inactivity.
	clock.Advance(3 * time.Hour)
	assert.Equal(t, 1, reloaded.Sweep())
	assert.Equal(t, Dead, reloaded.State(tok))
	assert.Equal(t, Dead, store.records[tok].State)
}
