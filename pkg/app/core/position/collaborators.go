package position

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Repository persists positions. Get returns (nil, nil) for an unknown id.
type Repository interface {
	Get(id string) (*Position, error)
	Save(p *Position) error
	// SavePair writes both legs atomically: either both are stored or neither.
	SavePair(long, short *Position) error
	// SaveRisk writes tick-driven risk updates without forcing a sync.
	SaveRisk(ps []*Position) error
	ListOpen() ([]*Position, error)
	ListByTrader(trader common.Address) ([]*Position, error)
}

// Settlement mirrors position changes to the on-chain vault. Calls return
// immediately; delivery is best-effort.
type Settlement interface {
	IncreaseOI(token common.Address, isLong bool, sizeQuote *big.Int)
	DecreaseOI(token common.Address, isLong bool, sizeQuote *big.Int)
	SettleTraderPnL(trader common.Address, amount *big.Int, isProfit bool)
	CollectFee(trader common.Address, amount *big.Int)
}

// ActivityRecorder receives trade flow for the token activity state machine.
type ActivityRecorder interface {
	RecordTrade(token common.Address, volume *big.Int, at time.Time)
	RecordOpenInterest(token common.Address, long, short *big.Int, positions int)
}

// Limits gates new exposure by the token's current trading parameters.
type Limits interface {
	CheckOpen(token common.Address, leverage int64, margin, notional *big.Int) error
	TakerFeeBps(token common.Address) int64
}

type nopSettlement struct{}

func (nopSettlement) IncreaseOI(common.Address, bool, *big.Int)      {}
func (nopSettlement) DecreaseOI(common.Address, bool, *big.Int)      {}
func (nopSettlement) SettleTraderPnL(common.Address, *big.Int, bool) {}
func (nopSettlement) CollectFee(common.Address, *big.Int)            {}

type nopActivity struct{}

func (nopActivity) RecordTrade(common.Address, *big.Int, time.Time)            {}
func (nopActivity) RecordOpenInterest(common.Address, *big.Int, *big.Int, int) {}
