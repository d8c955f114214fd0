package lifecycle

import (
	"math/big"
	"time"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

// State is the activity state of a token.
type State int8

const (
	Dormant   State = iota // 0: listed, little flow
	Active                 // 1
	Hot                    // 2: heavy flow, widest limits
	Dead                   // 3: no trades for a long time
	Graduated              // 4: left the venue; terminal
)

func (s State) String() string {
	switch s {
	case Dormant:
		return "DORMANT"
	case Active:
		return "ACTIVE"
	case Hot:
		return "HOT"
	case Dead:
		return "DEAD"
	case Graduated:
		return "GRADUATED"
	default:
		return "UNKNOWN"
	}
}

// States lists every state in declaration order.
var States = []State{Dormant, Active, Hot, Dead, Graduated}

// Params is the trading parameter bundle attached to a state.
type Params struct {
	MaxLeverage     int64    `json:"maxLeverage"`     // basis points (10x = 100000)
	MinMargin       *big.Int `json:"minMargin"`       // 1e18 quote
	MakerFeeBps     int64    `json:"makerFeeBps"`     // negative is a rebate
	TakerFeeBps     int64    `json:"takerFeeBps"`
	MaxPositionSize *big.Int `json:"maxPositionSize"` // 1e18 quote notional per leg
	TradingEnabled  bool     `json:"tradingEnabled"`
}

// DefaultParams returns the bundle for every state.
//
// New tokens start DORMANT with conservative limits; limits widen as flow
// picks up and trading stops entirely once a token is DEAD or GRADUATED.
func DefaultParams() map[State]Params {
	return map[State]Params{
		// 3x, $10 min margin, $10k max leg
		Dormant: {
			MaxLeverage:     30_000,
			MinMargin:       fixedpoint.Units(10),
			MakerFeeBps:     5,
			TakerFeeBps:     15,
			MaxPositionSize: fixedpoint.Units(10_000),
			TradingEnabled:  true,
		},
		// 10x, $5 min margin, $100k max leg
		Active: {
			MaxLeverage:     100_000,
			MinMargin:       fixedpoint.Units(5),
			MakerFeeBps:     2,
			TakerFeeBps:     10,
			MaxPositionSize: fixedpoint.Units(100_000),
			TradingEnabled:  true,
		},
		// 20x, $5 min margin, $250k max leg, maker rebate
		Hot: {
			MaxLeverage:     200_000,
			MinMargin:       fixedpoint.Units(5),
			MakerFeeBps:     -1,
			TakerFeeBps:     8,
			MaxPositionSize: fixedpoint.Units(250_000),
			TradingEnabled:  true,
		},
		Dead: {
			MaxLeverage:     10_000,
			MinMargin:       fixedpoint.Units(10),
			TakerFeeBps:     15,
			MaxPositionSize: fixedpoint.Zero(),
		},
		Graduated: {
			MaxLeverage:     10_000,
			MinMargin:       fixedpoint.Units(10),
			TakerFeeBps:     15,
			MaxPositionSize: fixedpoint.Zero(),
		},
	}
}

// Thresholds drive the transitions. Volumes are 1e18 quote notional.
type Thresholds struct {
	// DORMANT → ACTIVE when either 1h figure is reached.
	ActivateVolume1h *big.Int
	ActivateTrades1h int

	// ACTIVE → HOT when both 1h figures are reached.
	HotVolume1h *big.Int
	HotTrades1h int

	// HOT → ACTIVE once 1h volume falls below HotExitVolume1h. Kept below
	// HotVolume1h so a token hovering at the line does not flap.
	HotExitVolume1h *big.Int

	// ACTIVE → DORMANT once 24h volume falls below DormantVolume24h.
	DormantVolume24h *big.Int

	// Cooldown transitions wait until the token has spent at least this long
	// in its current state.
	MinStateDuration time.Duration

	// Any non-terminal state → DEAD after this long without a trade.
	DeadAfter time.Duration

	// A trade on a DEAD token revives it to ACTIVE at or above this volume,
	// to DORMANT otherwise.
	ReviveActiveVolume *big.Int
}

// DefaultThresholds are tuned for memecoin flow.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ActivateVolume1h:   fixedpoint.Units(1_000),
		ActivateTrades1h:   10,
		HotVolume1h:        fixedpoint.Units(50_000),
		HotTrades1h:        100,
		HotExitVolume1h:    fixedpoint.Units(20_000),
		DormantVolume24h:   fixedpoint.Units(5_000),
		MinStateDuration:   time.Hour,
		DeadAfter:          12 * time.Hour,
		ReviveActiveVolume: fixedpoint.Units(1_000),
	}
}
