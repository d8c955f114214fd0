package position

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

// Status is the lifecycle status of a position. Closed and Liquidated are
// terminal; positions are never deleted.
type Status int8

const (
	Open       Status = iota // 0
	Closed                   // 1
	Liquidated               // 2
)

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	case Liquidated:
		return "LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) IsTerminal() bool { return s == Closed || s == Liquidated }

// RiskLevel buckets a position by margin ratio.
type RiskLevel int8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Margin-ratio thresholds in basis points.
const (
	LiquidationThresholdBps = 10_000
	HighRiskThresholdBps    = 8_000
	MediumRiskThresholdBps  = 5_000
)

// ClassifyRisk maps a margin ratio to its risk level.
//
// critical >= 10000, high >= 8000, medium >= 5000, else low
func ClassifyRisk(marginRatio int64) RiskLevel {
	switch {
	case marginRatio >= LiquidationThresholdBps:
		return RiskCritical
	case marginRatio >= HighRiskThresholdBps:
		return RiskHigh
	case marginRatio >= MediumRiskThresholdBps:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Position is one leg of a matched pair.
//
// Sizes, prices and quote amounts are 1e18 fixed-point; leverage, mmr,
// marginRatio and roe are basis points (10x leverage = 100000).
type Position struct {
	ID           string         `json:"id"`
	PairID       string         `json:"pairId"`
	Token        common.Address `json:"token"`
	Trader       common.Address `json:"trader"`
	Counterparty common.Address `json:"counterparty"`
	IsLong       bool           `json:"isLong"`

	Size              *big.Int `json:"size"`
	EntryPrice        *big.Int `json:"entryPrice"`
	AverageEntryPrice *big.Int `json:"averageEntryPrice"`
	MarkPrice         *big.Int `json:"markPrice"`
	Leverage          int64    `json:"leverage"`

	// Collateral is what the trader posted; Margin = Collateral + UnrealizedPnL.
	Collateral        *big.Int `json:"collateral"`
	Margin            *big.Int `json:"margin"`
	MaintenanceMargin *big.Int `json:"maintenanceMargin"`
	MMR               int64    `json:"mmr"`
	MarginRatio       int64    `json:"marginRatio"`

	LiquidationPrice *big.Int `json:"liquidationPrice"`
	BankruptcyPrice  *big.Int `json:"bankruptcyPrice"`

	UnrealizedPnL *big.Int  `json:"unrealizedPnl"`
	RealizedPnL   *big.Int  `json:"realizedPnl"`
	ROE           int64     `json:"roe"`
	ADLScore      *big.Int  `json:"adlScore"`
	ADLRanking    int       `json:"adlRanking"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	OpenFee       *big.Int  `json:"openFee"`

	Status        Status `json:"status"`
	IsLiquidating bool   `json:"isLiquidating"`

	CreatedAt int64 `json:"createdAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"`
	ClosedAt  int64 `json:"closedAt,omitempty"`
}

func (p *Position) IsOpen() bool { return p.Status == Open }

// IsLiquidatable reports marginRatio >= 10000 on an open position. Only
// UpdateRisk writes MarginRatio, so it is the sole source of eligibility.
func (p *Position) IsLiquidatable() bool {
	return p.IsOpen() && p.MarginRatio >= LiquidationThresholdBps
}

// IsADLCandidate reports an open position in profit.
func (p *Position) IsADLCandidate() bool {
	return p.IsOpen() && fixedpoint.IsPositive(p.UnrealizedPnL)
}

// Notional is size × averageEntryPrice in quote units.
func (p *Position) Notional() *big.Int {
	return fixedpoint.Notional(p.Size, p.AverageEntryPrice)
}

// Equity is collateral + unrealizedPnL.
func (p *Position) Equity() *big.Int {
	return new(big.Int).Add(p.Collateral, p.UnrealizedPnL)
}

func (p *Position) Side() string {
	if p.IsLong {
		return "long"
	}
	return "short"
}

// Clone returns a deep copy so callers never share big.Int storage with the
// manager's cache.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Size = fixedpoint.Clone(p.Size)
	c.EntryPrice = fixedpoint.Clone(p.EntryPrice)
	c.AverageEntryPrice = fixedpoint.Clone(p.AverageEntryPrice)
	c.MarkPrice = fixedpoint.Clone(p.MarkPrice)
	c.Collateral = fixedpoint.Clone(p.Collateral)
	c.Margin = fixedpoint.Clone(p.Margin)
	c.MaintenanceMargin = fixedpoint.Clone(p.MaintenanceMargin)
	c.LiquidationPrice = fixedpoint.Clone(p.LiquidationPrice)
	c.BankruptcyPrice = fixedpoint.Clone(p.BankruptcyPrice)
	c.UnrealizedPnL = fixedpoint.Clone(p.UnrealizedPnL)
	c.RealizedPnL = fixedpoint.Clone(p.RealizedPnL)
	c.ADLScore = fixedpoint.Clone(p.ADLScore)
	c.OpenFee = fixedpoint.Clone(p.OpenFee)
	return &c
}

// Order is one side of a match as delivered by the matching engine.
type Order struct {
	ID       string         `json:"id"`
	Trader   common.Address `json:"trader"`
	Token    common.Address `json:"token"`
	Leverage int64          `json:"leverage"` // basis points
	Margin   *big.Int       `json:"margin"`   // nil derives margin from leverage
}

// Match pairs a long and a short order at one price and size.
type Match struct {
	LongOrder  Order    `json:"longOrder"`
	ShortOrder Order    `json:"shortOrder"`
	Price      *big.Int `json:"matchPrice"`
	Size       *big.Int `json:"matchSize"`
}

// CloseResult describes a full or partial close.
type CloseResult struct {
	Position   *Position
	ClosedSize *big.Int
	ClosePrice *big.Int
	PnL        *big.Int
	// Collateral released by the closed portion, before PnL.
	ReleasedCollateral *big.Int
	// max(0, released collateral + PnL); what is left for the pool on liquidation.
	RemainingCollateral *big.Int
	Full                bool
}

// RiskSummary aggregates the open positions of one token.
type RiskSummary struct {
	Token           common.Address `json:"token"`
	OpenPositions   int            `json:"openPositions"`
	LongOI          *big.Int       `json:"longOi"`
	ShortOI         *big.Int       `json:"shortOi"`
	TotalCollateral *big.Int       `json:"totalCollateral"`
	AtRiskNotional  *big.Int       `json:"atRiskNotional"` // high + critical
	ByRiskLevel     map[string]int `json:"byRiskLevel"`
	Liquidatable    int            `json:"liquidatable"`
}
