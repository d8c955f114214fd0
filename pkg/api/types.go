package api

import (
	"math/big"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

// API request and response types. Quote amounts, sizes and prices are
// human-readable decimal strings ("100.5"); rates stay in basis points.

// ==============================
// REST Response Types
// ==============================

// PositionInfo is the read view of one position
type PositionInfo struct {
	ID                string `json:"id"`
	PairID            string `json:"pairId"`
	Token             string `json:"token"`
	Trader            string `json:"trader"`
	Side              string `json:"side"`
	Size              string `json:"size"`
	EntryPrice        string `json:"entryPrice"`
	AverageEntryPrice string `json:"averageEntryPrice"`
	MarkPrice         string `json:"markPrice"`
	Leverage          int64  `json:"leverage"` // bps, 10x = 100000
	Collateral        string `json:"collateral"`
	Margin            string `json:"margin"`
	MaintenanceMargin string `json:"maintenanceMargin"`
	MarginRatio       int64  `json:"marginRatio"` // bps
	LiquidationPrice  string `json:"liquidationPrice"`
	BankruptcyPrice   string `json:"bankruptcyPrice"`
	UnrealizedPnL     string `json:"unrealizedPnl"`
	RealizedPnL       string `json:"realizedPnl"`
	ROE               int64  `json:"roe"` // bps
	RiskLevel         string `json:"riskLevel"`
	ADLRanking        int    `json:"adlRanking"`
	Status            string `json:"status"`
	IsLiquidating     bool   `json:"isLiquidating"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
	ClosedAt          int64  `json:"closedAt,omitempty"`
}

func newPositionInfo(p *position.Position) PositionInfo {
	return PositionInfo{
		ID:                p.ID,
		PairID:            p.PairID,
		Token:             p.Token.Hex(),
		Trader:            p.Trader.Hex(),
		Side:              p.Side(),
		Size:              amount(p.Size),
		EntryPrice:        amount(p.EntryPrice),
		AverageEntryPrice: amount(p.AverageEntryPrice),
		MarkPrice:         amount(p.MarkPrice),
		Leverage:          p.Leverage,
		Collateral:        amount(p.Collateral),
		Margin:            amount(p.Margin),
		MaintenanceMargin: amount(p.MaintenanceMargin),
		MarginRatio:       p.MarginRatio,
		LiquidationPrice:  amount(p.LiquidationPrice),
		BankruptcyPrice:   amount(p.BankruptcyPrice),
		UnrealizedPnL:     amount(p.UnrealizedPnL),
		RealizedPnL:       amount(p.RealizedPnL),
		ROE:               p.ROE,
		RiskLevel:         p.RiskLevel.String(),
		ADLRanking:        p.ADLRanking,
		Status:            p.Status.String(),
		IsLiquidating:     p.IsLiquidating,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		ClosedAt:          p.ClosedAt,
	}
}

func newPositionInfos(ps []*position.Position) []PositionInfo {
	out := make([]PositionInfo, 0, len(ps))
	for _, p := range ps {
		out = append(out, newPositionInfo(p))
	}
	return out
}

// RiskSummaryInfo is the per-token risk overview
type RiskSummaryInfo struct {
	Token           string         `json:"token"`
	State           string         `json:"state"`
	MarkPrice       string         `json:"markPrice,omitempty"`
	OpenPositions   int            `json:"openPositions"`
	LongOI          string         `json:"longOi"`
	ShortOI         string         `json:"shortOi"`
	TotalCollateral string         `json:"totalCollateral"`
	AtRiskNotional  string         `json:"atRiskNotional"`
	ByRiskLevel     map[string]int `json:"byRiskLevel"`
	Liquidatable    int            `json:"liquidatable"`
}

// ClosePositionResponse reports a trader-initiated close
type ClosePositionResponse struct {
	Position   PositionInfo `json:"position"`
	ClosedSize string       `json:"closedSize"`
	ClosePrice string       `json:"closePrice"`
	PnL        string       `json:"pnl"`
	Full       bool         `json:"full"`
}

// CreatePairResponse returns both legs of a new pair
type CreatePairResponse struct {
	Long  PositionInfo `json:"long"`
	Short PositionInfo `json:"short"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// Request Types
// ==============================

// OrderRequest is one side of a submitted match
type OrderRequest struct {
	ID       string `json:"id"`
	Trader   string `json:"trader"`
	Leverage string `json:"leverage"`         // multiplier, e.g. "10" or "2.5"
	Margin   string `json:"margin,omitempty"` // empty derives margin from leverage
}

// MatchRequest is a matched long/short pair from the matching engine
type MatchRequest struct {
	Token string       `json:"token"`
	Price string       `json:"price"`
	Size  string       `json:"size"`
	Long  OrderRequest `json:"long"`
	Short OrderRequest `json:"short"`
}

// PriceRequest sets a token's mark price
type PriceRequest struct {
	Price string `json:"price"`
}

// ReservesRequest reports a token's bonding-curve reserves
type ReservesRequest struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// CloseRequest closes all or part of a position at price
type CloseRequest struct {
	Trader string `json:"trader"`
	Price  string `json:"price"`
	Size   string `json:"size,omitempty"` // empty closes in full
}

// TrackBorrowRequest starts tracking a lending pool borrower
type TrackBorrowRequest struct {
	Borrower string `json:"borrower"`
	Amount   string `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
// Channels are "<eventType>" or "<eventType>:<token>", e.g. "liquidation"
// or "adl:0xabc...". "*" receives everything.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return fixedpoint.FormatAmount(v)
}
