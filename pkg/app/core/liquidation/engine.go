// Package liquidation detects under-margined positions, closes them at the
// book price and covers bankrupt closes by auto-deleveraging profitable
// positions on the opposite side.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/market"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

var (
	ErrNoPrice            = errors.New("no price")
	ErrAlreadyLiquidating = errors.New("already liquidating")
)

const (
	DefaultMaxPerCycle         = 10
	DefaultLiquidatorRewardBps = 500 // 5% of remaining collateral
	DefaultRiskInterval        = 100 * time.Millisecond
	DefaultADLInterval         = time.Second
)

// Positions is the subset of the position manager the engine drives.
type Positions interface {
	Tokens() []common.Address
	OpenPositions(token common.Address) []*position.Position
	Get(id string) (*position.Position, error)
	UpdateRiskForToken(token common.Address, markPrice *big.Int) (int, error)
	TryBeginLiquidation(id string) (bool, error)
	EndLiquidation(id string)
	Liquidate(id string, price *big.Int) (*position.CloseResult, error)
	ClosePosition(id string, closePrice, closeSize *big.Int) (*position.CloseResult, error)
	SetADLRankings(rankings map[string]int)
}

// OrderBooks resolves the price source of a token.
type OrderBooks interface {
	GetOrderBook(token common.Address) (market.Handle, error)
}

// Settlement mirrors a liquidation to the vault. Fire-and-forget.
type Settlement interface {
	SettleLiquidation(token common.Address, collateralToPool, reward *big.Int, liquidator common.Address)
}

type Config struct {
	MaxPerCycle         int
	LiquidatorRewardBps int64
	Liquidator          common.Address
	RiskInterval        time.Duration
	ADLInterval         time.Duration
}

type Deps struct {
	Settlement Settlement
	Events     notify.Publisher
	Metrics    *metrics.Metrics
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

// Candidate is a position queued for liquidation.
type Candidate struct {
	PositionID  string         `json:"positionId"`
	Token       common.Address `json:"token"`
	Trader      common.Address `json:"trader"`
	IsLong      bool           `json:"isLong"`
	MarginRatio int64          `json:"marginRatio"`
	Urgency     int            `json:"urgency"` // 0-100
	Margin      *big.Int       `json:"margin"`
	DetectedAt  int64          `json:"detectedAt"`
}

// Result describes one executed liquidation.
type Result struct {
	PositionID string             `json:"positionId"`
	Token      common.Address     `json:"token"`
	Price      *big.Int           `json:"price"`
	PnL        *big.Int           `json:"pnl"`
	ToPool     *big.Int           `json:"toPool"`
	Reward     *big.Int           `json:"reward"`
	ADL        *ADLResult         `json:"adl,omitempty"`
	Position   *position.Position `json:"position"`
}

// Stats are cumulative engine counters.
type Stats struct {
	Executed         uint64   `json:"executed"`
	Failed           uint64   `json:"failed"`
	ADLEvents        uint64   `json:"adlEvents"`
	ADLFills         uint64   `json:"adlFills"`
	Unrecovered      uint64   `json:"unrecovered"`
	UnrecoveredTotal *big.Int `json:"unrecoveredTotal"`
	QueueDepth       int      `json:"queueDepth"`
}

type Engine struct {
	positions Positions
	books     OrderBooks
	cfg       Config

	settle  Settlement
	events  notify.Publisher
	metrics *metrics.Metrics
	clock   util.Clock
	log     *zap.SugaredLogger

	mu    sync.Mutex
	queue []Candidate
	adl   map[common.Address]*adlQueues
	stats Stats
}

func NewEngine(positions Positions, books OrderBooks, cfg Config, deps Deps) *Engine {
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = DefaultMaxPerCycle
	}
	if cfg.LiquidatorRewardBps <= 0 {
		cfg.LiquidatorRewardBps = DefaultLiquidatorRewardBps
	}
	if cfg.RiskInterval <= 0 {
		cfg.RiskInterval = DefaultRiskInterval
	}
	if cfg.ADLInterval <= 0 {
		cfg.ADLInterval = DefaultADLInterval
	}
	e := &Engine{
		positions: positions,
		books:     books,
		cfg:       cfg,
		settle:    deps.Settlement,
		events:    deps.Events,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		log:       deps.Logger,
		adl:       make(map[common.Address]*adlQueues),
		stats:     Stats{UnrecoveredTotal: fixedpoint.Zero()},
	}
	if e.settle == nil {
		e.settle = nopSettlement{}
	}
	if e.events == nil {
		e.events = notify.Nop{}
	}
	if e.clock == nil {
		e.clock = util.RealClock{}
	}
	if e.log == nil {
		e.log = util.NopSugar()
	}
	return e
}

// Urgency maps a margin ratio to 0-100: one point per 100 bps past 10000.
func Urgency(marginRatio int64) int {
	u := (marginRatio - position.LiquidationThresholdBps) / 100
	if u < 0 {
		return 0
	}
	if u > 100 {
		return 100
	}
	return int(u)
}

// Detect returns the liquidatable positions of token, most underwater first.
// Eligibility is read from the position as last computed by UpdateRisk.
func (e *Engine) Detect(token common.Address) []Candidate {
	now := e.clock.Now().UnixMilli()
	var out []Candidate
	for _, p := range e.positions.OpenPositions(token) {
		if p.IsLiquidating || !p.IsLiquidatable() {
			continue
		}
		out = append(out, Candidate{
			PositionID:  p.ID,
			Token:       p.Token,
			Trader:      p.Trader,
			IsLong:      p.IsLong,
			MarginRatio: p.MarginRatio,
			Urgency:     Urgency(p.MarginRatio),
			Margin:      fixedpoint.Clone(p.Margin),
			DetectedAt:  now,
		})
	}
	sortCandidates(out)
	return out
}

// DetectAll runs Detect over every token with open positions.
func (e *Engine) DetectAll() []Candidate {
	var out []Candidate
	for _, token := range e.positions.Tokens() {
		out = append(out, e.Detect(token)...)
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].MarginRatio != cs[j].MarginRatio {
			return cs[i].MarginRatio > cs[j].MarginRatio
		}
		return cs[i].PositionID < cs[j].PositionID
	})
}

// UpdateQueue replaces the liquidation queue.
func (e *Engine) UpdateQueue(cs []Candidate) {
	e.mu.Lock()
	e.queue = append([]Candidate(nil), cs...)
	e.stats.QueueDepth = len(e.queue)
	e.mu.Unlock()
	e.metrics.SetLiquidationQueue(len(cs))
}

// Queue returns a copy of the pending queue.
func (e *Engine) Queue() []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Candidate(nil), e.queue...)
}

// ProcessQueue executes up to MaxPerCycle queued candidates from the front.
// Failures are logged and left for the next detection pass.
func (e *Engine) ProcessQueue(ctx context.Context) []*Result {
	e.mu.Lock()
	n := len(e.queue)
	if n > e.cfg.MaxPerCycle {
		n = e.cfg.MaxPerCycle
	}
	batch := append([]Candidate(nil), e.queue[:n]...)
	e.queue = e.queue[n:]
	e.stats.QueueDepth = len(e.queue)
	depth := len(e.queue)
	e.mu.Unlock()
	e.metrics.SetLiquidationQueue(depth)

	var out []*Result
	for _, c := range batch {
		if ctx.Err() != nil {
			break
		}
		res, err := e.ExecuteLiquidation(c.PositionID)
		if err != nil {
			if !errors.Is(err, ErrAlreadyLiquidating) {
				e.log.Warnw("liquidation_failed", "position", c.PositionID, "token", c.Token.Hex(), "err", err)
			}
			continue
		}
		out = append(out, res)
	}
	return out
}

// ExecuteLiquidation closes a position at the current book price. A bankrupt
// position is covered by ADL before the close. Any failure releases the
// liquidation guard and leaves the position open.
func (e *Engine) ExecuteLiquidation(id string) (*Result, error) {
	ok, err := e.positions.TryBeginLiquidation(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyLiquidating, id)
	}

	res, err := e.executeGuarded(id)
	if err != nil {
		e.positions.EndLiquidation(id)
		e.mu.Lock()
		e.stats.Failed++
		e.mu.Unlock()
		e.metrics.LiquidationResult("failed")
		return nil, err
	}

	e.mu.Lock()
	e.stats.Executed++
	e.mu.Unlock()
	e.metrics.LiquidationResult("success")
	return res, nil
}

func (e *Engine) executeGuarded(id string) (*Result, error) {
	p, err := e.positions.Get(id)
	if err != nil {
		return nil, err
	}
	price, err := e.currentPrice(p.Token)
	if err != nil {
		return nil, err
	}

	upnl := fixedpoint.PnL(p.Notional(), p.AverageEntryPrice, price, p.IsLong)
	margin := new(big.Int).Add(p.Collateral, upnl)

	var adl *ADLResult
	if margin.Sign() < 0 {
		adl = e.ExecuteADL(p, new(big.Int).Neg(margin), price)
	}

	closed, err := e.positions.Liquidate(id, price)
	if err != nil {
		return nil, fmt.Errorf("failed to close position: %w", err)
	}

	remaining := closed.RemainingCollateral
	reward := fixedpoint.MulDiv(remaining, big.NewInt(e.cfg.LiquidatorRewardBps), fixedpoint.BasisPoints)
	toPool := new(big.Int).Sub(remaining, reward)
	e.settle.SettleLiquidation(p.Token, toPool, reward, e.cfg.Liquidator)

	e.events.Publish(notify.NewEvent(notify.EventLiquidation, p.Token, e.clock.Now(), map[string]any{
		"position":    p.ID,
		"trader":      p.Trader.Hex(),
		"side":        p.Side(),
		"size":        fixedpoint.FormatAmount(p.Size),
		"price":       fixedpoint.FormatAmount(price),
		"marginRatio": p.MarginRatio,
		"toPool":      fixedpoint.FormatAmount(toPool),
		"reward":      fixedpoint.FormatAmount(reward),
		"bankrupt":    adl != nil,
	}))
	e.log.Infow("liquidation_executed",
		"position", p.ID,
		"token", p.Token.Hex(),
		"price", price.String(),
		"pnl", closed.PnL.String(),
		"to_pool", toPool.String(),
		"reward", reward.String(),
	)

	return &Result{
		PositionID: p.ID,
		Token:      p.Token,
		Price:      price,
		PnL:        closed.PnL,
		ToPool:     toPool,
		Reward:     reward,
		ADL:        adl,
		Position:   closed.Position,
	}, nil
}

func (e *Engine) currentPrice(token common.Address) (*big.Int, error) {
	book, err := e.books.GetOrderBook(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	price, err := book.CurrentPrice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	if !fixedpoint.IsPositive(price) {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrNoPrice, token.Hex())
	}
	return price, nil
}

// Tick runs one risk pass: reprice every token, detect, replace the queue and
// drain one batch.
func (e *Engine) Tick(ctx context.Context) []*Result {
	start := time.Now()
	for _, token := range e.positions.Tokens() {
		price, err := e.currentPrice(token)
		if err != nil {
			continue
		}
		if _, err := e.positions.UpdateRiskForToken(token, price); err != nil {
			e.log.Warnw("risk_update_failed", "token", token.Hex(), "err", err)
		}
	}
	e.UpdateQueue(e.DetectAll())
	res := e.ProcessQueue(ctx)
	e.metrics.ObserveRiskTick(time.Since(start).Seconds())
	return res
}

// Run drives the risk loop and the ADL rebuild loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-e.clock.After(e.cfg.RiskInterval):
				e.Tick(ctx)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-e.clock.After(e.cfg.ADLInterval):
				e.RebuildADLQueues()
			}
		}
	})
	return g.Wait()
}

// Stats returns a copy of the cumulative counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.UnrecoveredTotal = fixedpoint.Clone(e.stats.UnrecoveredTotal)
	return s
}

type nopSettlement struct{}

func (nopSettlement) SettleLiquidation(common.Address, *big.Int, *big.Int, common.Address) {}
