// Package lending liquidates borrowers of the external lending pool when its
// utilization runs hot. Detection is driven by pool utilization, not price.
package lending

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

var (
	// ErrConfirmationTimeout means the liquidation was sent but not confirmed
	// in time. It is treated as a probable success.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	// ErrReverted means the liquidation transaction reverted.
	ErrReverted = errors.New("transaction reverted")
)

const (
	DefaultWarningBps      = 8_500
	DefaultCriticalBps     = 9_000
	DefaultRecheckInterval = 3 * time.Second
	DefaultMaxPerCycle     = 5
	DefaultInterval        = 5 * time.Second
)

// PoolClient is the lending pool collaborator. Utilization is in basis points.
type PoolClient interface {
	GetUtilization(ctx context.Context, token common.Address) (uint64, error)
	GetUserBorrow(ctx context.Context, token, user common.Address) (*big.Int, error)
	LiquidateBorrow(ctx context.Context, token, borrower common.Address) (*big.Int, error)
}

type Config struct {
	WarningBps      uint64
	CriticalBps     uint64
	RecheckInterval time.Duration
	MaxPerCycle     int
	Interval        time.Duration
}

type Deps struct {
	Events  notify.Publisher
	Metrics *metrics.Metrics
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

// Borrow is the last known debt of one borrower.
type Borrow struct {
	Token       common.Address `json:"token"`
	Borrower    common.Address `json:"borrower"`
	Amount      *big.Int       `json:"amount"`
	TrackedAt   int64          `json:"trackedAt"`   // unix ms
	LastChecked int64          `json:"lastChecked"` // unix ms, 0 if never re-read
}

type Candidate struct {
	Token       common.Address `json:"token"`
	Borrower    common.Address `json:"borrower"`
	Amount      *big.Int       `json:"amount"`
	Utilization uint64         `json:"utilization"`
	Urgency     int            `json:"urgency"`
}

// Outcome is the result of one liquidation attempt.
type Outcome struct {
	Candidate
	Seized     *big.Int `json:"seized,omitempty"`
	Optimistic bool     `json:"optimistic"`
	Err        error    `json:"-"`
}

type Stats struct {
	Tracked    int    `json:"tracked"`
	Succeeded  uint64 `json:"succeeded"`
	Optimistic uint64 `json:"optimistic"`
	Failed     uint64 `json:"failed"`
}

type borrow struct {
	amount      *big.Int
	trackedAt   time.Time
	lastChecked time.Time
}

type Engine struct {
	pool PoolClient
	cfg  Config

	events  notify.Publisher
	metrics *metrics.Metrics
	clock   util.Clock
	log     *zap.SugaredLogger

	mu      sync.Mutex
	borrows map[common.Address]map[common.Address]*borrow // token -> borrower
	stats   Stats
}

func NewEngine(pool PoolClient, cfg Config, deps Deps) *Engine {
	if cfg.WarningBps == 0 {
		cfg.WarningBps = DefaultWarningBps
	}
	if cfg.CriticalBps == 0 {
		cfg.CriticalBps = DefaultCriticalBps
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = DefaultMaxPerCycle
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	e := &Engine{
		pool:    pool,
		cfg:     cfg,
		events:  deps.Events,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		log:     deps.Logger,
		borrows: make(map[common.Address]map[common.Address]*borrow),
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

// Track records or refreshes a borrower's debt.
func (e *Engine) Track(token, borrower common.Address, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.borrows[token]
	if !ok {
		m = make(map[common.Address]*borrow)
		e.borrows[token] = m
	}
	if b, ok := m[borrower]; ok {
		b.amount = fixedpoint.Clone(amount)
		b.lastChecked = time.Time{}
		return
	}
	m[borrower] = &borrow{amount: fixedpoint.Clone(amount), trackedAt: e.clock.Now()}
}

// Untrack stops following a borrower.
func (e *Engine) Untrack(token, borrower common.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.untrackLocked(token, borrower)
}

func (e *Engine) untrackLocked(token, borrower common.Address) {
	m, ok := e.borrows[token]
	if !ok {
		return
	}
	delete(m, borrower)
	if len(m) == 0 {
		delete(e.borrows, token)
	}
}

// Tracked returns the known borrows of token, largest first.
func (e *Engine) Tracked(token common.Address) []Borrow {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Borrow, 0, len(e.borrows[token]))
	for who, b := range e.borrows[token] {
		bw := Borrow{
			Token:     token,
			Borrower:  who,
			Amount:    fixedpoint.Clone(b.amount),
			TrackedAt: b.trackedAt.UnixMilli(),
		}
		if !b.lastChecked.IsZero() {
			bw.LastChecked = b.lastChecked.UnixMilli()
		}
		out = append(out, bw)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Borrower.Hex() < out[j].Borrower.Hex()
	})
	return out
}

// Tokens returns every token with tracked borrowers.
func (e *Engine) Tokens() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]common.Address, 0, len(e.borrows))
	for t := range e.borrows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Urgency maps utilization past the critical threshold to 0-100.
func Urgency(utilizationBps, criticalBps uint64) int {
	if utilizationBps <= criticalBps {
		return 0
	}
	u := (utilizationBps - criticalBps) / 100
	if u > 100 {
		return 100
	}
	return int(u)
}

// Detect returns the liquidation candidates of token. It reads utilization
// once and stops there when it is below the warning threshold; otherwise it
// re-reads each borrower's debt (at most once per RecheckInterval) and, at or
// above the critical threshold, returns every tracked borrower.
func (e *Engine) Detect(ctx context.Context, token common.Address) ([]Candidate, error) {
	utilization, err := e.pool.GetUtilization(ctx, token)
	if err != nil {
		return nil, err
	}
	e.metrics.SetLendingUtilization(token.Hex(), utilization)
	if utilization < e.cfg.WarningBps {
		return nil, nil
	}

	e.recheck(ctx, token)
	if utilization < e.cfg.CriticalBps {
		return nil, nil
	}

	urgency := Urgency(utilization, e.cfg.CriticalBps)
	var out []Candidate
	for _, b := range e.Tracked(token) {
		out = append(out, Candidate{
			Token:       token,
			Borrower:    b.Borrower,
			Amount:      b.Amount,
			Utilization: utilization,
			Urgency:     urgency,
		})
	}
	return out, nil
}

func (e *Engine) recheck(ctx context.Context, token common.Address) {
	now := e.clock.Now()

	e.mu.Lock()
	var due []common.Address
	for who, b := range e.borrows[token] {
		if now.Sub(b.lastChecked) >= e.cfg.RecheckInterval {
			due = append(due, who)
		}
	}
	e.mu.Unlock()

	for _, who := range due {
		amount, err := e.pool.GetUserBorrow(ctx, token, who)
		if err != nil {
			e.log.Warnw("lending_borrow_read_failed", "token", token.Hex(), "borrower", who.Hex(), "err", err)
			continue
		}
		e.mu.Lock()
		if b, ok := e.borrows[token][who]; ok {
			if !fixedpoint.IsPositive(amount) {
				e.untrackLocked(token, who)
			} else {
				b.amount = amount
				b.lastChecked = now
			}
		}
		e.mu.Unlock()
	}
}

// DetectAll runs Detect over every tracked token and sorts the union by
// urgency, then borrow amount, descending.
func (e *Engine) DetectAll(ctx context.Context) []Candidate {
	var out []Candidate
	for _, token := range e.Tokens() {
		cs, err := e.Detect(ctx, token)
		if err != nil {
			e.log.Warnw("lending_utilization_read_failed", "token", token.Hex(), "err", err)
			continue
		}
		out = append(out, cs...)
	}
	SortCandidates(out)
	e.metrics.SetLendingQueue(len(out))
	return out
}

func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Urgency != cs[j].Urgency {
			return cs[i].Urgency > cs[j].Urgency
		}
		if c := cs[i].Amount.Cmp(cs[j].Amount); c != 0 {
			return c > 0
		}
		return cs[i].Borrower.Hex() < cs[j].Borrower.Hex()
	})
}

// Execute liquidates up to MaxPerCycle candidates in order. A confirmation
// timeout counts as success and stops tracking the borrower; any other error
// is a failure and keeps the borrower tracked for the next cycle.
func (e *Engine) Execute(ctx context.Context, cs []Candidate) []Outcome {
	if len(cs) > e.cfg.MaxPerCycle {
		cs = cs[:e.cfg.MaxPerCycle]
	}
	out := make([]Outcome, 0, len(cs))
	for _, c := range cs {
		if ctx.Err() != nil {
			break
		}
		o := Outcome{Candidate: c}
		seized, err := e.pool.LiquidateBorrow(ctx, c.Token, c.Borrower)
		switch {
		case err == nil:
			o.Seized = seized
			e.settled(c, "success")
		case errors.Is(err, ErrConfirmationTimeout):
			o.Optimistic = true
			e.settled(c, "optimistic")
		default:
			o.Err = err
			e.mu.Lock()
			e.stats.Failed++
			e.mu.Unlock()
			e.metrics.LendingResult("failed")
			e.log.Warnw("lending_liquidation_failed", "token", c.Token.Hex(), "borrower", c.Borrower.Hex(), "err", err)
		}
		out = append(out, o)
	}
	return out
}

func (e *Engine) settled(c Candidate, result string) {
	e.mu.Lock()
	e.untrackLocked(c.Token, c.Borrower)
	if result == "optimistic" {
		e.stats.Optimistic++
	} else {
		e.stats.Succeeded++
	}
	e.mu.Unlock()

	e.metrics.LendingResult(result)
	e.events.Publish(notify.NewEvent(notify.EventLendingLiquidation, c.Token, e.clock.Now(), map[string]any{
		"borrower":    c.Borrower.Hex(),
		"amount":      fixedpoint.FormatAmount(c.Amount),
		"utilization": c.Utilization,
		"urgency":     c.Urgency,
		"result":      result,
	}))
	e.log.Infow("lending_liquidation",
		"token", c.Token.Hex(),
		"borrower", c.Borrower.Hex(),
		"urgency", c.Urgency,
		"result", result,
	)
}

// Check runs one detect-and-execute cycle.
func (e *Engine) Check(ctx context.Context) []Outcome {
	cs := e.DetectAll(ctx)
	if len(cs) == 0 {
		return nil
	}
	return e.Execute(ctx, cs)
}

// Run checks on every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.cfg.Interval):
			e.Check(ctx)
		}
	}
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	for _, m := range e.borrows {
		s.Tracked += len(m)
	}
	return s
}
