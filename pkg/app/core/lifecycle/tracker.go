// Package lifecycle tracks per-token trading activity and maps each token to a
// state (DORMANT, ACTIVE, HOT, DEAD, GRADUATED) whose parameter bundle gates
// new exposure.
package lifecycle

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

	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

var (
	ErrTradingDisabled = errors.New("trading disabled")
	ErrLimitExceeded   = errors.New("limit exceeded")
)

const (
	window1h  = time.Hour
	window24h = 24 * time.Hour

	DefaultSweepInterval = 60 * time.Second
)

// Config configures a Tracker. Zero fields take their defaults.
type Config struct {
	Params        map[State]Params
	Thresholds    Thresholds
	SweepInterval time.Duration
}

type Deps struct {
	Store   Store
	Events  notify.Publisher
	Metrics *metrics.Metrics
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

// TokenInfo is a read-only snapshot of one tracked token.
type TokenInfo struct {
	Token       common.Address `json:"token"`
	State       State          `json:"-"`
	StateName   string         `json:"state"`
	Params      Params         `json:"params"`
	Volume1h    *big.Int       `json:"volume1h"`
	Volume24h   *big.Int       `json:"volume24h"`
	Trades1h    int            `json:"trades1h"`
	Trades24h   int            `json:"trades24h"`
	LongOI      *big.Int       `json:"longOi"`
	ShortOI     *big.Int       `json:"shortOi"`
	Positions   int            `json:"positions"`
	LastTradeAt int64          `json:"lastTradeAt,omitempty"` // unix ms
	StateSince  int64          `json:"stateSince"`
	CreatedAt   int64          `json:"createdAt"`

	// Mark price and its change over the last 24h in basis points.
	Price             *big.Int `json:"price,omitempty"`
	PriceChange24hBps int64    `json:"priceChange24hBps"`

	// Bonding-curve reserves, nil until first reported.
	ReserveBase  *big.Int `json:"reserveBase,omitempty"`
	ReserveQuote *big.Int `json:"reserveQuote,omitempty"`
}

// Record is the persisted part of a token's lifecycle. Rolling windows are
// not stored; they refill from live flow.
type Record struct {
	State       State `json:"state"`
	Since       int64 `json:"since"` // unix ms
	CreatedAt   int64 `json:"createdAt"`
	LastTradeAt int64 `json:"lastTradeAt,omitempty"`
}

// Store persists lifecycle records across restarts.
type Store interface {
	Save(tok common.Address, r Record) error
	List() (map[common.Address]Record, error)
}

type trade struct {
	at     time.Time
	volume *big.Int
}

type pricePoint struct {
	at    time.Time
	price *big.Int
}

type token struct {
	state     State
	since     time.Time
	createdAt time.Time
	lastTrade time.Time
	trades    []trade // oldest first, pruned to 24h
	longOI    *big.Int
	shortOI   *big.Int
	positions int

	price        *big.Int
	prices       []pricePoint // oldest first, pruned to 24h
	reserveBase  *big.Int
	reserveQuote *big.Int
}

func (s *token) record() Record {
	r := Record{
		State:     s.state,
		Since:     s.since.UnixMilli(),
		CreatedAt: s.createdAt.UnixMilli(),
	}
	if !s.lastTrade.IsZero() {
		r.LastTradeAt = s.lastTrade.UnixMilli()
	}
	return r
}

// Tracker owns the lifecycle state of every token. It implements
// position.ActivityRecorder and position.Limits.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	tokens map[common.Address]*token

	store   Store
	events  notify.Publisher
	metrics *metrics.Metrics
	clock   util.Clock
	log     *zap.SugaredLogger
}

var (
	_ position.ActivityRecorder = (*Tracker)(nil)
	_ position.Limits           = (*Tracker)(nil)
)

// NewTracker restores persisted lifecycle records from deps.Store, if set.
func NewTracker(cfg Config, deps Deps) (*Tracker, error) {
	if cfg.Params == nil {
		cfg.Params = DefaultParams()
	}
	if cfg.Thresholds.DeadAfter == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	t := &Tracker{
		cfg:     cfg,
		tokens:  make(map[common.Address]*token),
		store:   deps.Store,
		events:  deps.Events,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		log:     deps.Logger,
	}
	if t.events == nil {
		t.events = notify.Nop{}
	}
	if t.clock == nil {
		t.clock = util.RealClock{}
	}
	if t.log == nil {
		t.log = util.NopSugar()
	}
	if t.store == nil {
		return t, nil
	}

	records, err := t.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to load lifecycle records: %w", err)
	}
	for tok, r := range records {
		s := &token{
			state:     r.State,
			since:     time.UnixMilli(r.Since),
			createdAt: time.UnixMilli(r.CreatedAt),
			longOI:    fixedpoint.Zero(),
			shortOI:   fixedpoint.Zero(),
		}
		if r.LastTradeAt > 0 {
			s.lastTrade = time.UnixMilli(r.LastTradeAt)
		}
		t.tokens[tok] = s
	}
	t.reportStatesLocked()
	t.log.Infow("lifecycle_loaded", "tokens", len(records))
	return t, nil
}

// Register starts tracking token as DORMANT. Already tracked tokens are left
// untouched.
func (t *Tracker) Register(tok common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getLocked(tok, t.clock.Now())
}

func (t *Tracker) getLocked(tok common.Address, now time.Time) *token {
	s, ok := t.tokens[tok]
	if !ok {
		s = &token{
			state:     Dormant,
			since:     now,
			createdAt: now,
			longOI:    fixedpoint.Zero(),
			shortOI:   fixedpoint.Zero(),
		}
		t.tokens[tok] = s
		t.persistLocked(tok, s)
		t.log.Infow("token_registered", "token", tok.Hex())
	}
	return s
}

func (t *Tracker) persistLocked(tok common.Address, s *token) {
	if t.store == nil {
		return
	}
	if err := t.store.Save(tok, s.record()); err != nil {
		t.log.Warnw("lifecycle_persist_failed", "token", tok.Hex(), "err", err)
	}
}

// RecordTrade adds a trade to the token's rolling windows and re-evaluates
// its state. A trade on a DEAD token revives it.
func (t *Tracker) RecordTrade(tok common.Address, volume *big.Int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getLocked(tok, at)
	prune(s, at)
	s.trades = append(s.trades, trade{at: at, volume: fixedpoint.Clone(volume)})
	if at.After(s.lastTrade) {
		s.lastTrade = at
	}
	defer t.persistLocked(tok, s)

	if s.state == Dead {
		to := Dormant
		if volume != nil && volume.Cmp(t.cfg.Thresholds.ReviveActiveVolume) >= 0 {
			to = Active
		}
		t.transitionLocked(tok, s, to, "revived", at)
		return
	}
	t.evaluateLocked(tok, s, at)
}

// RecordPrice stores the latest mark price for token.
func (t *Tracker) RecordPrice(tok common.Address, price *big.Int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getLocked(tok, at)
	prune(s, at)
	s.price = fixedpoint.Clone(price)
	s.prices = append(s.prices, pricePoint{at: at, price: s.price})
}

// SetReserves stores the bonding-curve reserves reported for token.
func (t *Tracker) SetReserves(tok common.Address, base, quote *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getLocked(tok, t.clock.Now())
	s.reserveBase = fixedpoint.Clone(base)
	s.reserveQuote = fixedpoint.Clone(quote)
}

// RecordOpenInterest stores the latest open interest snapshot for token.
func (t *Tracker) RecordOpenInterest(tok common.Address, long, short *big.Int, positions int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getLocked(tok, t.clock.Now())
	s.longOI = fixedpoint.Clone(long)
	s.shortOI = fixedpoint.Clone(short)
	s.positions = positions
}

// Graduate moves token to GRADUATED. It reports whether the state changed.
func (t *Tracker) Graduate(tok common.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	s := t.getLocked(tok, now)
	if s.state == Graduated {
		return false
	}
	t.transitionLocked(tok, s, Graduated, "graduated", now)
	t.reportStatesLocked()
	return true
}

// Sweep re-evaluates every tracked token and returns the number of
// transitions made.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	n := 0
	for tok, s := range t.tokens {
		before := s.state
		t.evaluateLocked(tok, s, now)
		if s.state != before {
			n++
		}
	}
	t.reportStatesLocked()
	return n
}

// Run sweeps on every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.clock.After(t.cfg.SweepInterval):
			if n := t.Sweep(); n > 0 {
				t.log.Debugw("lifecycle_sweep", "transitions", n)
			}
		}
	}
}

func (t *Tracker) evaluateLocked(tok common.Address, s *token, now time.Time) {
	if s.state == Graduated || s.state == Dead {
		return
	}
	prune(s, now)

	th := t.cfg.Thresholds
	last := s.lastTrade
	if last.IsZero() {
		last = s.since
	}
	if now.Sub(last) >= th.DeadAfter {
		t.transitionLocked(tok, s, Dead, "inactive", now)
		return
	}

	vol1h, trades1h := windowStats(s, now, window1h)
	settled := now.Sub(s.since) >= th.MinStateDuration

	switch s.state {
	case Dormant:
		if vol1h.Cmp(th.ActivateVolume1h) >= 0 || trades1h >= th.ActivateTrades1h {
			t.transitionLocked(tok, s, Active, "volume", now)
		}
	case Active:
		if vol1h.Cmp(th.HotVolume1h) >= 0 && trades1h >= th.HotTrades1h {
			t.transitionLocked(tok, s, Hot, "volume", now)
			return
		}
		vol24h, _ := windowStats(s, now, window24h)
		if settled && vol24h.Cmp(th.DormantVolume24h) < 0 {
			t.transitionLocked(tok, s, Dormant, "cooldown", now)
		}
	case Hot:
		if settled && vol1h.Cmp(th.HotExitVolume1h) < 0 {
			t.transitionLocked(tok, s, Active, "cooldown", now)
		}
	}
}

func (t *Tracker) transitionLocked(tok common.Address, s *token, to State, reason string, now time.Time) {
	from := s.state
	if from == to || from == Graduated {
		return
	}
	s.state = to
	s.since = now
	t.persistLocked(tok, s)

	t.metrics.LifecycleTransition(from.String(), to.String())
	t.events.Publish(notify.NewEvent(notify.EventLifecycleTransition, tok, now, map[string]any{
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	}))
	t.log.Infow("lifecycle_transition",
		"token", tok.Hex(),
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

func (t *Tracker) reportStatesLocked() {
	counts := make(map[string]int, len(States))
	for _, st := range States {
		counts[st.String()] = 0
	}
	for _, s := range t.tokens {
		counts[s.state.String()]++
	}
	t.metrics.SetTokenStates(counts)
}

// prune drops trades and price samples older than the 24h window.
func prune(s *token, now time.Time) {
	cutoff := now.Add(-window24h)
	i := 0
	for i < len(s.trades) && !s.trades[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		s.trades = append(s.trades[:0], s.trades[i:]...)
	}
	j := 0
	for j < len(s.prices) && !s.prices[j].at.After(cutoff) {
		j++
	}
	if j > 0 {
		s.prices = append(s.prices[:0], s.prices[j:]...)
	}
}

// priceChangeBps returns the move from the oldest sample in the 24h window to
// the latest price, in basis points.
func priceChangeBps(s *token, now time.Time) int64 {
	if s.price == nil {
		return 0
	}
	cutoff := now.Add(-window24h)
	for _, p := range s.prices {
		if !p.at.After(cutoff) || p.price.Sign() <= 0 {
			continue
		}
		diff := new(big.Int).Sub(s.price, p.price)
		return fixedpoint.MulDiv(diff, fixedpoint.BasisPoints, p.price).Int64()
	}
	return 0
}

func windowStats(s *token, now time.Time, d time.Duration) (*big.Int, int) {
	cutoff := now.Add(-d)
	vol := fixedpoint.Zero()
	n := 0
	for _, tr := range s.trades {
		if tr.at.After(cutoff) {
			vol.Add(vol, tr.volume)
			n++
		}
	}
	return vol, n
}

// State returns the state of token. Untracked tokens are DORMANT.
func (t *Tracker) State(tok common.Address) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.tokens[tok]; ok {
		return s.state
	}
	return Dormant
}

// Params returns the parameter bundle currently applied to token.
func (t *Tracker) Params(tok common.Address) Params {
	return t.cfg.Params[t.State(tok)]
}

func (t *Tracker) CanTrade(tok common.Address) bool {
	return t.Params(tok).TradingEnabled
}

// CheckOpen rejects new exposure the token's current bundle does not allow.
func (t *Tracker) CheckOpen(tok common.Address, leverage int64, margin, notional *big.Int) error {
	st := t.State(tok)
	p := t.cfg.Params[st]
	switch {
	case !p.TradingEnabled:
		return fmt.Errorf("%w: token %s is %s", ErrTradingDisabled, tok.Hex(), st)
	case leverage > p.MaxLeverage:
		return fmt.Errorf("%w: leverage %d above %d", ErrLimitExceeded, leverage, p.MaxLeverage)
	case p.MinMargin != nil && margin != nil && margin.Cmp(p.MinMargin) < 0:
		return fmt.Errorf("%w: margin %s below %s", ErrLimitExceeded, margin, p.MinMargin)
	case p.MaxPositionSize != nil && notional != nil && notional.Cmp(p.MaxPositionSize) > 0:
		return fmt.Errorf("%w: notional %s above %s", ErrLimitExceeded, notional, p.MaxPositionSize)
	}
	return nil
}

func (t *Tracker) TakerFeeBps(tok common.Address) int64 {
	return t.Params(tok).TakerFeeBps
}

// Info returns a snapshot of token, or false when it is not tracked.
func (t *Tracker) Info(tok common.Address) (TokenInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.tokens[tok]
	if !ok {
		return TokenInfo{}, false
	}
	return t.infoLocked(tok, s, t.clock.Now()), true
}

// All returns a snapshot of every tracked token ordered by address.
func (t *Tracker) All() []TokenInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	out := make([]TokenInfo, 0, len(t.tokens))
	for tok, s := range t.tokens {
		out = append(out, t.infoLocked(tok, s, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token.Hex() < out[j].Token.Hex() })
	return out
}

func (t *Tracker) infoLocked(tok common.Address, s *token, now time.Time) TokenInfo {
	vol1h, n1h := windowStats(s, now, window1h)
	vol24h, n24h := windowStats(s, now, window24h)
	info := TokenInfo{
		Token:      tok,
		State:      s.state,
		StateName:  s.state.String(),
		Params:     t.cfg.Params[s.state],
		Volume1h:   vol1h,
		Volume24h:  vol24h,
		Trades1h:   n1h,
		Trades24h:  n24h,
		LongOI:     fixedpoint.Clone(s.longOI),
		ShortOI:    fixedpoint.Clone(s.shortOI),
		Positions:  s.positions,
		StateSince: s.since.UnixMilli(),
		CreatedAt:  s.createdAt.UnixMilli(),

		Price:             cloneOrNil(s.price),
		PriceChange24hBps: priceChangeBps(s, now),
		ReserveBase:       cloneOrNil(s.reserveBase),
		ReserveQuote:      cloneOrNil(s.reserveQuote),
	}
	if !s.lastTrade.IsZero() {
		info.LastTradeAt = s.lastTrade.UnixMilli()
	}
	return info
}

func cloneOrNil(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
