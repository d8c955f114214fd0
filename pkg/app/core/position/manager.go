package position

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

// Config holds the manager's risk constants.
type Config struct {
	// BaseMMRBps caps the maintenance margin rate; the effective rate is
	// min(BaseMMRBps, initialMarginRate/2).
	BaseMMRBps int64
	// LargePositionNotional triggers a large_position event when a new leg's
	// notional reaches it. Nil disables the event.
	LargePositionNotional *big.Int
}

// Deps are the optional collaborators. Nil fields fall back to no-ops.
type Deps struct {
	Settlement Settlement
	Activity   ActivityRecorder
	Limits     Limits
	Events     notify.Publisher
	Metrics    *metrics.Metrics
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

// Manager owns every position from creation to a terminal status.
//
// Open positions are cached in memory and written through to the repository;
// terminal positions are only read back from the repository. All mutations
// take mu, which also makes the isLiquidating guard a compare-and-set.
type Manager struct {
	mu      sync.RWMutex
	repo    Repository
	cfg     Config
	open    map[string]*Position
	byToken map[common.Address]map[string]struct{}

	settle   Settlement
	activity ActivityRecorder
	limits   Limits
	events   notify.Publisher
	metrics  *metrics.Metrics
	clock    util.Clock
	log      *zap.SugaredLogger
}

// NewManager loads open positions from repo into the cache.
func NewManager(repo Repository, cfg Config, deps Deps) (*Manager, error) {
	m := &Manager{
		repo:     repo,
		cfg:      cfg,
		open:     make(map[string]*Position),
		byToken:  make(map[common.Address]map[string]struct{}),
		settle:   deps.Settlement,
		activity: deps.Activity,
		limits:   deps.Limits,
		events:   deps.Events,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Logger,
	}
	if m.settle == nil {
		m.settle = nopSettlement{}
	}
	if m.activity == nil {
		m.activity = nopActivity{}
	}
	if m.events == nil {
		m.events = notify.Nop{}
	}
	if m.clock == nil {
		m.clock = util.RealClock{}
	}
	if m.log == nil {
		m.log = util.NopSugar()
	}

	positions, err := repo.ListOpen()
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	for _, p := range positions {
		// A liquidation in flight at shutdown never finished; let the next
		// detection pass pick it up again.
		p.IsLiquidating = false
		m.cacheLocked(p)
	}
	m.log.Infow("position_manager_loaded", "open_positions", len(positions))
	return m, nil
}

// SetLimits attaches the lifecycle gate after construction.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
}

// CreatePair opens a long and a short position from one match. Both legs share
// a pairId and are persisted atomically.
func (m *Manager) CreatePair(match Match) (*Position, *Position, error) {
	if err := validateMatch(match); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	pairID := uuid.NewString()
	token := match.LongOrder.Token
	notional := fixedpoint.Notional(match.Size, match.Price)

	// The fill already happened on the book, so it counts as activity even
	// when the gate below refuses the positions. This is what revives a DEAD
	// token.
	m.activity.RecordTrade(token, notional, now)

	var feeBps int64
	if m.limits != nil {
		for _, o := range []Order{match.LongOrder, match.ShortOrder} {
			if err := m.limits.CheckOpen(token, o.Leverage, orderMargin(o, match), notional); err != nil {
				return nil, nil, err
			}
		}
		feeBps = m.limits.TakerFeeBps(token)
	}

	long := m.newLeg(pairID, match.LongOrder, match.ShortOrder.Trader, true, match, feeBps, now)
	short := m.newLeg(pairID, match.ShortOrder, match.LongOrder.Trader, false, match, feeBps, now)

	if err := m.repo.SavePair(long, short); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPairWrite, err)
	}
	m.cacheLocked(long)
	m.cacheLocked(short)

	for _, p := range []*Position{long, short} {
		m.settle.IncreaseOI(token, p.IsLong, notional)
		if p.OpenFee.Sign() > 0 {
			m.settle.CollectFee(p.Trader, p.OpenFee)
		}
		m.metrics.PositionOpened(p.Side())
	}
	m.reportOpenInterestLocked(token)

	m.events.Publish(notify.NewEvent(notify.EventPositionOpened, token, now, map[string]any{
		"pairId":   pairID,
		"long":     long.Trader.Hex(),
		"short":    short.Trader.Hex(),
		"price":    fixedpoint.FormatAmount(match.Price),
		"size":     fixedpoint.FormatAmount(match.Size),
		"notional": fixedpoint.FormatAmount(notional),
	}))
	if m.cfg.LargePositionNotional != nil && notional.Cmp(m.cfg.LargePositionNotional) >= 0 {
		m.events.Publish(notify.NewEvent(notify.EventLargePosition, token, now, map[string]any{
			"pairId":   pairID,
			"notional": fixedpoint.FormatAmount(notional),
			"price":    fixedpoint.FormatAmount(match.Price),
		}))
	}

	m.log.Infow("pair_created",
		"pair", pairID,
		"token", token.Hex(),
		"long", long.ID,
		"short", short.ID,
		"price", match.Price.String(),
		"size", match.Size.String(),
	)
	return long.Clone(), short.Clone(), nil
}

func (m *Manager) newLeg(pairID string, o Order, counterparty common.Address, isLong bool, match Match, feeBps int64, now time.Time) *Position {
	collateral := orderMargin(o, match)
	notional := fixedpoint.Notional(match.Size, match.Price)
	mmr := fixedpoint.DynamicMMR(o.Leverage, m.cfg.BaseMMRBps)

	p := &Position{
		ID:                uuid.NewString(),
		PairID:            pairID,
		Token:             o.Token,
		Trader:            o.Trader,
		Counterparty:      counterparty,
		IsLong:            isLong,
		Size:              fixedpoint.Clone(match.Size),
		EntryPrice:        fixedpoint.Clone(match.Price),
		AverageEntryPrice: fixedpoint.Clone(match.Price),
		Leverage:          o.Leverage,
		Collateral:        collateral,
		MaintenanceMargin: fixedpoint.MaintenanceMargin(notional, mmr),
		MMR:               mmr,
		LiquidationPrice:  fixedpoint.LiquidationPrice(match.Price, o.Leverage, mmr, isLong),
		BankruptcyPrice:   fixedpoint.BankruptcyPrice(match.Price, o.Leverage, isLong),
		RealizedPnL:       fixedpoint.Zero(),
		ADLRanking:        1,
		OpenFee:           fixedpoint.Fee(match.Size, match.Price, feeBps),
		Status:            Open,
		CreatedAt:         now.UnixMilli(),
	}
	applyRisk(p, match.Price, now)
	return p
}

func orderMargin(o Order, match Match) *big.Int {
	if o.Margin != nil && o.Margin.Sign() > 0 {
		return fixedpoint.Clone(o.Margin)
	}
	return fixedpoint.Margin(match.Size, match.Price, o.Leverage)
}

func validateMatch(match Match) error {
	switch {
	case !fixedpoint.IsPositive(match.Price):
		return fmt.Errorf("%w: match price must be positive", ErrInvalidArgument)
	case !fixedpoint.IsPositive(match.Size):
		return fmt.Errorf("%w: match size must be positive", ErrInvalidArgument)
	case match.LongOrder.Token != match.ShortOrder.Token:
		return fmt.Errorf("%w: orders reference different tokens", ErrInvalidArgument)
	case match.LongOrder.Leverage <= 0 || match.ShortOrder.Leverage <= 0:
		return fmt.Errorf("%w: leverage must be positive", ErrInvalidArgument)
	}
	return nil
}

// AddToPosition increases an open position. The average entry becomes the
// size-weighted Σ(size·price)/Σsize and the liquidation price is re-derived
// from the resulting collateral.
func (m *Manager) AddToPosition(id string, extraSize, price, extraMargin *big.Int) (*Position, error) {
	if !fixedpoint.IsPositive(extraSize) || !fixedpoint.IsPositive(price) {
		return nil, fmt.Errorf("%w: size and price must be positive", ErrInvalidArgument)
	}
	if extraMargin == nil {
		extraMargin = fixedpoint.Zero()
	}
	if extraMargin.Sign() < 0 {
		return nil, fmt.Errorf("%w: margin must not be negative", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.openLocked(id)
	if err != nil {
		return nil, err
	}
	if p.IsLiquidating {
		return nil, fmt.Errorf("%w: position %s is being liquidated", ErrInvalidState, id)
	}

	addNotional := fixedpoint.Notional(extraSize, price)
	if m.limits != nil {
		if err := m.limits.CheckOpen(p.Token, p.Leverage, extraMargin, addNotional); err != nil {
			return nil, err
		}
	}

	next := p.Clone()
	next.AverageEntryPrice = fixedpoint.AverageEntryPrice(p.Size, p.AverageEntryPrice, extraSize, price)
	next.Size.Add(next.Size, extraSize)
	next.Collateral.Add(next.Collateral, extraMargin)
	next.MaintenanceMargin = fixedpoint.MaintenanceMargin(next.Notional(), next.MMR)
	next.LiquidationPrice = fixedpoint.LiquidationPriceWithCollateral(next.AverageEntryPrice, next.Size, next.Collateral, next.MMR, next.IsLong)

	mark := next.MarkPrice
	if !fixedpoint.IsPositive(mark) {
		mark = price
	}
	now := m.clock.Now()
	applyRisk(next, mark, now)

	if err := m.repo.Save(next); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}
	m.cacheLocked(next)

	m.settle.IncreaseOI(p.Token, p.IsLong, addNotional)
	m.activity.RecordTrade(p.Token, addNotional, now)
	m.reportOpenInterestLocked(p.Token)

	m.log.Infow("position_increased", "position", id, "extra_size", extraSize.String(), "avg_entry", next.AverageEntryPrice.String())
	return next.Clone(), nil
}

// ClosePosition closes size at closePrice. A nil closeSize, or one at least as
// large as the position, closes it fully; a smaller size closes partially and
// pro-rates collateral by newSize/oldSize.
func (m *Manager) ClosePosition(id string, closePrice, closeSize *big.Int) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.openLocked(id)
	if err != nil {
		return nil, err
	}
	return m.closeLocked(p, closePrice, closeSize, Closed)
}

// CloseForTrader is ClosePosition with an ownership check.
func (m *Manager) CloseForTrader(trader common.Address, id string, closePrice, closeSize *big.Int) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.openLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Trader != trader {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, trader.Hex())
	}
	return m.closeLocked(p, closePrice, closeSize, Closed)
}

// Liquidate fully closes a position whose liquidation guard is held. The
// position ends LIQUIDATED; trader PnL is not settled since the collateral is
// seized by the caller's settlement.
func (m *Manager) Liquidate(id string, price *big.Int) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.openLocked(id)
	if err != nil {
		return nil, err
	}
	if !p.IsLiquidating {
		return nil, fmt.Errorf("%w: liquidation guard not held for %s", ErrInvalidState, id)
	}
	return m.closeLocked(p, price, nil, Liquidated)
}

func (m *Manager) closeLocked(p *Position, price, closeSize *big.Int, final Status) (*CloseResult, error) {
	if !fixedpoint.IsPositive(price) {
		return nil, fmt.Errorf("%w: close price must be positive", ErrInvalidArgument)
	}
	if closeSize != nil && closeSize.Sign() <= 0 {
		return nil, fmt.Errorf("%w: close size must be positive", ErrInvalidArgument)
	}
	full := closeSize == nil || closeSize.Cmp(p.Size) >= 0
	size := p.Size
	if !full {
		size = closeSize
	}

	now := m.clock.Now()
	closedNotional := fixedpoint.Notional(size, p.AverageEntryPrice)
	pnl := fixedpoint.PnL(closedNotional, p.AverageEntryPrice, price, p.IsLong)

	next := p.Clone()
	next.RealizedPnL.Add(next.RealizedPnL, pnl)

	var released *big.Int
	if full {
		released = fixedpoint.Clone(p.Collateral)
		next.Status = final
		next.IsLiquidating = false
		next.MarkPrice = fixedpoint.Clone(price)
		next.UnrealizedPnL = fixedpoint.Zero()
		next.Margin = fixedpoint.Clone(next.Collateral)
		next.ADLScore = fixedpoint.Zero()
		next.UpdatedAt = now.UnixMilli()
		next.ClosedAt = now.UnixMilli()
	} else {
		newSize := new(big.Int).Sub(p.Size, size)
		next.Collateral = fixedpoint.MulDiv(p.Collateral, newSize, p.Size)
		next.MaintenanceMargin = fixedpoint.MulDiv(p.MaintenanceMargin, newSize, p.Size)
		released = new(big.Int).Sub(p.Collateral, next.Collateral)
		next.Size = newSize
		next.LiquidationPrice = fixedpoint.LiquidationPriceWithCollateral(next.AverageEntryPrice, newSize, next.Collateral, next.MMR, next.IsLong)
		applyRisk(next, price, now)
	}

	if err := m.repo.Save(next); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}
	if full {
		m.uncacheLocked(next)
		m.metrics.PositionClosed(final.String())
	} else {
		m.cacheLocked(next)
	}

	m.settle.DecreaseOI(p.Token, p.IsLong, closedNotional)
	if final == Closed && pnl.Sign() != 0 {
		m.settle.SettleTraderPnL(p.Trader, fixedpoint.Abs(pnl), pnl.Sign() > 0)
	}
	m.activity.RecordTrade(p.Token, fixedpoint.Notional(size, price), now)
	m.reportOpenInterestLocked(p.Token)

	remaining := new(big.Int).Add(released, pnl)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}

	if final == Closed {
		m.events.Publish(notify.NewEvent(notify.EventPositionClosed, p.Token, now, map[string]any{
			"position": p.ID,
			"trader":   p.Trader.Hex(),
			"side":     p.Side(),
			"size":     fixedpoint.FormatAmount(size),
			"price":    fixedpoint.FormatAmount(price),
			"pnl":      fixedpoint.FormatAmount(pnl),
			"full":     full,
		}))
	}
	m.log.Infow("position_closed",
		"position", p.ID,
		"status", next.Status.String(),
		"size", size.String(),
		"price", price.String(),
		"pnl", pnl.String(),
		"full", full,
	)

	return &CloseResult{
		Position:            next.Clone(),
		ClosedSize:          fixedpoint.Clone(size),
		ClosePrice:          fixedpoint.Clone(price),
		PnL:                 pnl,
		ReleasedCollateral:  released,
		RemainingCollateral: remaining,
		Full:                full,
	}, nil
}

// UpdateRisk recomputes a position's risk fields at markPrice.
func (m *Manager) UpdateRisk(id string, markPrice *big.Int) (*Position, error) {
	if !fixedpoint.IsPositive(markPrice) {
		return nil, fmt.Errorf("%w: mark price must be positive", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.openLocked(id)
	if err != nil {
		return nil, err
	}
	next := p.Clone()
	applyRisk(next, markPrice, m.clock.Now())
	if err := m.repo.SaveRisk([]*Position{next}); err != nil {
		return nil, fmt.Errorf("failed to save risk: %w", err)
	}
	m.cacheLocked(next)
	return next.Clone(), nil
}

// UpdateRiskForToken applies UpdateRisk to every open position of token and
// returns how many were updated.
func (m *Manager) UpdateRiskForToken(token common.Address, markPrice *big.Int) (int, error) {
	if !fixedpoint.IsPositive(markPrice) {
		return 0, fmt.Errorf("%w: mark price must be positive", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byToken[token]
	if len(ids) == 0 {
		return 0, nil
	}
	now := m.clock.Now()
	updated := make([]*Position, 0, len(ids))
	for id := range ids {
		next := m.open[id].Clone()
		applyRisk(next, markPrice, now)
		updated = append(updated, next)
	}
	if err := m.repo.SaveRisk(updated); err != nil {
		return 0, fmt.Errorf("failed to save risk: %w", err)
	}
	for _, p := range updated {
		m.cacheLocked(p)
	}
	return len(updated), nil
}

// applyRisk is the single place that derives liquidation eligibility.
func applyRisk(p *Position, mark *big.Int, now time.Time) {
	notional := p.Notional()
	p.MarkPrice = fixedpoint.Clone(mark)
	p.UnrealizedPnL = fixedpoint.PnL(notional, p.AverageEntryPrice, mark, p.IsLong)
	p.Margin = new(big.Int).Add(p.Collateral, p.UnrealizedPnL)
	p.MarginRatio = fixedpoint.MarginRatio(p.Margin, p.MaintenanceMargin)
	p.ROE = fixedpoint.ROE(p.UnrealizedPnL, p.Collateral)
	p.ADLScore = fixedpoint.ADLScore(p.UnrealizedPnL, p.Collateral, p.Leverage)
	p.RiskLevel = ClassifyRisk(p.MarginRatio)
	p.UpdatedAt = now.UnixMilli()
}

// TryBeginLiquidation atomically sets isLiquidating on an open position that
// is not already being liquidated. It reports whether the caller now holds the
// guard.
func (m *Manager) TryBeginLiquidation(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.openLocked(id)
	if err != nil {
		return false, err
	}
	if p.IsLiquidating {
		return false, nil
	}
	next := p.Clone()
	next.IsLiquidating = true
	if err := m.repo.Save(next); err != nil {
		return false, fmt.Errorf("failed to save position: %w", err)
	}
	m.cacheLocked(next)
	return true, nil
}

// EndLiquidation releases the guard after a failed attempt. The position
// stays open for the next detection pass.
func (m *Manager) EndLiquidation(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.open[id]
	if !ok || !p.IsLiquidating {
		return
	}
	next := p.Clone()
	next.IsLiquidating = false
	if err := m.repo.Save(next); err != nil {
		m.log.Warnw("liquidation_guard_release_failed", "position", id, "err", err)
	}
	m.cacheLocked(next)
}

// SetADLRankings stores the 1-5 ADL ranking per position id. Unknown or
// closed ids are skipped.
func (m *Manager) SetADLRankings(rankings map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rank := range rankings {
		if p, ok := m.open[id]; ok && p.ADLRanking != rank {
			next := p.Clone()
			next.ADLRanking = rank
			m.cacheLocked(next)
		}
	}
}

// Get returns a copy of a position in any status.
func (m *Manager) Get(id string) (*Position, error) {
	m.mu.RLock()
	p, ok := m.open[id]
	m.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	p, err := m.repo.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// OpenPositions returns copies of the open positions of token ordered by
// creation time, then id.
func (m *Manager) OpenPositions(token common.Address) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Position, 0, len(m.byToken[token]))
	for id := range m.byToken[token] {
		out = append(out, m.open[id].Clone())
	}
	sortPositions(out)
	return out
}

// AllOpen returns copies of every open position.
func (m *Manager) AllOpen() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p.Clone())
	}
	sortPositions(out)
	return out
}

// Tokens returns the tokens with at least one open position.
func (m *Manager) Tokens() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]common.Address, 0, len(m.byToken))
	for token, ids := range m.byToken {
		if len(ids) > 0 {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// ByTrader returns every position, in any status, held by trader.
func (m *Manager) ByTrader(trader common.Address) ([]*Position, error) {
	ps, err := m.repo.ListByTrader(trader)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	m.mu.RLock()
	for i, p := range ps {
		if cached, ok := m.open[p.ID]; ok {
			ps[i] = cached.Clone()
		}
	}
	m.mu.RUnlock()

	sortPositions(ps)
	return ps, nil
}

// RiskSummary aggregates the open positions of token.
func (m *Manager) RiskSummary(token common.Address) RiskSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := RiskSummary{
		Token:           token,
		LongOI:          fixedpoint.Zero(),
		ShortOI:         fixedpoint.Zero(),
		TotalCollateral: fixedpoint.Zero(),
		AtRiskNotional:  fixedpoint.Zero(),
		ByRiskLevel:     make(map[string]int),
	}
	for id := range m.byToken[token] {
		p := m.open[id]
		n := p.Notional()
		s.OpenPositions++
		if p.IsLong {
			s.LongOI.Add(s.LongOI, n)
		} else {
			s.ShortOI.Add(s.ShortOI, n)
		}
		s.TotalCollateral.Add(s.TotalCollateral, p.Collateral)
		s.ByRiskLevel[p.RiskLevel.String()]++
		if p.RiskLevel >= RiskHigh {
			s.AtRiskNotional.Add(s.AtRiskNotional, n)
		}
		if p.IsLiquidatable() {
			s.Liquidatable++
		}
	}
	return s
}

func (m *Manager) openLocked(id string) (*Position, error) {
	if p, ok := m.open[id]; ok {
		return p, nil
	}
	p, err := m.repo.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil, fmt.Errorf("%w: position %s is %s", ErrInvalidState, id, p.Status)
}

func (m *Manager) cacheLocked(p *Position) {
	m.open[p.ID] = p
	ids, ok := m.byToken[p.Token]
	if !ok {
		ids = make(map[string]struct{})
		m.byToken[p.Token] = ids
	}
	ids[p.ID] = struct{}{}
}

func (m *Manager) uncacheLocked(p *Position) {
	delete(m.open, p.ID)
	if ids, ok := m.byToken[p.Token]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(m.byToken, p.Token)
		}
	}
}

func (m *Manager) reportOpenInterestLocked(token common.Address) {
	long, short := fixedpoint.Zero(), fixedpoint.Zero()
	count := 0
	for id := range m.byToken[token] {
		p := m.open[id]
		count++
		if p.IsLong {
			long.Add(long, p.Notional())
		} else {
			short.Add(short, p.Notional())
		}
	}
	m.activity.RecordOpenInterest(token, long, short, count)
	m.metrics.SetOpenPositions(token.Hex(), count)
}

func sortPositions(ps []*Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt != ps[j].CreatedAt {
			return ps[i].CreatedAt < ps[j].CreatedAt
		}
		return ps[i].ID < ps[j].ID
	})
}
