package liquidation

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/notify"
)

// ADLEntry is a profitable position eligible to absorb a deficit.
type ADLEntry struct {
	PositionID string   `json:"positionId"`
	IsLong     bool     `json:"isLong"`
	Score      *big.Int `json:"score"`
	Ranking    int      `json:"ranking"` // 1-5, 5 is deleveraged first
}

// adlQueues holds a token's profitable positions per side, highest score
// first.
type adlQueues struct {
	long  []ADLEntry
	short []ADLEntry
}

// ADLFill is one target closed to cover a deficit.
type ADLFill struct {
	PositionID string   `json:"positionId"`
	Amount     *big.Int `json:"amount"` // deficit absorbed
	SizeClosed *big.Int `json:"sizeClosed"`
	Full       bool     `json:"full"`
}

// ADLResult summarises one ADL run.
type ADLResult struct {
	Deficit     *big.Int  `json:"deficit"`
	Covered     *big.Int  `json:"covered"`
	Unrecovered *big.Int  `json:"unrecovered"`
	Fills       []ADLFill `json:"fills"`
}

// RebuildADLQueues recomputes every token's ADL queues from scratch and
// assigns 1-5 rankings by quintile. Positions not in profit rank 1.
func (e *Engine) RebuildADLQueues() {
	rankings := make(map[string]int)
	queues := make(map[common.Address]*adlQueues)

	for _, token := range e.positions.Tokens() {
		q := &adlQueues{}
		for _, p := range e.positions.OpenPositions(token) {
			if !p.IsADLCandidate() {
				rankings[p.ID] = 1
				continue
			}
			entry := ADLEntry{PositionID: p.ID, IsLong: p.IsLong, Score: fixedpoint.Clone(p.ADLScore)}
			if p.IsLong {
				q.long = append(q.long, entry)
			} else {
				q.short = append(q.short, entry)
			}
		}
		rank(q.long, rankings)
		rank(q.short, rankings)
		queues[token] = q
	}

	e.mu.Lock()
	e.adl = queues
	e.mu.Unlock()
	e.positions.SetADLRankings(rankings)
}

func rank(entries []ADLEntry, rankings map[string]int) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].Score.Cmp(entries[j].Score); c != 0 {
			return c > 0
		}
		return entries[i].PositionID < entries[j].PositionID
	})
	n := len(entries)
	for i := range entries {
		entries[i].Ranking = 5 - i*5/n
		rankings[entries[i].PositionID] = entries[i].Ranking
	}
}

// ADLQueue returns a copy of one side's queue for token.
func (e *Engine) ADLQueue(token common.Address, isLong bool) []ADLEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.adl[token]
	if !ok {
		return nil
	}
	if isLong {
		return append([]ADLEntry(nil), q.long...)
	}
	return append([]ADLEntry(nil), q.short...)
}

// ExecuteADL covers deficit by closing profitable positions on the side
// opposite to bankrupt, highest score first, at price. Each target gives up
// min(remaining, collateral+unrealizedPnL) and closes the matching share of
// its size. Whatever is left when the queue runs out is reported as an
// unrecovered loss.
func (e *Engine) ExecuteADL(bankrupt *position.Position, deficit, price *big.Int) *ADLResult {
	res := &ADLResult{
		Deficit: fixedpoint.Clone(deficit),
		Covered: fixedpoint.Zero(),
	}
	remaining := fixedpoint.Clone(deficit)
	targets := e.ADLQueue(bankrupt.Token, !bankrupt.IsLong)

	for _, entry := range targets {
		if remaining.Sign() <= 0 {
			break
		}
		target, err := e.positions.Get(entry.PositionID)
		if err != nil || !target.IsOpen() || target.IsLong == bankrupt.IsLong || target.IsLiquidating {
			continue
		}
		equity := target.Equity()
		if equity.Sign() <= 0 {
			continue
		}

		amount := fixedpoint.Min(remaining, equity)
		full := amount.Cmp(equity) == 0
		var size *big.Int
		if !full {
			size = fixedpoint.MulDiv(target.Size, amount, equity)
			if size.Sign() == 0 {
				size.SetInt64(1)
			}
		}

		closed, err := e.positions.ClosePosition(target.ID, price, size)
		if err != nil {
			e.log.Warnw("adl_close_failed", "position", target.ID, "err", err)
			continue
		}
		remaining.Sub(remaining, amount)
		res.Covered.Add(res.Covered, amount)
		res.Fills = append(res.Fills, ADLFill{
			PositionID: target.ID,
			Amount:     amount,
			SizeClosed: closed.ClosedSize,
			Full:       closed.Full,
		})

		e.metrics.ADLFill(bankrupt.Token.Hex())
		e.events.Publish(notify.NewEvent(notify.EventADL, bankrupt.Token, e.clock.Now(), map[string]any{
			"bankrupt": bankrupt.ID,
			"target":   target.ID,
			"trader":   target.Trader.Hex(),
			"amount":   fixedpoint.FormatAmount(amount),
			"size":     fixedpoint.FormatAmount(closed.ClosedSize),
			"price":    fixedpoint.FormatAmount(price),
		}))
		e.log.Infow("adl_fill",
			"bankrupt", bankrupt.ID,
			"target", target.ID,
			"amount", amount.String(),
			"size", closed.ClosedSize.String(),
		)
	}

	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	res.Unrecovered = remaining
	e.dropClosed(bankrupt.Token, res.Fills)

	e.mu.Lock()
	e.stats.ADLEvents++
	e.stats.ADLFills += uint64(len(res.Fills))
	if remaining.Sign() > 0 {
		e.stats.Unrecovered++
		e.stats.UnrecoveredTotal.Add(e.stats.UnrecoveredTotal, remaining)
	}
	e.mu.Unlock()

	if remaining.Sign() > 0 {
		e.metrics.UnrecoveredLoss(bankrupt.Token.Hex())
		e.events.Publish(notify.NewEvent(notify.EventUnrecoveredLoss, bankrupt.Token, e.clock.Now(), map[string]any{
			"position":  bankrupt.ID,
			"deficit":   fixedpoint.FormatAmount(deficit),
			"covered":   fixedpoint.FormatAmount(res.Covered),
			"shortfall": fixedpoint.FormatAmount(remaining),
		}))
		e.log.Errorw("adl_unrecovered_loss",
			"position", bankrupt.ID,
			"token", bankrupt.Token.Hex(),
			"deficit", deficit.String(),
			"shortfall", remaining.String(),
		)
	}
	return res
}

// dropClosed removes fully closed targets from the cached queue so the next
// ADL run before a rebuild skips them.
func (e *Engine) dropClosed(token common.Address, fills []ADLFill) {
	closed := make(map[string]struct{})
	for _, f := range fills {
		if f.Full {
			closed[f.PositionID] = struct{}{}
		}
	}
	if len(closed) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.adl[token]
	if !ok {
		return
	}
	q.long = without(q.long, closed)
	q.short = without(q.short, closed)
}

func without(entries []ADLEntry, drop map[string]struct{}) []ADLEntry {
	out := entries[:0]
	for _, en := range entries {
		if _, ok := drop[en.PositionID]; !ok {
			out = append(out, en)
		}
	}
	return out
}
