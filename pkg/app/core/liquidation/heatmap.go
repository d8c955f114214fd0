package liquidation

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

const (
	DefaultPriceLevels = 20
	heatmapRangeBps    = 2_000 // ±20% around the current price
)

// TimeSlot is one heatmap column. There is no price history, so every slot
// replays the current snapshot scaled by Weight percent.
type TimeSlot struct {
	Label  string `json:"label"`
	Weight int64  `json:"weight"`
}

// TimeSlots are the heatmap resolutions; older slots carry half weight.
var TimeSlots = []TimeSlot{
	{Label: "30m", Weight: 100},
	{Label: "1h", Weight: 50},
	{Label: "4h", Weight: 50},
	{Label: "12h", Weight: 50},
	{Label: "1d", Weight: 50},
}

type HeatmapCell struct {
	PriceLevel *big.Int `json:"priceLevel"` // bucket lower bound
	TimeSlot   string   `json:"timeSlot"`
	LongSize   *big.Int `json:"longSize"`
	ShortSize  *big.Int `json:"shortSize"`
	Intensity  int64    `json:"intensity"` // 0-100
}

type Heatmap struct {
	Token        common.Address `json:"token"`
	CurrentPrice *big.Int       `json:"currentPrice"`
	PriceLevels  []*big.Int     `json:"priceLevels"`
	TimeSlots    []string       `json:"timeSlots"`
	Cells        []HeatmapCell  `json:"cells"`
	MaxSize      *big.Int       `json:"maxSize"`
}

// Heatmap buckets the open positions of token by liquidation price into
// levels buckets spanning the current price ±20%. Positions liquidating
// outside the range are left out.
func (e *Engine) Heatmap(token common.Address, levels int) (*Heatmap, error) {
	if levels <= 0 {
		levels = DefaultPriceLevels
	}
	price, err := e.currentPrice(token)
	if err != nil {
		return nil, err
	}

	span := fixedpoint.MulDiv(price, big.NewInt(heatmapRangeBps), fixedpoint.BasisPoints)
	low := new(big.Int).Sub(price, span)
	high := new(big.Int).Add(price, span)
	step := new(big.Int).Quo(new(big.Int).Sub(high, low), big.NewInt(int64(levels)))
	if step.Sign() == 0 {
		step.SetInt64(1)
	}

	longs := make([]*big.Int, levels)
	shorts := make([]*big.Int, levels)
	bounds := make([]*big.Int, levels)
	for i := range bounds {
		longs[i], shorts[i] = fixedpoint.Zero(), fixedpoint.Zero()
		bounds[i] = new(big.Int).Add(low, new(big.Int).Mul(step, big.NewInt(int64(i))))
	}

	for _, p := range e.positions.OpenPositions(token) {
		lp := p.LiquidationPrice
		if lp == nil || lp.Cmp(low) < 0 || lp.Cmp(high) > 0 {
			continue
		}
		idx := new(big.Int).Quo(new(big.Int).Sub(lp, low), step).Int64()
		if idx >= int64(levels) {
			idx = int64(levels) - 1
		}
		if p.IsLong {
			longs[idx].Add(longs[idx], p.Size)
		} else {
			shorts[idx].Add(shorts[idx], p.Size)
		}
	}

	hm := &Heatmap{
		Token:        token,
		CurrentPrice: price,
		PriceLevels:  bounds,
		MaxSize:      fixedpoint.Zero(),
	}
	weight := func(v *big.Int, w int64) *big.Int {
		return fixedpoint.MulDiv(v, big.NewInt(w), big.NewInt(100))
	}
	for _, slot := range TimeSlots {
		hm.TimeSlots = append(hm.TimeSlots, slot.Label)
		for i := 0; i < levels; i++ {
			cell := HeatmapCell{
				PriceLevel: bounds[i],
				TimeSlot:   slot.Label,
				LongSize:   weight(longs[i], slot.Weight),
				ShortSize:  weight(shorts[i], slot.Weight),
			}
			if total := new(big.Int).Add(cell.LongSize, cell.ShortSize); total.Cmp(hm.MaxSize) > 0 {
				hm.MaxSize = total
			}
			hm.Cells = append(hm.Cells, cell)
		}
	}
	if hm.MaxSize.Sign() > 0 {
		for i := range hm.Cells {
			total := new(big.Int).Add(hm.Cells[i].LongSize, hm.Cells[i].ShortSize)
			hm.Cells[i].Intensity = fixedpoint.MulDiv(total, big.NewInt(100), hm.MaxSize).Int64()
		}
	}
	return hm, nil
}

// MapLevel aggregates positions sharing a rounded liquidation price.
type MapLevel struct {
	Price    *big.Int `json:"price"`
	Size     *big.Int `json:"size"`
	Notional *big.Int `json:"notional"`
	Count    int      `json:"count"`
}

type LiquidationMap struct {
	Token        common.Address `json:"token"`
	CurrentPrice *big.Int       `json:"currentPrice,omitempty"`
	Step         *big.Int       `json:"step"`
	Longs        []MapLevel     `json:"longs"`  // price descending
	Shorts       []MapLevel     `json:"shorts"` // price ascending
}

// LiquidationMap groups open positions by liquidation price rounded down to
// step. A nil step uses 1% of the current price.
func (e *Engine) LiquidationMap(token common.Address, step *big.Int) (*LiquidationMap, error) {
	var price *big.Int
	if !fixedpoint.IsPositive(step) {
		p, err := e.currentPrice(token)
		if err != nil {
			return nil, err
		}
		price = p
		step = new(big.Int).Quo(p, big.NewInt(100))
		if step.Sign() == 0 {
			step.SetInt64(1)
		}
	}

	longs := make(map[string]*MapLevel)
	shorts := make(map[string]*MapLevel)
	for _, p := range e.positions.OpenPositions(token) {
		if p.LiquidationPrice == nil || p.LiquidationPrice.Sign() <= 0 {
			continue
		}
		bucket := new(big.Int).Quo(p.LiquidationPrice, step)
		bucket.Mul(bucket, step)

		side := shorts
		if p.IsLong {
			side = longs
		}
		key := bucket.String()
		lvl, ok := side[key]
		if !ok {
			lvl = &MapLevel{Price: bucket, Size: fixedpoint.Zero(), Notional: fixedpoint.Zero()}
			side[key] = lvl
		}
		lvl.Size.Add(lvl.Size, p.Size)
		lvl.Notional.Add(lvl.Notional, p.Notional())
		lvl.Count++
	}

	m := &LiquidationMap{
		Token:        token,
		CurrentPrice: price,
		Step:         step,
		Longs:        flatten(longs),
		Shorts:       flatten(shorts),
	}
	sort.Slice(m.Longs, func(i, j int) bool { return m.Longs[i].Price.Cmp(m.Longs[j].Price) > 0 })
	sort.Slice(m.Shorts, func(i, j int) bool { return m.Shorts[i].Price.Cmp(m.Shorts[j].Price) < 0 })
	return m, nil
}

func flatten(levels map[string]*MapLevel) []MapLevel {
	out := make([]MapLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, *l)
	}
	return out
}
