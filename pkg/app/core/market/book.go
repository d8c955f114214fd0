// Package market holds the per-token price view the risk core reads from the
// matching side: mark price, a depth snapshot and recent prints.
package market

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

var (
	ErrNoPrice       = errors.New("no price")
	ErrUnknownMarket = errors.New("unknown market")
)

const maxTrades = 256

// Handle is the read view of one token's book.
type Handle interface {
	CurrentPrice() (*big.Int, error)
	Depth(n int) (bids, asks []PriceLevel)
	Trades(n int) []Trade
}

type PriceLevel struct {
	Price *big.Int `json:"price"`
	Size  *big.Int `json:"size"` // total size at this price level
}

type Trade struct {
	Price     *big.Int `json:"price"`
	Size      *big.Int `json:"size"`
	Timestamp int64    `json:"timestamp"` // unix ms
}

// Book is the in-process Handle for one token. Prices and sizes are 1e18
// fixed-point.
type Book struct {
	mu     sync.RWMutex
	token  common.Address
	mark   *big.Int
	bids   []PriceLevel // best (highest) first
	asks   []PriceLevel // best (lowest) first
	trades []Trade      // oldest first
}

var _ Handle = (*Book)(nil)

func NewBook(token common.Address) *Book {
	return &Book{token: token}
}

func (b *Book) Token() common.Address { return b.token }

// CurrentPrice returns the mark price: the last explicit mark or the last
// trade, whichever came later.
func (b *Book) CurrentPrice() (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !fixedpoint.IsPositive(b.mark) {
		return nil, ErrNoPrice
	}
	return fixedpoint.Clone(b.mark), nil
}

func (b *Book) SetMarkPrice(price *big.Int) {
	b.mu.Lock()
	b.mark = fixedpoint.Clone(price)
	b.mu.Unlock()
}

// SetDepth replaces the depth snapshot. Levels are re-sorted best first.
func (b *Book) SetDepth(bids, asks []PriceLevel) {
	bids = cloneLevels(bids)
	asks = cloneLevels(asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.Cmp(bids[j].Price) > 0 })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.Cmp(asks[j].Price) < 0 })

	b.mu.Lock()
	b.bids, b.asks = bids, asks
	b.mu.Unlock()
}

// Depth returns up to n levels per side, best first.
func (b *Book) Depth(n int) ([]PriceLevel, []PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cloneLevels(head(b.bids, n)), cloneLevels(head(b.asks, n))
}

// RecordTrade appends a print and moves the mark to its price.
func (b *Book) RecordTrade(price, size *big.Int, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trades = append(b.trades, Trade{
		Price:     fixedpoint.Clone(price),
		Size:      fixedpoint.Clone(size),
		Timestamp: at.UnixMilli(),
	})
	if len(b.trades) > maxTrades {
		b.trades = append(b.trades[:0], b.trades[len(b.trades)-maxTrades:]...)
	}
	b.mark = fixedpoint.Clone(price)
}

// Trades returns up to n recent prints, newest first.
func (b *Book) Trades(n int) []Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.trades) {
		n = len(b.trades)
	}
	out := make([]Trade, 0, n)
	for i := len(b.trades) - 1; i >= len(b.trades)-n; i-- {
		out = append(out, b.trades[i])
	}
	return out
}

func head(levels []PriceLevel, n int) []PriceLevel {
	if n <= 0 || n > len(levels) {
		return levels
	}
	return levels[:n]
}

func cloneLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: fixedpoint.Clone(l.Price), Size: fixedpoint.Clone(l.Size)}
	}
	return out
}
