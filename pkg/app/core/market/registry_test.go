package market

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

var tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	_, err := r.GetOrderBook(tokenA)
	assert.ErrorIs(t, err, ErrUnknownMarket)
	assert.False(t, r.Exists(tokenA))

	b1 := r.Register(tokenA)
	b2 := r.Register(tokenA)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []common.Address{tokenA}, r.Tokens())

	h, err := r.GetOrderBook(tokenA)
	require.NoError(t, err)
	_, err = h.CurrentPrice()
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestMarkFollowsTrades(t *testing.T) {
	r := NewRegistry()
	r.SetMarkPrice(tokenA, fixedpoint.Units(100))

	h, err := r.GetOrderBook(tokenA)
	require.NoError(t, err)
	p, err := h.CurrentPrice()
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(fixedpoint.Units(100)))

	now := time.Unix(1_700_000_000, 0)
	r.RecordTrade(tokenA, fixedpoint.Units(101), fixedpoint.Units(1), now)
	r.RecordTrade(tokenA, fixedpoint.Units(102), fixedpoint.Units(2), now.Add(time.Second))

	p, err = h.CurrentPrice()
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(fixedpoint.Units(102)))

	trades := h.Trades(10)
	require.Len(t, trades, 2)
	assert.Equal(t, 0, trades[0].Price.Cmp(fixedpoint.Units(102)))
	assert.Len(t, h.Trades(1), 1)
}

func TestTradesAreBounded(t *testing.T) {
	b := NewBook(tokenA)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < maxTrades+10; i++ {
		b.RecordTrade(big.NewInt(int64(i+1)), big.NewInt(1), now)
	}
	trades := b.Trades(0)
	require.Len(t, trades, maxTrades)
	assert.Equal(t, int64(maxTrades+10), trades[0].Price.Int64())
}

func TestDepthSortedBestFirst(t *testing.T) {
	b := NewBook(tokenA)
	b.SetDepth(
		[]PriceLevel{{Price: big.NewInt(98), Size: big.NewInt(1)}, {Price: big.NewInt(99), Size: big.NewInt(2)}},
		[]PriceLevel{{Price: big.NewInt(102), Size: big.NewInt(1)}, {Price: big.NewInt(101), Size: big.NewInt(3)}},
	)

	bids, asks := b.Depth(1)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.Equal(t, int64(99), bids[0].Price.Int64())
	assert.Equal(t, int64(101), asks[0].Price.Int64())

	bids, _ = b.Depth(0)
	assert.Len(t, bids, 2)
}
