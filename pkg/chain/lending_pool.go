package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/lending"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

const lendingPoolABIJSON = `[
	{"type":"function","name":"getUtilization","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getUserBorrow","stateMutability":"view","inputs":[{"name":"token","type":"address"},{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"liquidate","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"borrower","type":"address"}],"outputs":[{"name":"seized","type":"uint256"}]}
]`

var lendingPoolABI = mustParseABI(lendingPoolABIJSON)

// LendingPool reads utilization and borrows from the pool contract and sends
// liquidations. Utilization is reported on-chain in WAD (1e18 = 100%).
type LendingPool struct {
	client  *Client
	address common.Address
}

var _ lending.PoolClient = (*LendingPool)(nil)

func NewLendingPool(client *Client, address common.Address) *LendingPool {
	return &LendingPool{client: client, address: address}
}

func (p *LendingPool) GetUtilization(ctx context.Context, token common.Address) (uint64, error) {
	wad, err := p.client.CallBig(ctx, p.address, lendingPoolABI, "getUtilization", token)
	if err != nil {
		return 0, err
	}
	return WadToBps(wad), nil
}

func (p *LendingPool) GetUserBorrow(ctx context.Context, token, user common.Address) (*big.Int, error) {
	return p.client.CallBig(ctx, p.address, lendingPoolABI, "getUserBorrow", token, user)
}

// LiquidateBorrow previews the seized amount with a call, then sends the
// liquidation and waits for its receipt.
func (p *LendingPool) LiquidateBorrow(ctx context.Context, token, borrower common.Address) (*big.Int, error) {
	seized, err := p.client.CallBig(ctx, p.address, lendingPoolABI, "liquidate", token, borrower)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lending.ErrReverted, err)
	}
	tx, err := p.client.Transact(ctx, p.address, lendingPoolABI, "liquidate", token, borrower)
	if err != nil {
		return nil, err
	}
	_, err = p.client.WaitMined(ctx, tx.Hash())
	switch {
	case err == nil:
		return seized, nil
	case errors.Is(err, ErrReceiptTimeout):
		return nil, fmt.Errorf("%w: %v", lending.ErrConfirmationTimeout, err)
	case errors.Is(err, ErrTxFailed):
		return nil, fmt.Errorf("%w: %v", lending.ErrReverted, err)
	default:
		return nil, err
	}
}

// WadToBps converts a 1e18-scaled ratio to basis points, truncating.
func WadToBps(wad *big.Int) uint64 {
	if wad == nil || wad.Sign() <= 0 {
		return 0
	}
	bps := fixedpoint.MulDiv(wad, fixedpoint.BasisPoints, fixedpoint.Precision)
	if !bps.IsUint64() {
		return ^uint64(0)
	}
	return bps.Uint64()
}
