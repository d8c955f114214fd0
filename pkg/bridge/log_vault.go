package bridge

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// LogVault accepts every call and logs it. Used when no chain is configured.
type LogVault struct {
	Log *zap.SugaredLogger
}

func (v LogVault) IncreaseOI(_ context.Context, token common.Address, isLong bool, sizeQuote *big.Int) error {
	v.Log.Debugw("vault_increase_oi", "token", token.Hex(), "long", isLong, "size", sizeQuote.String())
	return nil
}

func (v LogVault) DecreaseOI(_ context.Context, token common.Address, isLong bool, sizeQuote *big.Int) error {
	v.Log.Debugw("vault_decrease_oi", "token", token.Hex(), "long", isLong, "size", sizeQuote.String())
	return nil
}

func (v LogVault) SettleTraderPnL(_ context.Context, trader common.Address, amount *big.Int, isProfit bool) error {
	v.Log.Debugw("vault_settle_pnl", "trader", trader.Hex(), "amount", amount.String(), "profit", isProfit)
	return nil
}

func (v LogVault) SettleLiquidation(_ context.Context, token common.Address, collateralToPool, reward *big.Int, liquidator common.Address) error {
	v.Log.Debugw("vault_settle_liquidation",
		"token", token.Hex(),
		"to_pool", collateralToPool.String(),
		"reward", reward.String(),
		"liquidator", liquidator.Hex(),
	)
	return nil
}

func (v LogVault) CollectFee(_ context.Context, trader common.Address, amount *big.Int) error {
	v.Log.Debugw("vault_collect_fee", "trader", trader.Hex(), "amount", amount.String())
	return nil
}
