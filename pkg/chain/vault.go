package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/bridge"
)

const vaultABIJSON = `[
	{"type":"function","name":"increaseOI","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"isLong","type":"bool"},{"name":"size","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"decreaseOI","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"isLong","type":"bool"},{"name":"size","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"settleTraderPnL","stateMutability":"nonpayable","inputs":[{"name":"trader","type":"address"},{"name":"amount","type":"uint256"},{"name":"isProfit","type":"bool"}],"outputs":[]},
	{"type":"function","name":"settleLiquidation","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"collateralToPool","type":"uint256"},{"name":"reward","type":"uint256"},{"name":"liquidator","type":"address"}],"outputs":[]},
	{"type":"function","name":"collectFee","stateMutability":"nonpayable","inputs":[{"name":"trader","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

var vaultABI = mustParseABI(vaultABIJSON)

// Vault sends settlement calls to the perp vault contract. A call returns
// once the transaction is accepted by the node; inclusion is not awaited.
type Vault struct {
	client  *Client
	address common.Address
}

var _ bridge.Vault = (*Vault)(nil)

func NewVault(client *Client, address common.Address) *Vault {
	return &Vault{client: client, address: address}
}

func (v *Vault) Address() common.Address { return v.address }

func (v *Vault) IncreaseOI(ctx context.Context, token common.Address, isLong bool, sizeQuote *big.Int) error {
	_, err := v.client.Transact(ctx, v.address, vaultABI, "increaseOI", token, isLong, sizeQuote)
	return err
}

func (v *Vault) DecreaseOI(ctx context.Context, token common.Address, isLong bool, sizeQuote *big.Int) error {
	_, err := v.client.Transact(ctx, v.address, vaultABI, "decreaseOI", token, isLong, sizeQuote)
	return err
}

func (v *Vault) SettleTraderPnL(ctx context.Context, trader common.Address, amount *big.Int, isProfit bool) error {
	_, err := v.client.Transact(ctx, v.address, vaultABI, "settleTraderPnL", trader, amount, isProfit)
	return err
}

func (v *Vault) SettleLiquidation(ctx context.Context, token common.Address, collateralToPool, reward *big.Int, liquidator common.Address) error {
	if reward == nil {
		reward = new(big.Int)
	}
	_, err := v.client.Transact(ctx, v.address, vaultABI, "settleLiquidation", token, collateralToPool, reward, liquidator)
	return err
}

func (v *Vault) CollectFee(ctx context.Context, trader common.Address, amount *big.Int) error {
	_, err := v.client.Transact(ctx, v.address, vaultABI, "collectFee", trader, amount)
	return err
}
