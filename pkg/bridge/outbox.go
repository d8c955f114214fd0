// Package bridge mirrors position changes to the on-chain vault. Calls are
// fire-and-forget for the caller: intents go through a bounded, persisted
// outbox and a single worker delivers them in order with retries.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/liquidation"
	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
	"github.com/uhyunpark/hyperrisk/pkg/metrics"
	"github.com/uhyunpark/hyperrisk/pkg/storage"
	"github.com/uhyunpark/hyperrisk/pkg/util"
)

type Method string

const (
	MethodIncreaseOI        Method = "increaseOI"
	MethodDecreaseOI        Method = "decreaseOI"
	MethodSettleTraderPnL   Method = "settleTraderPnL"
	MethodSettleLiquidation Method = "settleLiquidation"
	MethodCollectFee        Method = "collectFee"
)

// Intent is one vault call waiting for delivery.
type Intent struct {
	Seq       uint64         `json:"seq"`
	Method    Method         `json:"method"`
	Token     common.Address `json:"token,omitempty"`
	Account   common.Address `json:"account,omitempty"` // trader or liquidator
	IsLong    bool           `json:"isLong,omitempty"`
	IsProfit  bool           `json:"isProfit,omitempty"`
	Amount    *big.Int       `json:"amount"`
	Reward    *big.Int       `json:"reward,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// Vault is the settlement contract. Each method blocks until the call is
// accepted or fails.
type Vault interface {
	IncreaseOI(ctx context.Context, token common.Address, isLong bool, sizeQuote *big.Int) error
	DecreaseOI(ctx context.Context, token common.Address, isLong bool, sizeQuote *big.Int) error
	SettleTraderPnL(ctx context.Context, trader common.Address, amount *big.Int, isProfit bool) error
	SettleLiquidation(ctx context.Context, token common.Address, collateralToPool, reward *big.Int, liquidator common.Address) error
	CollectFee(ctx context.Context, trader common.Address, amount *big.Int) error
}

// IntentStore persists undelivered intents across restarts.
type IntentStore interface {
	Append(seq uint64, data []byte) error
	Remove(seq uint64) error
	Pending() ([]storage.PendingIntent, error)
}

type Config struct {
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
	CallTimeout  time.Duration
}

type Deps struct {
	Store   IntentStore
	Metrics *metrics.Metrics
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Outbox implements position.Settlement and liquidation.Settlement.
type Outbox struct {
	vault Vault
	store IntentStore
	cfg   Config

	ch     chan Intent
	seq    atomic.Uint64
	replay []Intent

	metrics *metrics.Metrics
	clock   util.Clock
	log     *zap.SugaredLogger

	mu    sync.Mutex
	stats Stats
}

var (
	_ position.Settlement    = (*Outbox)(nil)
	_ liquidation.Settlement = (*Outbox)(nil)
)

func NewOutbox(vault Vault, cfg Config, deps Deps) *Outbox {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	o := &Outbox{
		vault:   vault,
		store:   deps.Store,
		cfg:     cfg,
		ch:      make(chan Intent, cfg.QueueSize),
		metrics: deps.Metrics,
		clock:   deps.Clock,
		log:     deps.Logger,
	}
	if o.clock == nil {
		o.clock = util.RealClock{}
	}
	if o.log == nil {
		o.log = util.NopSugar()
	}
	return o
}

// Load reads intents left over from a previous run. They are delivered
// before anything enqueued afterwards.
func (o *Outbox) Load() error {
	if o.store == nil {
		return nil
	}
	pending, err := o.store.Pending()
	if err != nil {
		return fmt.Errorf("failed to load outbox: %w", err)
	}
	var maxSeq uint64
	for _, p := range pending {
		var in Intent
		if err := json.Unmarshal(p.Data, &in); err != nil {
			o.log.Warnw("outbox_intent_corrupt", "seq", p.Seq, "err", err)
			_ = o.store.Remove(p.Seq)
			continue
		}
		in.Seq = p.Seq
		o.replay = append(o.replay, in)
		if p.Seq > maxSeq {
			maxSeq = p.Seq
		}
	}
	o.seq.Store(maxSeq)
	if len(o.replay) > 0 {
		o.log.Infow("outbox_replay", "intents", len(o.replay))
	}
	return nil
}

func (o *Outbox) IncreaseOI(token common.Address, isLong bool, sizeQuote *big.Int) {
	o.enqueue(Intent{Method: MethodIncreaseOI, Token: token, IsLong: isLong, Amount: sizeQuote})
}

func (o *Outbox) DecreaseOI(token common.Address, isLong bool, sizeQuote *big.Int) {
	o.enqueue(Intent{Method: MethodDecreaseOI, Token: token, IsLong: isLong, Amount: sizeQuote})
}

func (o *Outbox) SettleTraderPnL(trader common.Address, amount *big.Int, isProfit bool) {
	o.enqueue(Intent{Method: MethodSettleTraderPnL, Account: trader, Amount: amount, IsProfit: isProfit})
}

func (o *Outbox) SettleLiquidation(token common.Address, collateralToPool, reward *big.Int, liquidator common.Address) {
	o.enqueue(Intent{Method: MethodSettleLiquidation, Token: token, Account: liquidator, Amount: collateralToPool, Reward: reward})
}

func (o *Outbox) CollectFee(trader common.Address, amount *big.Int) {
	o.enqueue(Intent{Method: MethodCollectFee, Account: trader, Amount: amount})
}

// enqueue never blocks. A full queue drops the intent and counts it.
func (o *Outbox) enqueue(in Intent) {
	in.Seq = o.seq.Add(1)
	in.Amount = fixedpoint.Clone(in.Amount)
	if in.Reward != nil {
		in.Reward = fixedpoint.Clone(in.Reward)
	}
	in.CreatedAt = o.clock.Now().UnixMilli()

	persisted := o.persist(in)

	select {
	case o.ch <- in:
		o.mu.Lock()
		o.stats.Enqueued++
		o.mu.Unlock()
		o.metrics.SetBridgePending(len(o.ch))
	default:
		if persisted {
			_ = o.store.Remove(in.Seq)
		}
		o.mu.Lock()
		o.stats.Dropped++
		o.mu.Unlock()
		o.metrics.BridgeDrop(string(in.Method))
		o.log.Warnw("bridge_intent_dropped", "method", in.Method, "seq", in.Seq)
	}
}

func (o *Outbox) persist(in Intent) bool {
	if o.store == nil {
		return false
	}
	data, err := json.Marshal(in)
	if err != nil {
		o.log.Warnw("outbox_marshal_failed", "seq", in.Seq, "err", err)
		return false
	}
	if err := o.store.Append(in.Seq, data); err != nil {
		o.log.Warnw("outbox_persist_failed", "seq", in.Seq, "err", err)
		return false
	}
	return true
}

// Run delivers replayed intents, then queued ones, until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	replay := o.replay
	o.replay = nil
	for _, in := range replay {
		if ctx.Err() != nil {
			return nil
		}
		o.deliver(ctx, in)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-o.ch:
			o.deliver(ctx, in)
			o.metrics.SetBridgePending(len(o.ch))
		}
	}
}

// deliver retries a failed call up to MaxAttempts times, then abandons it.
// Failures never reach the caller that produced the intent.
func (o *Outbox) deliver(ctx context.Context, in Intent) {
	var err error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		err = o.call(callCtx, in)
		cancel()
		if err == nil {
			o.metrics.BridgeCall(string(in.Method))
			o.done(in)
			o.mu.Lock()
			o.stats.Delivered++
			o.mu.Unlock()
			return
		}
		o.log.Debugw("bridge_call_retry", "method", in.Method, "seq", in.Seq, "attempt", attempt, "err", err)
		if attempt == o.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	o.metrics.BridgeFailure(string(in.Method))
	o.done(in)
	o.mu.Lock()
	o.stats.Failed++
	o.mu.Unlock()
	o.log.Warnw("bridge_call_failed",
		"method", in.Method,
		"seq", in.Seq,
		"amount", in.Amount.String(),
		"err", err,
	)
}

func (o *Outbox) done(in Intent) {
	if o.store == nil {
		return
	}
	if err := o.store.Remove(in.Seq); err != nil {
		o.log.Warnw("outbox_remove_failed", "seq", in.Seq, "err", err)
	}
}

func (o *Outbox) call(ctx context.Context, in Intent) error {
	switch in.Method {
	case MethodIncreaseOI:
		return o.vault.IncreaseOI(ctx, in.Token, in.IsLong, in.Amount)
	case MethodDecreaseOI:
		return o.vault.DecreaseOI(ctx, in.Token, in.IsLong, in.Amount)
	case MethodSettleTraderPnL:
		return o.vault.SettleTraderPnL(ctx, in.Account, in.Amount, in.IsProfit)
	case MethodSettleLiquidation:
		return o.vault.SettleLiquidation(ctx, in.Token, in.Amount, fixedpoint.Clone(in.Reward), in.Account)
	case MethodCollectFee:
		return o.vault.CollectFee(ctx, in.Account, in.Amount)
	default:
		return fmt.Errorf("unknown method %q", in.Method)
	}
}

func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Pending = len(o.ch)
	return s
}
