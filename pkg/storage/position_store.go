package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/position"
)

// PositionStore implements position.Repository on Pebble.
// Thread-safe: Pebble handles concurrent access; read-modify-write sequences
// are serialized by the position manager.
type PositionStore struct {
	*Store
}

var _ position.Repository = (*PositionStore)(nil)

func NewPositionStore(s *Store) *PositionStore {
	return &PositionStore{Store: s}
}

// Get loads a position. Returns nil if the position doesn't exist.
func (s *PositionStore) Get(id string) (*position.Position, error) {
	data, closer, err := s.db.Get(positionKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	defer closer.Close()

	var p position.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &p, nil
}

// Save persists a position and its index entries.
func (s *PositionStore) Save(p *position.Position) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := putPosition(b, p); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// SavePair writes both legs in one batch, so a failed commit stores neither.
func (s *PositionStore) SavePair(long, short *position.Position) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := putPosition(b, long); err != nil {
		return err
	}
	if err := putPosition(b, short); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save pair %s: %w", long.PairID, err)
	}
	return nil
}

// SaveRisk persists tick-driven updates without fsync; a crash loses at most
// recomputable risk fields.
func (s *PositionStore) SaveRisk(ps []*position.Position) error {
	if len(ps) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()

	for _, p := range ps {
		if err := putPosition(b, p); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save risk batch: %w", err)
	}
	return nil
}

// ListOpen loads every open position.
func (s *PositionStore) ListOpen() ([]*position.Position, error) {
	return s.loadIndexed([]byte(prefixOpen))
}

// ListOpenByToken loads the open positions of one token.
func (s *PositionStore) ListOpenByToken(token common.Address) ([]*position.Position, error) {
	return s.loadIndexed(openTokenPrefix(token))
}

// ListByTrader loads every position of a trader, in any status.
func (s *PositionStore) ListByTrader(trader common.Address) ([]*position.Position, error) {
	return s.loadIndexed(traderPrefix(trader))
}

func (s *PositionStore) loadIndexed(prefix []byte) ([]*position.Position, error) {
	keys, err := s.scanKeys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*position.Position, 0, len(keys))
	for _, k := range keys {
		p, err := s.Get(idFromIndexKey(k))
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func putPosition(b *pebble.Batch, p *position.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := b.Set(positionKey(p.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(traderKey(p.Trader, p.ID), nil, nil); err != nil {
		return err
	}
	if p.IsOpen() {
		return b.Set(openKey(p.Token, p.ID), nil, nil)
	}
	return b.Delete(openKey(p.Token, p.ID), nil)
}
