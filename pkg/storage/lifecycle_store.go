package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperrisk/pkg/app/core/lifecycle"
)

// LifecycleStore implements lifecycle.Store on Pebble.
type LifecycleStore struct {
	*Store
}

var _ lifecycle.Store = (*LifecycleStore)(nil)

func NewLifecycleStore(s *Store) *LifecycleStore {
	return &LifecycleStore{Store: s}
}

// Save overwrites the record for token.
func (s *LifecycleStore) Save(token common.Address, r lifecycle.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle record: %w", err)
	}
	if err := s.db.Set(lifecycleKey(token), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save lifecycle record %s: %w", token.Hex(), err)
	}
	return nil
}

// List returns every stored record keyed by token.
func (s *LifecycleStore) List() (map[common.Address]lifecycle.Record, error) {
	prefix := []byte(prefixLifecycle)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	out := make(map[common.Address]lifecycle.Record)
	for iter.First(); iter.Valid(); iter.Next() {
		hex := strings.TrimPrefix(string(iter.Key()), prefixLifecycle)
		if !common.IsHexAddress(hex) {
			continue // Skip malformed keys
		}
		var r lifecycle.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lifecycle record %s: %w", hex, err)
		}
		out[common.HexToAddress(hex)] = r
	}
	return out, iter.Error()
}
