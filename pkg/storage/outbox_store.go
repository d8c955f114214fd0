package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
)

// PendingIntent is a raw outbox record awaiting delivery.
type PendingIntent struct {
	Seq  uint64
	Data []byte
}

// OutboxStore persists settlement intents until they are delivered or
// abandoned, so a restart replays what was still in flight.
type OutboxStore struct {
	*Store
}

func NewOutboxStore(s *Store) *OutboxStore {
	return &OutboxStore{Store: s}
}

// Append stores an intent under seq.
func (s *OutboxStore) Append(seq uint64, data []byte) error {
	if err := s.db.Set(outboxKey(seq), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to append intent %d: %w", seq, err)
	}
	return nil
}

// Remove deletes a delivered or abandoned intent.
func (s *OutboxStore) Remove(seq uint64) error {
	if err := s.db.Delete(outboxKey(seq), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to remove intent %d: %w", seq, err)
	}
	return nil
}

// Pending returns stored intents in sequence order.
func (s *OutboxStore) Pending() ([]PendingIntent, error) {
	prefix := []byte(prefixOutbox)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []PendingIntent
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := strconv.ParseUint(strings.TrimPrefix(string(iter.Key()), prefixOutbox), 10, 64)
		if err != nil {
			continue // Skip malformed keys
		}
		data := make([]byte, len(iter.Value()))
		copy(data, iter.Value())
		out = append(out, PendingIntent{Seq: seq, Data: data})
	}
	return out, iter.Error()
}
