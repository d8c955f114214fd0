package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/hyperrisk/pkg/notify"
)

// JournaledTypes are the events worth keeping for audit. Position opens and
// closes are high volume and live in Pebble already.
var JournaledTypes = []notify.EventType{
	notify.EventLiquidation,
	notify.EventADL,
	notify.EventUnrecoveredLoss,
	notify.EventLendingLiquidation,
	notify.EventLifecycleTransition,
}

// Entry is one journaled event.
type Entry struct {
	ID         int64
	Type       notify.EventType
	Token      common.Address
	Data       map[string]any
	OccurredAt time.Time
}

// Journal writes risk events to risk_events. It implements notify.Sink and
// silently skips event types outside its filter.
type Journal struct {
	pool  *pgxpool.Pool
	types map[notify.EventType]bool
}

var _ notify.Sink = (*Journal)(nil)

// NewJournal journals the given types, or JournaledTypes when none are given.
func NewJournal(pool *pgxpool.Pool, types ...notify.EventType) *Journal {
	if len(types) == 0 {
		types = JournaledTypes
	}
	set := make(map[notify.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &Journal{pool: pool, types: set}
}

// Accepts reports whether events of typ are journaled.
func (j *Journal) Accepts(typ notify.EventType) bool { return j.types[typ] }

func (j *Journal) Send(ctx context.Context, ev notify.Event) error {
	if !j.Accepts(ev.Type) {
		return nil
	}
	data, err := encodeData(ev.Data)
	if err != nil {
		return err
	}
	const query = `INSERT INTO risk_events (event_type, token, data, occurred_at) VALUES ($1, $2, $3, $4)`
	if _, err := j.pool.Exec(ctx, query, string(ev.Type), ev.Token.Hex(), data, time.UnixMilli(ev.Timestamp).UTC()); err != nil {
		return fmt.Errorf("postgres: journal %s: %w", ev.Type, err)
	}
	return nil
}

// ListOpts filters List. Zero values mean no filter.
type ListOpts struct {
	Token *common.Address
	Type  notify.EventType
	Since *time.Time
	Limit int
}

// List returns journaled events, newest first.
func (j *Journal) List(ctx context.Context, opts ListOpts) ([]Entry, error) {
	query, args := listQuery(opts)
	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			typ   string
			token string
			raw   []byte
		)
		if err := rows.Scan(&e.ID, &typ, &token, &raw, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan risk event: %w", err)
		}
		e.Type = notify.EventType(typ)
		e.Token = common.HexToAddress(token)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal risk event %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list risk events rows: %w", err)
	}
	return entries, nil
}

func listQuery(opts ListOpts) (string, []any) {
	query := `SELECT id, event_type, token, data, occurred_at FROM risk_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Token != nil {
		query += fmt.Sprintf(" AND token = $%d", argIdx)
		args = append(args, opts.Token.Hex())
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, string(opts.Type))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}

	query += " ORDER BY occurred_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}
	return query, args
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal event data: %w", err)
	}
	return raw, nil
}
