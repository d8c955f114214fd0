package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperrisk/pkg/notify"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x@db/risk", Host: "ignored"},
			want: "postgres://x@db/risk",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "localhost", Database: "risk", User: "u", Password: "p"},
			want: "postgres://u:p@localhost:5432/risk?sslmode=disable",
		},
		{
			name: "custom port and sslmode",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "risk", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@db:6432/risk?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_risk_events.sql", names[0])
}

func TestJournalFilter(t *testing.T) {
	j := NewJournal(nil)
	assert.True(t, j.Accepts(notify.EventLiquidation))
	assert.True(t, j.Accepts(notify.EventUnrecoveredLoss))
	assert.False(t, j.Accepts(notify.EventPositionOpened))

	// Skipped types never touch the pool.
	require.NoError(t, j.Send(context.Background(), notify.Event{Type: notify.EventPositionOpened}))

	only := NewJournal(nil, notify.EventADL)
	assert.True(t, only.Accepts(notify.EventADL))
	assert.False(t, only.Accepts(notify.EventLiquidation))
}

func TestListQuery(t *testing.T) {
	q, args := listQuery(ListOpts{})
	assert.NotContains(t, q, "$1")
	assert.Empty(t, args)

	since := time.Unix(1_700_000_000, 0)
	q, args = listQuery(ListOpts{Token: &token, Type: notify.EventADL, Since: &since, Limit: 5})
	assert.Contains(t, q, "token = $1")
	assert.Contains(t, q, "event_type = $2")
	assert.Contains(t, q, "occurred_at >= $3")
	assert.Contains(t, q, "LIMIT $4")
	assert.Equal(t, []any{token.Hex(), "adl", since, 5}, args)
}

func TestEncodeData(t *testing.T) {
	raw, err := encodeData(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = encodeData(map[string]any{"loss": "12.5"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"loss":"12.5"}`, string(raw))
}

// Runs against a real database when POSTGRES_TEST_DSN is set.
func TestJournalRoundTrip(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.RunMigrations(ctx))
	// A second run is a no-op.
	require.NoError(t, c.RunMigrations(ctx))

	tok := common.BytesToAddress([]byte(time.Now().Format("150405.000000")))
	j := NewJournal(c.Pool())
	ev := notify.Event{
		Type:      notify.EventUnrecoveredLoss,
		Token:     tok,
		Data:      map[string]any{"loss": "12.5", "position": "p1"},
		Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, j.Send(ctx, ev))
	require.NoError(t, j.Send(ctx, notify.Event{Type: notify.EventPositionOpened, Token: tok}))

	entries, err := j.List(ctx, ListOpts{Token: &tok, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, notify.EventUnrecoveredLoss, entries[0].Type)
	assert.Equal(t, tok, entries[0].Token)
	assert.Equal(t, "12.5", entries[0].Data["loss"])
}
