// Package notify carries risk events (liquidations, ADL fills, large
// positions, lifecycle transitions) from the core to downstream consumers
// such as the websocket hub, peer gossip and the redis bus.
package notify

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a risk event. Values double as websocket channel suffixes.
type EventType string

const (
	EventPositionOpened      EventType = "position_opened"
	EventPositionClosed      EventType = "position_closed"
	EventLargePosition       EventType = "large_position"
	EventLiquidation         EventType = "liquidation"
	EventADL                 EventType = "adl"
	EventUnrecoveredLoss     EventType = "unrecovered_loss"
	EventLendingLiquidation  EventType = "lending_liquidation"
	EventLifecycleTransition EventType = "lifecycle_transition"
)

// Event is a single risk event. Amounts in Data are decimal strings.
type Event struct {
	Type      EventType      `json:"type"`
	Token     common.Address `json:"token"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// NewEvent stamps an event with at, normally the publisher's clock.
func NewEvent(typ EventType, token common.Address, at time.Time, data map[string]any) Event {
	return Event{Type: typ, Token: token, Data: data, Timestamp: at.UnixMilli()}
}

// Channel returns the subscription channel for the event, "<type>:<token>".
func (e Event) Channel() string {
	return string(e.Type) + ":" + e.Token.Hex()
}

// Publisher receives events. Publish must not block the caller.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Fanout delivers each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}

// Ring keeps the most recent events in memory for the read API.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRing returns a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]Event, size)}
}

func (r *Ring) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (r *Ring) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// OfType filters Recent by event type.
func (r *Ring) OfType(typ EventType) []Event {
	var out []Event
	for _, ev := range r.Recent(0) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
