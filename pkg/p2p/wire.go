package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/hyperrisk/pkg/notify"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is the gossip envelope for one risk event.
type EventWire struct {
	Origin string // peer id of the publishing node
	Seq    uint64 // per-origin sequence
	Event  []byte // JSON-encoded notify.Event
}

func encodeEvent(origin string, seq uint64, ev notify.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return gobEncode(EventWire{Origin: origin, Seq: seq, Event: payload})
}

func decodeEvent(data []byte) (EventWire, notify.Event, error) {
	var w EventWire
	if err := gobDecode(data, &w); err != nil {
		return w, notify.Event{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	var ev notify.Event
	if err := json.Unmarshal(w.Event, &ev); err != nil {
		return w, notify.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return w, ev, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
