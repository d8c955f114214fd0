package storage

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	pos:<id>                    → Position (JSON)
//	opn:<token>:<id>            → open-position index (empty value)
//	trd:<trader>:<id>           → trader index (empty value)
//	obx:<seq>                   → pending settlement intent
//	lfc:<token>                 → token lifecycle record (JSON)
//
// Addresses are fixed-width hex, so prefix scans never bleed across tokens.
const (
	prefixPosition  = "pos:"
	prefixOpen      = "opn:"
	prefixTrader    = "trd:"
	prefixOutbox    = "obx:"
	prefixLifecycle = "lfc:"
)

// positionKey returns "pos:{id}"
func positionKey(id string) []byte {
	return []byte(prefixPosition + id)
}

// openKey returns "opn:{token}:{id}"
func openKey(token common.Address, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOpen, token.Hex(), id))
}

// openTokenPrefix returns "opn:{token}:"
func openTokenPrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOpen, token.Hex()))
}

// traderKey returns "trd:{trader}:{id}"
func traderKey(trader common.Address, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixTrader, trader.Hex(), id))
}

// traderPrefix returns "trd:{trader}:"
func traderPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrader, trader.Hex()))
}

// outboxKey returns "obx:{seq}", zero-padded to 20 digits for ordering.
func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOutbox, seq))
}

// lifecycleKey returns "lfc:{token}"
func lifecycleKey(token common.Address) []byte {
	return []byte(prefixLifecycle + token.Hex())
}

// idFromIndexKey returns the id after the last ':' of an index key.
func idFromIndexKey(key []byte) string {
	s := string(key)
	return s[strings.LastIndexByte(s, ':')+1:]
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
