package market

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Registry manages the books of every token in a thread-safe manner
type Registry struct {
	mu    sync.RWMutex
	books map[common.Address]*Book // token -> book
}

// NewRegistry creates an empty book registry
func NewRegistry() *Registry {
	return &Registry{
		books: make(map[common.Address]*Book),
	}
}

// Register adds a book for token, or returns the existing one
func (r *Registry) Register(token common.Address) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists := r.books[token]; exists {
		return b
	}
	b := NewBook(token)
	r.books[token] = b
	return b
}

// Book retrieves the concrete book for token
func (r *Registry) Book(token common.Address) (*Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.books[token]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, token.Hex())
	}
	return b, nil
}

// GetOrderBook returns the read handle for token
func (r *Registry) GetOrderBook(token common.Address) (Handle, error) {
	b, err := r.Book(token)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetMarkPrice registers token if needed and moves its mark
func (r *Registry) SetMarkPrice(token common.Address, price *big.Int) {
	r.Register(token).SetMarkPrice(price)
}

// RecordTrade registers token if needed and appends a print
func (r *Registry) RecordTrade(token common.Address, price, size *big.Int, at time.Time) {
	r.Register(token).RecordTrade(price, size, at)
}

// Tokens returns all registered tokens sorted by address
func (r *Registry) Tokens() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.books))
	for t := range r.books {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Count returns the total number of registered books
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.books)
}

// Exists checks if a book is registered
func (r *Registry) Exists(token common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.books[token]
	return exists
}
