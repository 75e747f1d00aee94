// Package candles maintains per-symbol bounded rings of OHLCV bars. One
// ingestor goroutine writes per buffer; indicator and API readers take
// copied snapshots under a read lock so evaluation never observes a
// half-applied bar.
package candles

import (
	"sync"

	"github.com/shopspring/decimal"

	"alpaca-scalper/pkg/types"
)

// DefaultCapacity is the per-symbol bar cap when the config omits one.
const DefaultCapacity = 500

// Buffer is a fixed-capacity ordered sequence of bars for one symbol.
// Bars are strictly monotonic in time: a newer bar is pushed (evicting the
// oldest when full), a bar with the same timestamp replaces the last one
// (late correction), and an older bar is dropped.
type Buffer struct {
	mu   sync.RWMutex
	bars []types.Candle
	cap  int
}

// NewBuffer creates a buffer holding at most capacity bars.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		bars: make([]types.Candle, 0, capacity),
		cap:  capacity,
	}
}

// Append applies the ordering rules and reports whether the bar was kept
// (pushed or replaced).
func (b *Buffer) Append(c types.Candle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.bars)
	if n > 0 {
		last := b.bars[n-1].T
		switch {
		case c.T.Equal(last):
			b.bars[n-1] = c
			return true
		case c.T.Before(last):
			return false
		}
	}

	if n == b.cap {
		copy(b.bars, b.bars[1:])
		b.bars[n-1] = c
		return true
	}
	b.bars = append(b.bars, c)
	return true
}

// Seed replaces the buffer contents with historical bars, oldest first.
// Bars violating monotonicity are dropped. Used once at startup before the
// live feed takes over.
func (b *Buffer) Seed(history []types.Candle) int {
	b.mu.Lock()
	b.bars = b.bars[:0]
	b.mu.Unlock()

	kept := 0
	for _, c := range history {
		if b.Append(c) {
			kept++
		}
	}
	return kept
}

// Snapshot returns a copy of all bars, oldest first.
func (b *Buffer) Snapshot() []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Candle, len(b.bars))
	copy(out, b.bars)
	return out
}

// LastN returns a copy of the newest k bars, oldest first. Returns all
// bars when k exceeds the current length.
func (b *Buffer) LastN(k int) []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if k > len(b.bars) {
		k = len(b.bars)
	}
	if k <= 0 {
		return nil
	}
	out := make([]types.Candle, k)
	copy(out, b.bars[len(b.bars)-k:])
	return out
}

// LatestClose returns the close of the newest bar; ok is false when empty.
func (b *Buffer) LatestClose() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bars) == 0 {
		return decimal.Decimal{}, false
	}
	return b.bars[len(b.bars)-1].C, true
}

// Len returns the current bar count.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bars)
}

// Store is the set of buffers for a watchlist, keyed by canonical symbol.
// Buffers are created up front; Get on an untracked symbol returns nil.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
	cap     int
}

// NewStore creates a store whose buffers hold capacity bars each.
func NewStore(capacity int) *Store {
	return &Store{
		buffers: make(map[string]*Buffer),
		cap:     capacity,
	}
}

// Track ensures a buffer exists for the symbol and returns it.
func (s *Store) Track(symbol string) *Buffer {
	symbol = types.CanonicalSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[symbol]; ok {
		return b
	}
	b := NewBuffer(s.cap)
	s.buffers[symbol] = b
	return b
}

// Get returns the buffer for a tracked symbol, or nil.
func (s *Store) Get(symbol string) *Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffers[types.CanonicalSymbol(symbol)]
}

// Symbols returns the tracked canonical symbols.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.buffers))
	for sym := range s.buffers {
		out = append(out, sym)
	}
	return out
}
