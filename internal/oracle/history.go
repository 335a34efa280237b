package oracle

import (
	"hash/fnv"
	"sync"
	"time"

	"insurance-core/internal/asset"
)

const numShards = 16

// HistoryCache is an in-memory last-known-price cache, sharded by asset
// to reduce lock contention across the price-ingestion worker and
// concurrent readers (trigger monitor, rebalancer, arbitrage). Adapted
// from the teacher's sharded price cache; unlike the teacher's single
// scalar entry, each shard here keeps a short ring of recent samples so
// callers can compute realized volatility without a persistence round
// trip.
type HistoryCache struct {
	shards [numShards]*shard
	depth  int
}

type shard struct {
	mu    sync.RWMutex
	items map[asset.Asset][]Price
}

// NewHistoryCache builds a HistoryCache retaining up to depth recent
// samples per asset.
func NewHistoryCache(depth int) *HistoryCache {
	if depth < 1 {
		depth = 1
	}
	c := &HistoryCache{depth: depth}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[asset.Asset][]Price)}
	}
	return c
}

func (c *HistoryCache) shardFor(a asset.Asset) *shard {
	h := fnv.New32a()
	h.Write([]byte(a))
	return c.shards[h.Sum32()%numShards]
}

// Record appends p to a's history, trimming to the configured depth.
func (c *HistoryCache) Record(a asset.Asset, p Price) {
	s := c.shardFor(a)
	s.mu.Lock()
	hist := append(s.items[a], p)
	if len(hist) > c.depth {
		hist = hist[len(hist)-c.depth:]
	}
	s.items[a] = hist
	s.mu.Unlock()
}

// Latest returns the most recently recorded price for a.
func (c *HistoryCache) Latest(a asset.Asset) (Price, bool) {
	s := c.shardFor(a)
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.items[a]
	if len(hist) == 0 {
		return Price{}, false
	}
	return hist[len(hist)-1], true
}

// Series returns a copy of a's recorded price history, oldest first.
func (c *HistoryCache) Series(a asset.Asset) []Price {
	s := c.shardFor(a)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Price, len(s.items[a]))
	copy(out, s.items[a])
	return out
}

// Returns converts a's recorded price series into simple period-over-
// period returns, the input shape internal/numerics expects for
// volatility and correlation estimation.
func (c *HistoryCache) Returns(a asset.Asset) []float64 {
	series := c.Series(a)
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1].Value
		if prev == 0 {
			continue
		}
		out = append(out, (series[i].Value-prev)/prev)
	}
	return out
}

// Cleanup drops samples older than maxAge across all assets.
func (c *HistoryCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for a, hist := range s.items {
			kept := hist[:0:0]
			for _, p := range hist {
				if p.Timestamp.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, p)
			}
			s.items[a] = kept
		}
		s.mu.Unlock()
	}
	return removed
}
