package collector

import (
	"sync"

	"github.com/beorn7/perks/quantile"
)

// defaultQuantiles is the default quantiles to compute for a given data stream
// that we want to summarize.
//
// these (quantile -> epsilon) will be used by default by any Summary unless
// initialized with the `WithQuantiles` option to override it.
//
var defaultQuantiles = map[float64]float64{
	0.05: 0.01,
	0.10: 0.01,
	0.25: 0.01,
	0.50: 0.01,
	0.75: 0.01,
	0.90: 0.01,
	0.95: 0.01,
	0.99: 0.01,
	1.00: 0.01,
}

// Summary accumulates a stream of observations and answers the three
// questions a prometheus const summary asks: how many, their sum, and
// the quantile values.
//
// It is long-lived - the scrape loop keeps inserting while the
// exposition endpoint snapshots - so all methods are safe for
// concurrent use.
//
type Summary struct {
	mu sync.Mutex

	count     uint64
	sum       float64
	quantiles map[float64]float64

	stream *quantile.Stream
}

type SummaryOption func(s *Summary)

func WithQuantiles(v map[float64]float64) SummaryOption {
	return func(s *Summary) {
		s.quantiles = v
	}
}

func NewSummary(opts ...SummaryOption) *Summary {
	summary := &Summary{
		quantiles: cloneMap(defaultQuantiles),
	}

	for _, opt := range opts {
		opt(summary)
	}

	summary.stream = quantile.NewTargeted(summary.quantiles)

	return summary
}

func (s *Summary) Insert(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sum += v
	s.stream.Insert(v)
	s.count++
}

// Snapshot queries the stream for every configured quantile.
//
// Queries compress the stream and aren't free - call this once per
// exposition scrape, not per observation.
//
func (s *Summary) Snapshot() (uint64, float64, map[float64]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quantiles := make(map[float64]float64, len(s.quantiles))
	for phi := range s.quantiles {
		quantiles[phi] = s.stream.Query(phi)
	}

	return s.count, s.sum, quantiles
}

func cloneMap(o map[float64]float64) map[float64]float64 {
	m := make(map[float64]float64, len(o))
	for k, v := range o {
		m[k] = v
	}

	return m
}
