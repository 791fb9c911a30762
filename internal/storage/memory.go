package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process SampleStore. It keeps samples ordered by timestamp
// and is safe for one writer and many readers.
type Memory struct {
	mu      sync.RWMutex
	symbol  string
	samples []Sample
	nextID  int64
	now     func() time.Time
}

// NewMemory creates an empty in-memory store bound to symbol.
func NewMemory(symbol string) *Memory {
	return &Memory{symbol: symbol, nextID: 1, now: time.Now}
}

// Save inserts the sample at its chronological position.
func (m *Memory) Save(ctx context.Context, sample Sample) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if err := sample.Validate(); err != nil {
		return Sample{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sample = cloneSample(sample)
	sample.ID = m.nextID
	m.nextID++
	sample.Symbol = m.symbol
	sample.Timestamp = sample.Timestamp.UTC()
	sample.CreatedAt = m.now().UTC()
	if sample.Source == "" {
		sample.Source = SourceLive
	}

	idx := sort.Search(len(m.samples), func(i int) bool {
		return m.samples[i].Timestamp.After(sample.Timestamp)
	})
	m.samples = append(m.samples, Sample{})
	copy(m.samples[idx+1:], m.samples[idx:])
	m.samples[idx] = sample

	return cloneSample(sample), nil
}

// Exists reports whether a sample is stored at exactly ts.
func (m *Memory) Exists(ctx context.Context, ts time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.lowerBound(ts)
	return idx < len(m.samples) && m.samples[idx].Timestamp.Equal(ts), nil
}

// Recent returns up to limit newest samples in chronological order.
func (m *Memory) Recent(ctx context.Context, limit int) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return []Sample{}, nil
	}
	start := 0
	if len(m.samples) > limit {
		start = len(m.samples) - limit
	}
	return cloneSamples(m.samples[start:]), nil
}

// Range returns samples with start <= ts <= end in ascending order.
func (m *Memory) Range(ctx context.Context, start, end time.Time) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lo := m.lowerBound(start)
	hi := sort.Search(len(m.samples), func(i int) bool {
		return m.samples[i].Timestamp.After(end)
	})
	if lo >= hi {
		return []Sample{}, nil
	}
	return cloneSamples(m.samples[lo:hi]), nil
}

// Timestamps lists stored timestamps at or after since, ascending.
func (m *Memory) Timestamps(ctx context.Context, since time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.lowerBound(since)
	out := make([]time.Time, 0, len(m.samples)-idx)
	for _, s := range m.samples[idx:] {
		out = append(out, s.Timestamp)
	}
	return out, nil
}

// UpdateDerived rewrites the rolling metrics of a stored sample.
func (m *Memory) UpdateDerived(ctx context.Context, id int64, derived Derived) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.samples {
		if m.samples[i].ID == id {
			m.samples[i].Apply(Derived{
				Volatility:     copyFloat(derived.Volatility),
				MoneyFlow:      copyFloat(derived.MoneyFlow),
				VolumeVelocity: copyFloat(derived.VolumeVelocity),
			})
			return nil
		}
	}
	return ErrSampleNotFound
}

// ClearAll drops every sample.
func (m *Memory) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = nil
	return nil
}

// Statistics summarises stored prices.
func (m *Memory) Statistics(ctx context.Context) (Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Statistics
	if len(m.samples) == 0 {
		return stats, nil
	}

	stats.Count = int64(len(m.samples))
	stats.Min = m.samples[0].Price
	stats.Max = m.samples[0].Price
	sum := 0.0
	for _, s := range m.samples {
		sum += s.Price
		if s.Price < stats.Min {
			stats.Min = s.Price
		}
		if s.Price > stats.Max {
			stats.Max = s.Price
		}
	}
	stats.Mean = sum / float64(len(m.samples))
	latest := m.samples[len(m.samples)-1]
	stats.Latest = Float(latest.Price)
	stats.First = m.samples[0].Timestamp
	stats.Last = latest.Timestamp
	return stats, nil
}

func (m *Memory) lowerBound(ts time.Time) int {
	return sort.Search(len(m.samples), func(i int) bool {
		return !m.samples[i].Timestamp.Before(ts)
	})
}

func cloneSamples(in []Sample) []Sample {
	out := make([]Sample, len(in))
	for i, s := range in {
		out[i] = cloneSample(s)
	}
	return out
}

func cloneSample(s Sample) Sample {
	s.Volume24h = copyFloat(s.Volume24h)
	s.MarketCap = copyFloat(s.MarketCap)
	s.Volatility = copyFloat(s.Volatility)
	s.MoneyFlow = copyFloat(s.MoneyFlow)
	s.VolumeVelocity = copyFloat(s.VolumeVelocity)
	return s
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

var _ SampleStore = (*Memory)(nil)
