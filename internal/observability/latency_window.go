package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Series kinds kept by the latency window.
const (
	SeriesState      = "state"
	SeriesCapability = "capability"
	SeriesTurn       = "turn"
)

// Indicator names counted next to the latency series.
const (
	IndicatorStepRetry           = "step_retry"
	IndicatorFallbackSubstituted = "fallback_substituted"
	IndicatorOptionalSkipped     = "optional_step_skipped"
)

// stateBudgetsMS are the p95 targets for time spent in each turn state.
var stateBudgetsMS = map[string]float64{
	"received":  100,
	"planning":  250,
	"executing": 8000,
	"composing": 250,
}

const turnBudgetMS = 9000

// LatencySeries summarises the retained samples of one state, capability or
// the whole turn.
type LatencySeries struct {
	Kind        string  `json:"kind"`
	Key         string  `json:"key"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	MeanMS      float64 `json:"mean_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Series      []LatencySeries `json:"series"`
	Indicators  map[string]int  `json:"indicators"`
}

type seriesKey struct {
	kind string
	key  string
}

// latencyWindow keeps the newest samples per series.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[seriesKey][]float64
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:       size,
		samples:    make(map[seriesKey][]float64),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) observe(kind, key string, d time.Duration) {
	if key == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	k := seriesKey{kind: kind, key: key}

	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[k], ms)
	if len(s) > w.size {
		s = append(s[:0], s[len(s)-w.size:]...)
	}
	w.samples[k] = s
}

func (w *latencyWindow) count(name string, n int) {
	if name == "" || n <= 0 {
		return
	}
	w.mu.Lock()
	w.indicators[name] += n
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Series:      make([]LatencySeries, 0, len(w.samples)),
		Indicators:  make(map[string]int, len(w.indicators)),
	}
	for k, s := range w.samples {
		if len(s) == 0 {
			continue
		}
		sorted := append([]float64(nil), s...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		series := LatencySeries{
			Kind:        k.kind,
			Key:         k.key,
			Samples:     len(sorted),
			LastMS:      round2(s[len(s)-1]),
			MeanMS:      round2(sum / float64(len(sorted))),
			P50MS:       round2(nearestRank(sorted, 0.50)),
			P95MS:       round2(nearestRank(sorted, 0.95)),
			MaxMS:       round2(sorted[len(sorted)-1]),
			BudgetP95MS: budgetFor(k),
		}
		series.OverBudget = series.BudgetP95MS > 0 && series.P95MS > series.BudgetP95MS
		snap.Series = append(snap.Series, series)
	}
	sort.Slice(snap.Series, func(i, j int) bool {
		if snap.Series[i].Kind != snap.Series[j].Kind {
			return snap.Series[i].Kind < snap.Series[j].Kind
		}
		return snap.Series[i].Key < snap.Series[j].Key
	})
	for name, n := range w.indicators {
		snap.Indicators[name] = n
	}
	return snap
}

func budgetFor(k seriesKey) float64 {
	switch k.kind {
	case SeriesState:
		return stateBudgetsMS[k.key]
	case SeriesTurn:
		return turnBudgetMS
	}
	return 0
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
