// Package histogram accumulates per-method percentile windows reported by the
// instrumentation layer.
package histogram

import "sync"

// NoData is the percentile value the instrumentation layer reports for a
// window in which the method was registered but never invoked.
const NoData = -1

// Aggregate is a point-in-time copy of one method's running totals.
type Aggregate struct {
	// Count is the number of windows folded in, including no-data windows.
	Count int64
	// InvokedCount is the number of windows that carried latency data.
	InvokedCount int64

	TP95Sum   int64
	TP99Sum   int64
	TP999Sum  int64
	TP9999Sum int64
}

// Invoked reports whether at least one window carried latency data.
func (a Aggregate) Invoked() bool {
	return a.InvokedCount > 0
}

// aggregate is the mutable, store-owned accumulator behind an Aggregate.
type aggregate struct {
	mu  sync.Mutex
	val Aggregate
}

func (a *aggregate) fold(w window) {
	a.mu.Lock()
	a.val.Count++
	if !w.empty() {
		a.val.InvokedCount++
		a.val.TP95Sum += clamp(w.tp95)
		a.val.TP99Sum += clamp(w.tp99)
		a.val.TP999Sum += clamp(w.tp999)
		a.val.TP9999Sum += clamp(w.tp9999)
	}
	a.mu.Unlock()
}

func (a *aggregate) load() Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

// window is one reporting interval for a method.
type window struct {
	tp95, tp99, tp999, tp9999 int
}

// empty reports whether the window is the all-sentinel no-data window.
func (w window) empty() bool {
	return w.tp95 == NoData && w.tp99 == NoData && w.tp999 == NoData && w.tp9999 == NoData
}

// clamp keeps sums non-decreasing when a single percentile is negative.
func clamp(v int) int64 {
	if v < 0 {
		return 0
	}
	return int64(v)
}
