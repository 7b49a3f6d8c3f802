// Package threshold derives a per-method alert threshold tier and tolerance
// count from accumulated percentile windows.
package threshold

import "github.com/coral-mesh/methodprof/internal/histogram"

const (
	// FallbackTier is used when no percentile ladder matches.
	FallbackTier = 2048

	// NeverInvokedTier and NeverInvokedTolerance are published for methods
	// that have no latency data.
	NeverInvokedTier      = 128
	NeverInvokedTolerance = 32
)

// Decision is the threshold chosen for one method.
type Decision struct {
	Tier      int
	Tolerance int
}

// NeverInvoked is the fixed decision for methods without latency data.
var NeverInvoked = Decision{Tier: NeverInvokedTier, Tolerance: NeverInvokedTolerance}

// step maps averages up to and including bound onto tier.
type step struct {
	bound int64
	tier  int
}

// Ladders in evaluation order. Tail percentiles are consulted first and each
// ladder caps the tier its percentile alone can justify.
var (
	p9999Ladder = []step{{64, 64}, {128, 128}, {256, 256}}
	p999Ladder  = []step{{128, 128}, {256, 256}, {512, 512}}
	p99Ladder   = []step{{256, 256}, {512, 512}, {1024, 1024}}
	p95Ladder   = []step{{512, 512}, {1024, 1024}, {1536, 1536}}
)

// toleranceLadder is indexed by tier; tiers above the last bound get maxTolerance.
var toleranceLadder = []step{{256, 8}, {512, 16}, {1024, 32}, {1536, 64}}

const maxTolerance = 128

// Decide picks the tier for an aggregate. Averages are taken over every
// folded window, no-data windows included, truncating. An aggregate with no
// window carrying data gets NeverInvoked.
func Decide(a histogram.Aggregate) Decision {
	if !a.Invoked() {
		return NeverInvoked
	}
	tier := Tier(
		a.TP95Sum/a.Count,
		a.TP99Sum/a.Count,
		a.TP999Sum/a.Count,
		a.TP9999Sum/a.Count,
	)
	return Decision{Tier: tier, Tolerance: Tolerance(tier)}
}

// Tier applies the ladders to per-percentile averages, P9999 first.
func Tier(avg95, avg99, avg999, avg9999 int64) int {
	for _, l := range []struct {
		avg    int64
		ladder []step
	}{
		{avg9999, p9999Ladder},
		{avg999, p999Ladder},
		{avg99, p99Ladder},
		{avg95, p95Ladder},
	} {
		if tier, ok := match(l.ladder, l.avg); ok {
			return tier
		}
	}
	return FallbackTier
}

// Tolerance returns how many over-threshold invocations a tier allows
// before alerting.
func Tolerance(tier int) int {
	if t, ok := match(toleranceLadder, int64(tier)); ok {
		return t
	}
	return maxTolerance
}

func match(ladder []step, v int64) (int, bool) {
	for _, s := range ladder {
		if v <= s.bound {
			return s.tier, true
		}
	}
	return 0, false
}
