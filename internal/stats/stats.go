package stats

import (
	"fmt"
	"math/bits"
	"sort"

	"keepaway/internal/domain"
)

// Summarize returns the product of the two highest processed counts.
func Summarize(counts []uint64) (uint64, error) {
	if len(counts) < 2 {
		return 0, &domain.ConfigError{AgentID: -1, Field: "agents", Err: domain.ErrTooFewAgents}
	}
	sorted := append([]uint64(nil), counts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	hi, lo := bits.Mul64(sorted[0], sorted[1])
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", domain.ErrOverflow, sorted[0], sorted[1])
	}
	return lo, nil
}

// Ranking orders agents by processed count, busiest first. Ties keep id order.
func Ranking(counts []uint64) []domain.AgentCount {
	out := make([]domain.AgentCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, domain.AgentCount{AgentID: id, Processed: n})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Processed > out[j].Processed
	})
	return out
}

func Total(counts []uint64) uint64 {
	var sum uint64
	for _, n := range counts {
		sum += n
	}
	return sum
}
