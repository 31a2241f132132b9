package sampler

import (
	"math"
	"math/rand"
	"sort"

	"asklepios/internal/model"
)

// Patient is one partition patient tagged with its rarity priority,
// 0 being the rarest.
type Patient struct {
	Span     model.PatientSpan
	Priority int
}

// MinSamplePriority computes a patient's priority as the minimum over
// its individual sample priorities: a patient is as rare as its rarest
// sample.
func MinSamplePriority(outputs []float64, priorityOf func(classValue int) int) int {
	best := math.MaxInt
	for _, v := range outputs {
		if p := priorityOf(int(math.Round(v))); p < best {
			best = p
		}
	}
	return best
}

// Order arranges one partition's patients for training so rare classes
// are not drowned out by common ones: patients are bucketed by
// priority, each bucket is shuffled, then buckets are drained
// round-robin, one patient per bucket per round. Exhausted buckets are
// counted as the round visits them; once the count reaches
// skipThreshold the partition is done even if earlier buckets still
// hold patients, so lower-priority buckets already served in the
// stopping round keep their spot. The cap on the most common class
// trades data completeness for balance.
func Order(patients []Patient, skipThreshold int, rng *rand.Rand) []model.PatientSpan {
	if len(patients) == 0 {
		return nil
	}
	byPriority := make(map[int][]Patient)
	for _, p := range patients {
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
	}
	priorities := make([]int, 0, len(byPriority))
	for priority := range byPriority {
		priorities = append(priorities, priority)
	}
	sort.Ints(priorities)

	buckets := make([][]Patient, len(priorities))
	for i, priority := range priorities {
		bucket := byPriority[priority]
		rng.Shuffle(len(bucket), func(a, b int) {
			bucket[a], bucket[b] = bucket[b], bucket[a]
		})
		buckets[i] = bucket
	}

	out := make([]model.PatientSpan, 0, len(patients))
	cursors := make([]int, len(buckets))
	for {
		served := false
		exhausted := 0
		for i, bucket := range buckets {
			if cursors[i] >= len(bucket) {
				exhausted++
				if skipThreshold > 0 && exhausted >= skipThreshold {
					return out
				}
				continue
			}
			out = append(out, bucket[cursors[i]].Span)
			cursors[i]++
			served = true
		}
		if !served {
			break
		}
	}
	return out
}
