package pipeline

import "time"

// Policy decides how ingestion reacts to ReadyQueue depth after a full batch.
type Policy struct {
	// Threshold is the depth, in batches, above which ingestion is delayed.
	Threshold int
	// LowWater is the depth, in batches, at or below which "more" is emitted.
	LowWater int
	// Unit is the base delay.
	Unit time.Duration
	// Proportional scales Unit by 1 + ceil(overflow / batchSize).
	Proportional bool
}

// ContinuousPolicy slows down once more than three batches are waiting.
func ContinuousPolicy(unit time.Duration) Policy {
	return Policy{Threshold: 3, LowWater: 1, Unit: unit, Proportional: true}
}

// ChainedPolicy pauses for a fixed interval once more than one batch is waiting.
func ChainedPolicy(unit time.Duration) Policy {
	return Policy{Threshold: 1, LowWater: 1, Unit: unit}
}

// Delay returns the pause to apply for the given depth, or false when no
// pause is needed.
func (p Policy) Delay(ready, batchSize int) (time.Duration, bool) {
	if batchSize <= 0 {
		batchSize = 1
	}
	over := ready - p.Threshold*batchSize
	if over <= 0 {
		return 0, false
	}
	if !p.Proportional {
		return p.Unit, true
	}
	factor := 1 + (over+batchSize-1)/batchSize
	return p.Unit * time.Duration(factor), true
}

// Low reports whether the depth is small enough to ask for more input.
func (p Policy) Low(ready, batchSize int) bool {
	return ready <= p.LowWater*batchSize
}
