// Package pacing holds the pure delay and batch-rest policies. Randomness
// comes in through the Rand interface so draws are replayable under test.
package pacing

import (
	"time"

	"blast/internal/model"
)

// Rand is the subset of math/rand.Rand the policies draw from.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// Extra pause bounds applied on top of the base delay when random pauses
// are enabled (10% of draws).
const (
	randomPauseChance = 0.1
	randomPauseMinSec = 10
	randomPauseMaxSec = 29
)

// InWarmup reports whether the session is still inside its warmup window.
func InWarmup(sessionCount int, s model.Settings) bool {
	return sessionCount < s.WarmupMessages
}

// NextDelay draws the wait before the next send. Warmup sends use the wider
// warmup bounds; afterwards the steady-state bounds apply. With random
// pauses enabled, one draw in ten gets an extra pause on top.
func NextDelay(sessionCount int, s model.Settings, rng Rand) time.Duration {
	var sec int
	if InWarmup(sessionCount, s) {
		sec = uniformSeconds(rng, s.WarmupDelayMinSec, s.WarmupDelayMaxSec)
	} else {
		sec = uniformSeconds(rng, s.MinDelaySec, s.MaxDelaySec)
	}
	if s.RandomPause && rng.Float64() < randomPauseChance {
		sec += uniformSeconds(rng, randomPauseMinSec, randomPauseMaxSec)
	}
	return time.Duration(sec) * time.Second
}

// NeedsRest reports whether a batch rest is due before processing the
// recipient at the given zero-based queue index. Index 0 never rests.
func NeedsRest(index, batchSize int) bool {
	return index > 0 && index%batchSize == 0
}

// RestDuration draws the batch rest length from the configured bounds.
func RestDuration(s model.Settings, rng Rand) time.Duration {
	return time.Duration(uniformSeconds(rng, s.BatchRestMinSec, s.BatchRestMaxSec)) * time.Second
}

// uniformSeconds draws an integer from [min, max] inclusive.
func uniformSeconds(rng Rand, min, max int) int {
	if max < min {
		max, min = min, max
	}
	return min + rng.Intn(max-min+1)
}
