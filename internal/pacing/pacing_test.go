package pacing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"blast/internal/model"
)

// fixedRand forces deterministic draws for the random-pause branch.
type fixedRand struct {
	intn    int
	float64 float64
}

func (f fixedRand) Intn(n int) int   { return f.intn % n }
func (f fixedRand) Float64() float64 { return f.float64 }

func testSettings() model.Settings {
	s := model.DefaultSettings()
	s.MinDelaySec = 45
	s.MaxDelaySec = 120
	s.WarmupMessages = 5
	s.WarmupDelayMinSec = 90
	s.WarmupDelayMaxSec = 180
	s.RandomPause = false
	return s
}

func TestNextDelayWarmupBounds(t *testing.T) {
	s := testSettings()
	rng := rand.New(rand.NewSource(1))

	for count := 0; count < s.WarmupMessages; count++ {
		for i := 0; i < 200; i++ {
			d := NextDelay(count, s, rng)
			assert.GreaterOrEqual(t, d, time.Duration(s.WarmupDelayMinSec)*time.Second)
			assert.LessOrEqual(t, d, time.Duration(s.WarmupDelayMaxSec)*time.Second)
		}
	}
}

func TestNextDelaySteadyBoundsAfterWarmup(t *testing.T) {
	s := testSettings()
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 500; i++ {
		d := NextDelay(s.WarmupMessages, s, rng)
		assert.GreaterOrEqual(t, d, time.Duration(s.MinDelaySec)*time.Second)
		assert.LessOrEqual(t, d, time.Duration(s.MaxDelaySec)*time.Second)
	}
}

func TestNextDelayRandomPause(t *testing.T) {
	s := testSettings()
	s.RandomPause = true
	s.MinDelaySec = 45
	s.MaxDelaySec = 45

	// Draw below the 10% threshold: extra pause applied.
	d := NextDelay(s.WarmupMessages, s, fixedRand{intn: 0, float64: 0.05})
	assert.Equal(t, 55*time.Second, d)

	// Draw above the threshold: base delay only.
	d = NextDelay(s.WarmupMessages, s, fixedRand{intn: 0, float64: 0.5})
	assert.Equal(t, 45*time.Second, d)
}

func TestNextDelayRandomPauseBounds(t *testing.T) {
	s := testSettings()
	s.RandomPause = true
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 1000; i++ {
		d := NextDelay(s.WarmupMessages, s, rng)
		assert.GreaterOrEqual(t, d, time.Duration(s.MinDelaySec)*time.Second)
		assert.LessOrEqual(t, d, time.Duration(s.MaxDelaySec+randomPauseMaxSec)*time.Second)
	}
}

func TestNeedsRest(t *testing.T) {
	cases := []struct {
		index, batchSize int
		want             bool
	}{
		{0, 25, false},
		{1, 25, false},
		{24, 25, false},
		{25, 25, true},
		{26, 25, false},
		{50, 25, true},
		{0, 1, false},
		{1, 1, true},
		{2, 1, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NeedsRest(c.index, c.batchSize), "index=%d batch=%d", c.index, c.batchSize)
	}
}

func TestRestDurationBounds(t *testing.T) {
	s := testSettings()
	s.BatchRestMinSec = 300
	s.BatchRestMaxSec = 600
	rng := rand.New(rand.NewSource(4))

	for i := 0; i < 500; i++ {
		d := RestDuration(s, rng)
		assert.GreaterOrEqual(t, d, 300*time.Second)
		assert.LessOrEqual(t, d, 600*time.Second)
	}
}

func TestUniformSecondsInclusive(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		seen[uniformSeconds(rng, 1, 3)] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, seen)

	// Degenerate range collapses to a single value.
	assert.Equal(t, 7, uniformSeconds(rng, 7, 7))
}
