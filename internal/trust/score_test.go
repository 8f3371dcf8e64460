package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_SuccessDiminishesNearOne(t *testing.T) {
	p := DefaultParams()

	lowNext, lowDelta := p.Apply(0.2, true, true)
	highNext, highDelta := p.Apply(0.9, true, true)

	assert.Greater(t, lowNext, 0.2)
	assert.Greater(t, highNext, 0.9)
	assert.Greater(t, lowDelta, highDelta, "gain must shrink as score approaches 1")
}

func TestParams_FailureAmplifiedAtHighTrust(t *testing.T) {
	p := DefaultParams()

	_, lowDelta := p.Apply(0.2, false, false)
	_, highDelta := p.Apply(0.9, false, false)

	assert.Negative(t, lowDelta)
	assert.Negative(t, highDelta)
	assert.Less(t, highDelta, lowDelta, "a failure must cost more at high trust")
}

func TestParams_WeightedSuccessGainsMore(t *testing.T) {
	p := DefaultParams()

	_, plain := p.Apply(0.5, true, false)
	_, weighted := p.Apply(0.5, true, true)

	assert.Greater(t, weighted, plain)
}

func TestParams_ScoreStaysInUnitInterval(t *testing.T) {
	p := DefaultParams()

	score := 0.7
	for i := 0; i < 200; i++ {
		score, _ = p.Apply(score, true, true)
		require.LessOrEqual(t, score, 1.0)
	}

	score = 0.7
	for i := 0; i < 200; i++ {
		score, _ = p.Apply(score, false, false)
		require.GreaterOrEqual(t, score, 0.0)
	}
}

func TestParams_RepeatedFailuresStabilizeAboveZero(t *testing.T) {
	p := DefaultParams()

	score := 0.7
	for i := 0; i < 50; i++ {
		score, _ = p.Apply(score, false, false)
	}
	assert.GreaterOrEqual(t, score, 0.0)
	assert.Less(t, score, 0.1, "50 failures from 0.7 should land near the floor")
}

func TestParams_DecayGraceWindow(t *testing.T) {
	p := DefaultParams()
	now := time.Now()

	assert.Equal(t, 0.9, p.Decayed(0.9, now.Add(-time.Hour), now),
		"scores inside the grace window do not decay")
	assert.Less(t, p.Decayed(0.9, now.Add(-72*time.Hour), now), 0.9)
	assert.Greater(t, p.Decayed(0.1, now.Add(-72*time.Hour), now), 0.1,
		"low scores decay upward toward baseline")
}

func TestParams_DecayConvergesToBaseline(t *testing.T) {
	p := DefaultParams()
	now := time.Now()

	// far past: decay fraction caps at 1, landing exactly on baseline
	decayed := p.Decayed(0.95, now.Add(-10000*time.Hour), now)
	assert.InDelta(t, p.Baseline, decayed, 1e-9)
}

func TestThresholds_For(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		category string
		want     float64
	}{
		{CategoryBasicTask, 0.3},
		{CategoryCriticalTask, 0.7},
		{CategoryDelegation, 0.5},
		{CategoryVerification, 0.6},
		{CategoryConsensus, 0.5},
	}
	for _, tt := range tests {
		got, err := th.For(tt.category)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.category)
	}

	_, err := th.For("world_domination")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.0, Confidence(0), 1e-9)
	assert.Greater(t, Confidence(10), Confidence(1))
	assert.LessOrEqual(t, Confidence(100000), 0.95, "confidence never saturates")
}
