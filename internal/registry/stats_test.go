package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuccessRateWindowsOutOldAttempts(t *testing.T) {
	t.Parallel()

	stats := NewSiteStats(time.Minute)
	base := time.Unix(1000, 0).UTC()

	stats.Observe("shop-a", false, base)
	stats.Observe("shop-a", true, base.Add(50*time.Second))
	stats.Observe("shop-a", true, base.Add(55*time.Second))

	// The failure at t=0 has aged out of the one-minute window.
	rate, samples := stats.SuccessRate("shop-a", base.Add(70*time.Second))
	require.Equal(t, 2, samples)
	require.Equal(t, 1.0, rate)
}

func TestSuccessRateNoSamples(t *testing.T) {
	t.Parallel()

	stats := NewSiteStats(time.Minute)
	rate, samples := stats.SuccessRate("shop-a", time.Unix(1000, 0))
	require.Zero(t, samples)
	require.Zero(t, rate)
}

func TestSuccessRateMixedOutcomes(t *testing.T) {
	t.Parallel()

	stats := NewSiteStats(time.Hour)
	now := time.Unix(5000, 0).UTC()
	for i := 0; i < 3; i++ {
		stats.Observe("shop-a", true, now)
	}
	stats.Observe("shop-a", false, now)

	rate, samples := stats.SuccessRate("shop-a", now)
	require.Equal(t, 4, samples)
	require.InEpsilon(t, 0.75, rate, 1e-9)
}
