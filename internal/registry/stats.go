package registry

import (
	"sync"
	"time"
)

type attempt struct {
	at time.Time
	ok bool
}

// SiteStats keeps a sliding window of extraction attempt outcomes per site.
// It backs the success-rate KPI consumed by the anomaly detector.
type SiteStats struct {
	window time.Duration

	mu       sync.Mutex
	attempts map[string][]attempt
}

// NewSiteStats constructs a SiteStats with the given window.
func NewSiteStats(window time.Duration) *SiteStats {
	if window <= 0 {
		window = time.Hour
	}
	return &SiteStats{
		window:   window,
		attempts: make(map[string][]attempt),
	}
}

// Observe records one attempt outcome for the site.
func (s *SiteStats) Observe(site string, ok bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[site] = append(s.pruneLocked(site, at), attempt{at: at, ok: ok})
}

// SuccessRate returns the windowed success ratio for the site and the number
// of attempts the ratio is based on. Zero attempts yields (0, 0).
func (s *SiteStats) SuccessRate(site string, now time.Time) (rate float64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pruneLocked(site, now)
	s.attempts[site] = kept
	if len(kept) == 0 {
		return 0, 0
	}
	var ok int
	for _, a := range kept {
		if a.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(kept)), len(kept)
}

func (s *SiteStats) pruneLocked(site string, now time.Time) []attempt {
	cutoff := now.Add(-s.window)
	kept := s.attempts[site][:0]
	for _, a := range s.attempts[site] {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	return kept
}
