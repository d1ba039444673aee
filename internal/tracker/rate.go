package tracker

import (
	"context"

	"trackbot/internal/storage"
)

// estimateRate computes views-per-hour across the bounded sample window.
// It needs at least two samples spanning a positive duration; otherwise
// there is no estimate.
func estimateRate(samples []storage.Sample) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	first, last := samples[0], samples[len(samples)-1]
	span := last.TakenAt.Sub(first.TakenAt)
	if span <= 0 {
		return 0, false
	}
	return float64(last.Measurement-first.Measurement) / span.Hours(), true
}

// Rate returns the current estimate for one item, if the stored sample
// window supports one.
func (s *Service) Rate(ctx context.Context, itemID, tenant string) (float64, bool) {
	samples, err := s.deps.Store.ListSamples(ctx, itemID, tenant)
	if err != nil {
		return 0, false
	}
	return estimateRate(samples)
}
