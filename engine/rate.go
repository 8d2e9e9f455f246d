package engine

import (
	"math"

	"github.com/poundifdef/queuemon/models"
)

// Rate normalizes a delta to items per second. A non-positive interval is
// ErrZeroElapsedInterval rather than an infinite or NaN rate.
func Rate(delta models.DeltaResult, elapsedSeconds float64) (models.RateSample, error) {
	if elapsedSeconds <= 0 || math.IsNaN(elapsedSeconds) {
		return models.RateSample{}, models.ErrZeroElapsedInterval
	}

	return models.RateSample{
		PushRate:    int64(math.Round(float64(delta.NewItems) / elapsedSeconds)),
		DequeueRate: int64(math.Round(float64(delta.RemovedItems) / elapsedSeconds)),
	}, nil
}
