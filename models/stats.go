package models

// Baseline is the caller-held state carried between two snapshots of a queue.
type Baseline struct {
	PreviousLength   int64   `json:"previousLength"`
	PreviousMaxScore float64 `json:"previousMaxScore"`
}

type DeltaResult struct {
	Items    int64 `json:"items"`
	NewItems int64 `json:"newItems"`

	// RemovedItems is derived as previousLength + newItems - items. It is
	// negative only when scores were rewritten upstream.
	RemovedItems int64 `json:"removedItems"`
}

// Inconsistent reports whether the derived removal count went negative.
func (d DeltaResult) Inconsistent() bool {
	return d.RemovedItems < 0
}

// RateSample is items per second, rounded half away from zero.
type RateSample struct {
	PushRate    int64 `json:"pushRate"`
	DequeueRate int64 `json:"dequeueRate"`
}
