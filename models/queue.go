package models

import "context"

// Observation is a single consistent read of a queue's ordered set.
type Observation struct {
	Cardinality int64
	// Number of members scored strictly above the requested score.
	NewerThan int64

	// TopScore is only meaningful when HasTop is true.
	TopScore float64
	HasTop   bool
}

type QueueInfo struct {
	Name string `json:"name"`
}

// Store is an ordered queue backend. Each queue is a score-ordered set of
// integer identifiers plus a map from identifier to payload.
type Store interface {
	// Observe returns cardinality, the count of members with score > after, and
	// the top score, all taken from one point in time. An unknown queue is an
	// empty observation, not an error.
	Observe(ctx context.Context, queue string, after float64) (Observation, error)

	// RangeByRank returns identifiers ranked start..stop inclusive, lowest
	// score first.
	RangeByRank(ctx context.Context, queue string, start int64, stop int64) ([]int64, error)

	// Payloads resolves identifiers in one batch. The result has one slot per
	// identifier; a nil slot means the payload was not found.
	Payloads(ctx context.Context, queue string, ids []int64) ([][]byte, error)

	ListQueues(ctx context.Context) ([]string, error)

	Enqueue(ctx context.Context, queue string, id int64, score float64, payload []byte) error
	// Dequeue removes up to n of the lowest-scored members and their payloads.
	Dequeue(ctx context.Context, queue string, n int) ([]int64, error)

	Shutdown() error
}
