package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/poundifdef/queuemon/models"

	"github.com/rs/zerolog/log"
)

// Engine turns reads of a Store into queue deltas. It holds no per-queue
// state: callers carry the Baseline between calls.
type Engine struct {
	store models.Store
}

func NewEngine(store models.Store) *Engine {
	return &Engine{store: store}
}

// Snapshot compares the queue against baseline and returns the delta and the
// baseline to pass on the next call. A nil baseline is a first observation.
// On error the input baseline is returned unchanged.
func (e *Engine) Snapshot(ctx context.Context, queue string, baseline *models.Baseline) (models.DeltaResult, models.Baseline, error) {
	prev := models.Baseline{}
	if baseline != nil {
		prev = *baseline
	}

	obs, err := e.store.Observe(ctx, queue, prev.PreviousMaxScore)
	if err != nil {
		return models.DeltaResult{}, prev, fmt.Errorf("%w: snapshot %s: %w", models.ErrStoreUnavailable, queue, err)
	}

	result := models.DeltaResult{
		Items:        obs.Cardinality,
		NewItems:     obs.NewerThan,
		RemovedItems: prev.PreviousLength + obs.NewerThan - obs.Cardinality,
	}

	next := models.Baseline{
		PreviousLength:   obs.Cardinality,
		PreviousMaxScore: prev.PreviousMaxScore,
	}
	if obs.HasTop {
		next.PreviousMaxScore = obs.TopScore
	}

	if result.Inconsistent() {
		log.Warn().Str("queue", queue).
			Int64("removed", result.RemovedItems).
			Interface("baseline", prev).
			Msg("Negative removal count, scores may have been rewritten")
	}

	return result, next, nil
}

// storeError marks err as ErrStoreUnavailable unless the store was reached
// and returned data that could not be read.
func storeError(op string, queue string, err error) error {
	if errors.Is(err, models.ErrInvalidMember) {
		return fmt.Errorf("%s %s: %w", op, queue, err)
	}
	return fmt.Errorf("%w: %s %s: %w", models.ErrStoreUnavailable, op, queue, err)
}

// FetchPage returns the count lowest-scored items of a queue with their
// payloads, in rank order.
func (e *Engine) FetchPage(ctx context.Context, queue string, count int) ([]models.Item, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidCount, count)
	}

	if count == 0 {
		return []models.Item{}, nil
	}

	ids, err := e.store.RangeByRank(ctx, queue, 0, int64(count-1))
	if err != nil {
		return nil, storeError("range", queue, err)
	}

	payloads, err := e.store.Payloads(ctx, queue, ids)
	if err != nil {
		return nil, storeError("payloads", queue, err)
	}

	rc := make([]models.Item, len(ids))
	for i, id := range ids {
		rc[i] = models.Item{ID: id}
		if i < len(payloads) && payloads[i] != nil {
			rc[i].Payload = payloads[i]
		} else {
			rc[i].Missing = true
		}
	}

	return rc, nil
}

func (e *Engine) ListQueues(ctx context.Context) ([]models.QueueInfo, error) {
	names, err := e.store.ListQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list queues: %w", models.ErrStoreUnavailable, err)
	}

	sort.Strings(names)

	rc := make([]models.QueueInfo, len(names))
	for i, name := range names {
		rc[i] = models.QueueInfo{Name: name}
	}

	return rc, nil
}
