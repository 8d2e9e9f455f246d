package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poundifdef/queuemon/engine"
	"github.com/poundifdef/queuemon/models"

	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle          State = "idle"
	StateBootstrapping State = "bootstrapping"
	StatePolling       State = "polling"
)

// LiveModel is what a watcher publishes after every tick.
type LiveModel struct {
	Name          string          `json:"name"`
	State         State           `json:"state"`
	CurrentLength int64           `json:"currentLength"`
	PushRate      int64           `json:"pushRate"`
	DequeueRate   int64           `json:"dequeueRate"`
	Baseline      models.Baseline `json:"baseline"`
	IntervalMs    int64           `json:"intervalMs"`
	UpdatedAt     time.Time       `json:"updatedAt"`

	// Stale is set when the last tick failed; the other fields hold the last
	// good values.
	Stale        bool   `json:"stale"`
	Error        string `json:"error,omitempty"`
	Inconsistent bool   `json:"inconsistent"`
}

type Watcher struct {
	monitor *Monitor
	name    string

	// guarded by monitor.mu
	refs int

	ctx    context.Context
	cancel context.CancelFunc
	reset  chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	model     LiveModel
	interval  time.Duration
	lastFetch time.Time
	closed    bool
	subs      map[int]UpdateFunc
	nextSub   int
}

func newWatcher(m *Monitor, name string, interval time.Duration) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		monitor:  m,
		name:     name,
		ctx:      ctx,
		cancel:   cancel,
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		interval: interval,
		subs:     make(map[int]UpdateFunc),
		model: LiveModel{
			Name:       name,
			State:      StateBootstrapping,
			IntervalMs: interval.Milliseconds(),
		},
	}
}

func (w *Watcher) Name() string {
	return w.name
}

func (w *Watcher) Model() LiveModel {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.model
}

func (w *Watcher) Interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.interval
}

// Done is closed once the watcher's loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Subscribe registers fn for this queue's updates. Call the returned func to
// unsubscribe.
func (w *Watcher) Subscribe(fn UpdateFunc) func() {
	w.mu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// SetInterval changes the polling cadence. The baseline is kept.
func (w *Watcher) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", models.ErrInvalidInterval, d)
	}

	w.mu.Lock()
	w.interval = d
	w.model.IntervalMs = d.Milliseconds()
	w.mu.Unlock()

	select {
	case w.reset <- struct{}{}:
	default:
	}

	log.Info().Str("queue", w.name).Dur("interval", d).Msg("Changed update interval")
	return nil
}

func (w *Watcher) run() {
	defer w.monitor.wg.Done()
	defer close(w.done)

	w.tick()

	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.publish(w.Model())
			return
		case <-w.reset:
			ticker.Reset(w.Interval())
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.closed = true
	w.model.State = StateIdle
	w.mu.Unlock()

	w.cancel()
}

// tick takes one snapshot and applies it to the model. Failed ticks leave the
// baseline untouched so the next tick measures from the last good one.
func (w *Watcher) tick() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}

	bootstrapping := w.model.State == StateBootstrapping
	var baseline *models.Baseline
	if !bootstrapping {
		b := w.model.Baseline
		baseline = &b
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.ctx, w.monitor.timeout)
	start := time.Now()
	result, next, err := w.monitor.snapshotter.Snapshot(ctx, w.name, baseline)
	cancel()
	took := time.Since(start)

	now := w.monitor.now()

	w.mu.Lock()
	if w.closed {
		// view closed while the snapshot was in flight
		w.mu.Unlock()
		return
	}
	snapshotDuration.WithLabelValues(w.name).Observe(took.Seconds())

	if err == nil && !bootstrapping {
		var rate models.RateSample
		rate, err = engine.Rate(result, now.Sub(w.lastFetch).Seconds())
		if err == nil {
			w.model.PushRate = rate.PushRate
			w.model.DequeueRate = rate.DequeueRate
		}
	}

	if err != nil {
		w.model.Stale = true
		w.model.Error = err.Error()
		model := w.model
		w.mu.Unlock()

		snapshotErrors.WithLabelValues(w.name).Inc()
		log.Warn().Err(err).Str("queue", w.name).Str("state", string(model.State)).Msg("Skipped queue update")

		w.publish(model)
		return
	}

	w.model.State = StatePolling
	w.model.CurrentLength = result.Items
	w.model.Baseline = next
	w.model.Inconsistent = result.Inconsistent()
	w.model.UpdatedAt = now
	w.model.Stale = false
	w.model.Error = ""
	w.lastFetch = now
	model := w.model
	w.mu.Unlock()

	log.Debug().Str("queue", w.name).
		Int64("length", model.CurrentLength).
		Int64("push_rate", model.PushRate).
		Int64("dequeue_rate", model.DequeueRate).
		Msg("Queue updated")

	w.publish(model)
}

func (w *Watcher) publish(model LiveModel) {
	w.mu.Lock()
	subs := make([]UpdateFunc, 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(model)
	}

	w.monitor.publish(model)
}
