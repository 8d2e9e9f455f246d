package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/models"

	"github.com/rs/zerolog/log"
)

var ErrNotWatched = errors.New("queue is not being watched")

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
)

type Snapshotter interface {
	Snapshot(ctx context.Context, queue string, baseline *models.Baseline) (models.DeltaResult, models.Baseline, error)
}

type UpdateFunc func(LiveModel)

// Monitor runs one Watcher per open queue. Watchers are independent: each has
// its own timer, baseline and subscribers.
type Monitor struct {
	snapshotter Snapshotter
	interval    time.Duration
	timeout     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	watchers map[string]*Watcher
	hooks    []UpdateFunc
	wg       sync.WaitGroup
}

func NewMonitor(snapshotter Snapshotter, cfg config.MonitorConfig) *Monitor {
	m := &Monitor{
		snapshotter: snapshotter,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		now:         time.Now,
		watchers:    make(map[string]*Watcher),
	}

	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}

	m.OnUpdate(m.recordMetrics)

	return m
}

// OnUpdate registers fn to be called with every model published by any
// watcher, including the final Idle model when a watcher stops.
func (m *Monitor) OnUpdate(fn UpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, fn)
}

// Open returns the watcher for queue, starting it if needed. Each call must
// be paired with a Close.
func (m *Monitor) Open(queue string) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watchers[queue]; ok {
		w.refs++
		return w
	}

	w := newWatcher(m, queue, m.interval)
	w.refs = 1
	m.watchers[queue] = w

	m.wg.Add(1)
	go w.run()

	log.Info().Str("queue", queue).Dur("interval", m.interval).Msg("Watching queue")

	return w
}

// Close releases one reference to the queue's watcher. The last release stops
// its timer and discards its baseline.
func (m *Monitor) Close(queue string) {
	m.mu.Lock()

	w, ok := m.watchers[queue]
	if !ok {
		m.mu.Unlock()
		return
	}

	w.refs--
	if w.refs > 0 {
		m.mu.Unlock()
		return
	}

	delete(m.watchers, queue)
	m.mu.Unlock()

	w.stop()
	log.Info().Str("queue", queue).Msg("Stopped watching queue")
}

func (m *Monitor) Get(queue string) (*Watcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[queue]
	return w, ok
}

func (m *Monitor) SetInterval(queue string, d time.Duration) error {
	w, ok := m.Get(queue)
	if !ok {
		return ErrNotWatched
	}

	return w.SetInterval(d)
}

// Models returns the current model of every open watcher, sorted by name.
func (m *Monitor) Models() []LiveModel {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	rc := make([]LiveModel, len(watchers))
	for i, w := range watchers {
		rc[i] = w.Model()
	}

	sort.Slice(rc, func(i, j int) bool { return rc[i].Name < rc[j].Name })

	return rc
}

// Shutdown stops every watcher and waits for their loops to exit.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}

	m.wg.Wait()
}

func (m *Monitor) publish(model LiveModel) {
	m.mu.Lock()
	hooks := make([]UpdateFunc, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(model)
	}
}
