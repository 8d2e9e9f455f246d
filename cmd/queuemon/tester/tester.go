package tester

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/models"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog/log"
)

const idlePause = 100 * time.Millisecond

// Tester writes items to a queue at a fixed rate and removes them in
// batches, so the monitor has traffic to measure.
type Tester struct {
	store models.Store
	cfg   config.TesterCommand
	snow  *snowflake.Node

	// held from score assignment until the write lands, so every item is
	// stored above the score of the one before it
	enqueueMu sync.Mutex
	lastScore float64

	sent     atomic.Int64
	received atomic.Int64
}

func NewTester(store models.Store, cfg config.TesterCommand) (*Tester, error) {
	if cfg.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.Producers > 0 && cfg.Rate <= 0 {
		return nil, errors.New("rate must be positive")
	}
	if cfg.Consumers > 0 && cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}

	snow, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}

	return &Tester{
		store: store,
		cfg:   cfg,
		snow:  snow,
	}, nil
}

func (t *Tester) Sent() int64 {
	return t.sent.Load()
}

func (t *Tester) Received() int64 {
	return t.received.Load()
}

// nextScore returns the enqueue time in microseconds, bumped past the
// previous score when the clock has not advanced. Callers hold enqueueMu.
func (t *Tester) nextScore(now time.Time) float64 {
	score := float64(now.UnixMicro())
	if score <= t.lastScore {
		score = t.lastScore + 1
	}
	t.lastScore = score
	return score
}

func makePayload(producer int, seq int64, now time.Time) ([]byte, error) {
	return json.Marshal([]any{
		map[string]any{"seq": seq, "producer": producer},
		map[string]any{"enqueued_at": now.UTC().Format(time.RFC3339Nano)},
	})
}

func (t *Tester) produce(ctx context.Context, producer int) {
	ticker := time.NewTicker(time.Second / time.Duration(t.cfg.Rate))
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		payload, err := makePayload(producer, seq, now)
		if err != nil {
			log.Error().Err(err).Send()
			return
		}

		id := t.snow.Generate().Int64()

		t.enqueueMu.Lock()
		err = t.store.Enqueue(context.WithoutCancel(ctx), t.cfg.Queue, id, t.nextScore(now), payload)
		t.enqueueMu.Unlock()
		if err != nil {
			log.Error().Err(err).Int("producer", producer).Msg("Failed to enqueue item")
			continue
		}

		seq++
		t.sent.Add(1)
	}
}

func (t *Tester) consume(ctx context.Context, consumer int) {
	for ctx.Err() == nil {
		// in-flight calls finish after ctx is done so the counts stay exact
		ids, err := t.store.Dequeue(context.WithoutCancel(ctx), t.cfg.Queue, t.cfg.BatchSize)
		if err != nil {
			log.Error().Err(err).Int("consumer", consumer).Msg("Failed to dequeue items")
		}

		t.received.Add(int64(len(ids)))

		if len(ids) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(idlePause):
			}
		}
	}
}

func (t *Tester) report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().Int64("sent", t.Sent()).Int64("received", t.Received()).Str("queue", t.cfg.Queue).Send()
		}
	}
}

// Run generates traffic until ctx is done.
func (t *Tester) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < t.cfg.Producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			t.produce(ctx, id)
		}(i)
	}

	for i := 0; i < t.cfg.Consumers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			t.consume(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.report(ctx)
	}()

	wg.Wait()
}

func Run(store models.Store, cfg config.TesterCommand) error {
	t, err := NewTester(store, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	log.Info().Str("queue", cfg.Queue).Int("producers", cfg.Producers).Int("consumers", cfg.Consumers).Int("rate", cfg.Rate).Msg("Generating traffic")

	t.Run(ctx)

	log.Info().Int64("sent", t.Sent()).Int64("received", t.Received()).Msg("Done")

	return store.Shutdown()
}
