package sqlite

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/models"

	"github.com/rs/zerolog/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type SQLiteQueue struct {
	Filename string
	DB       *gorm.DB
	Mu       *sync.Mutex
	ticker   *time.Ticker
	done     chan struct{}
}

var queueDiskSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "queuemon_sqlite_disk_size",
		Help: "Size of queue data on disk",
	},
)

type Queue struct {
	Name string `gorm:"primaryKey"`
}

func (Queue) TableName() string {
	return "queues"
}

type Item struct {
	Queue   string  `gorm:"primaryKey;index:idx_items_score,priority:1"`
	ID      int64   `gorm:"primaryKey;autoIncrement:false"`
	Score   float64 `gorm:"not null;index:idx_items_score,priority:2"`
	Payload []byte
}

func (Item) TableName() string {
	return "items"
}

func NewSQLiteQueue(cfg config.SQLiteConfig) (*SQLiteQueue, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path+"?_journal_mode=WAL&_foreign_keys=off"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&Queue{}, &Item{})
	if err != nil {
		return nil, err
	}

	log.Info().Str("path", cfg.Path).Msg("Using sqlite backend")

	rc := &SQLiteQueue{
		Filename: cfg.Path,
		DB:       db,
		Mu:       &sync.Mutex{},
		ticker:   time.NewTicker(1 * time.Second),
		done:     make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-rc.done:
				return
			case <-rc.ticker.C:
				stat, err := os.Stat(rc.Filename)
				if err == nil {
					queueDiskSize.Set(float64(stat.Size()))
				}
			}
		}
	}()

	return rc, nil
}

func (q *SQLiteQueue) Observe(ctx context.Context, queue string, after float64) (models.Observation, error) {
	var rc models.Observation

	// One transaction gives the three reads a single snapshot of the table
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Item{}).Where("queue = ?", queue).Count(&rc.Cardinality).Error
		if err != nil {
			return err
		}

		err = tx.Model(&Item{}).Where("queue = ? AND score > ?", queue, after).Count(&rc.NewerThan).Error
		if err != nil {
			return err
		}

		var top []Item
		err = tx.Select("score").Where("queue = ?", queue).Order("score DESC").Limit(1).Find(&top).Error
		if err != nil {
			return err
		}

		if len(top) > 0 {
			rc.HasTop = true
			rc.TopScore = top[0].Score
		}

		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Unable to observe queue")
		return models.Observation{}, err
	}

	return rc, nil
}

func (q *SQLiteQueue) RangeByRank(ctx context.Context, queue string, start int64, stop int64) ([]int64, error) {
	if start < 0 || stop < start {
		return []int64{}, nil
	}

	rc := make([]int64, 0)
	err := q.DB.WithContext(ctx).Model(&Item{}).
		Where("queue = ?", queue).
		Order("score ASC").Order("id ASC").
		Offset(int(start)).Limit(int(stop-start+1)).
		Pluck("id", &rc).Error
	if err != nil {
		return nil, err
	}

	return rc, nil
}

func (q *SQLiteQueue) Payloads(ctx context.Context, queue string, ids []int64) ([][]byte, error) {
	rc := make([][]byte, len(ids))
	if len(ids) == 0 {
		return rc, nil
	}

	var items []Item
	err := q.DB.WithContext(ctx).Select("id", "payload").Where("queue = ? AND id IN ?", queue, ids).Find(&items).Error
	if err != nil {
		return nil, err
	}

	byID := make(map[int64][]byte, len(items))
	for _, item := range items {
		payload := item.Payload
		if payload == nil {
			payload = []byte{}
		}
		byID[item.ID] = payload
	}

	for i, id := range ids {
		rc[i] = byID[id]
	}

	return rc, nil
}

func (q *SQLiteQueue) ListQueues(ctx context.Context) ([]string, error) {
	rc := make([]string, 0)
	err := q.DB.WithContext(ctx).Model(&Queue{}).Pluck("name", &rc).Error
	if err != nil {
		log.Error().Err(err).Msg("Unable to list queues")
		return nil, err
	}

	return rc, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, queue string, id int64, score float64, payload []byte) error {
	if queue == "" {
		return errors.New("invalid queue name")
	}

	q.Mu.Lock()
	defer q.Mu.Unlock()

	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Queue{Name: queue}).Error
		if err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&Item{
			Queue:   queue,
			ID:      id,
			Score:   score,
			Payload: payload,
		}).Error
	})
	if err != nil {
		return err
	}

	log.Trace().Str("queue", queue).Int64("id", id).Float64("score", score).Msg("Enqueued item")
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, queue string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}

	q.Mu.Lock()
	defer q.Mu.Unlock()

	var rc []int64
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Item{}).
			Where("queue = ?", queue).
			Order("score ASC").Order("id ASC").
			Limit(n).
			Pluck("id", &rc).Error
		if err != nil {
			return err
		}

		if len(rc) == 0 {
			return nil
		}

		result := tx.Where("queue = ? AND id IN ?", queue, rc).Delete(&Item{})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected != int64(len(rc)) {
			log.Error().Str("queue", queue).Int64("rowsAffected", result.RowsAffected).Ints64("ids", rc).Msg("Dequeued unexpected number of items")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rc, nil
}

func (q *SQLiteQueue) Shutdown() error {
	q.ticker.Stop()
	close(q.done)

	db, err := q.DB.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
