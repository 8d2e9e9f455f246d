package dashboard

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/models"
	"github.com/poundifdef/queuemon/monitor"

	"github.com/rs/zerolog/log"

	"github.com/gofiber/contrib/fiberzerolog"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

//go:embed views/*
var viewsfs embed.FS

const (
	defaultPageSize = 10
	keepAlive       = 15 * time.Second
)

type Engine interface {
	Snapshot(ctx context.Context, queue string, baseline *models.Baseline) (models.DeltaResult, models.Baseline, error)
	FetchPage(ctx context.Context, queue string, count int) ([]models.Item, error)
	ListQueues(ctx context.Context) ([]models.QueueInfo, error)
}

type Dashboard struct {
	app     *fiber.App
	engine  Engine
	monitor *monitor.Monitor
	timeout time.Duration
	done    chan struct{}
	stop    sync.Once

	cfg config.DashboardConfig
}

func NewDashboard(engine Engine, mon *monitor.Monitor, cfg config.DashboardConfig, timeout time.Duration) *Dashboard {
	var views *html.Engine

	if cfg.Dev {
		views = html.New("./dashboard/views", ".html")
		views.Reload(true)
		views.Debug(true)
	} else {
		fs2, err := fs.Sub(viewsfs, "views")
		if err != nil {
			log.Fatal().Err(err).Send()
		}
		views = html.NewFileSystem(http.FS(fs2), ".html")
	}

	app := fiber.New(fiber.Config{
		Views:                 views,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(fiberzerolog.New(fiberzerolog.Config{
		Logger: &log.Logger,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/metrics"
		},
	}))

	if timeout <= 0 {
		timeout = monitor.DefaultTimeout
	}

	d := &Dashboard{
		app:     app,
		engine:  engine,
		monitor: mon,
		timeout: timeout,
		done:    make(chan struct{}),
		cfg:     cfg,
	}

	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get("/metrics", func(c *fiber.Ctx) error {
		metrics(c.Context())
		return nil
	})

	app.Get("/", d.Queues)
	app.Get("/queues/:queue", d.Queue)
	app.Get("/queues/:queue/events", d.Events)

	api := app.Group("/api")
	api.Get("/queues", d.ListQueues)
	api.Get("/queues/:queue/snapshot", d.Snapshot)
	api.Get("/queues/:queue/items", d.Items)
	api.Post("/queues/:queue/interval", d.SetInterval)
	api.Get("/watchers", d.Watchers)

	return d
}

func (d *Dashboard) Start() error {
	if !d.cfg.Enabled {
		return nil
	}

	fmt.Printf("Dashboard: http://localhost:%d\n", d.cfg.Port)
	return d.app.Listen(fmt.Sprintf(":%d", d.cfg.Port))
}

// Stop ends open event streams and shuts the server down. Later calls are
// no-ops.
func (d *Dashboard) Stop() error {
	var err error

	d.stop.Do(func() {
		close(d.done)

		if d.cfg.Enabled {
			err = d.app.Shutdown()
		}
	})

	return err
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, models.ErrStoreUnavailable):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, models.ErrInvalidCount), errors.Is(err, models.ErrInvalidInterval):
		code = fiber.StatusBadRequest
	case errors.Is(err, monitor.ErrNotWatched):
		code = fiber.StatusNotFound
	case errors.Is(err, models.ErrInvalidMember):
		code = fiber.StatusUnprocessableEntity
	}

	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Int("status", code).Msg("Request failed")
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (d *Dashboard) storeContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), d.timeout)
}

// ItemRow is a peeked item. Payloads shaped as a JSON array [data, metadata]
// are split into their two parts.
type ItemRow struct {
	ID       int64  `json:"id"`
	Data     string `json:"data,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	Raw      string `json:"raw"`
	Missing  bool   `json:"missing"`
}

func newItemRow(item models.Item) ItemRow {
	row := ItemRow{ID: item.ID, Missing: item.Missing}
	if item.Missing {
		return row
	}

	row.Raw = string(item.Payload)

	if gjson.ValidBytes(item.Payload) {
		parsed := gjson.ParseBytes(item.Payload)
		if parsed.IsArray() {
			row.Data = parsed.Get("0").Raw
			row.Metadata = parsed.Get("1").Raw
		}
	}

	return row
}

func (d *Dashboard) fetchRows(c *fiber.Ctx, queue string) ([]ItemRow, error) {
	count := c.QueryInt("count", defaultPageSize)

	ctx, cancel := d.storeContext(c)
	defer cancel()

	items, err := d.engine.FetchPage(ctx, queue, count)
	if err != nil {
		return nil, err
	}

	rows := make([]ItemRow, len(items))
	for i, item := range items {
		rows[i] = newItemRow(item)
	}

	return rows, nil
}

func (d *Dashboard) Queues(c *fiber.Ctx) error {
	ctx, cancel := d.storeContext(c)
	defer cancel()

	queues, err := d.engine.ListQueues(ctx)

	return c.Render("queues", fiber.Map{"Queues": queues, "Watchers": d.monitor.Models(), "Err": err}, "layout")
}

func (d *Dashboard) Queue(c *fiber.Ctx) error {
	queueName := c.Params("queue")

	rows, err := d.fetchRows(c, queueName)

	var intervalMs int64
	if w, ok := d.monitor.Get(queueName); ok {
		intervalMs = w.Model().IntervalMs
	}

	return c.Render("queue", fiber.Map{
		"Queue":      queueName,
		"Items":      rows,
		"Count":      c.QueryInt("count", defaultPageSize),
		"IntervalMs": intervalMs,
		"Err":        err,
	}, "layout")
}

// Events streams the queue's live model as server-sent events. The queue is
// watched for as long as the stream is open.
func (d *Dashboard) Events(c *fiber.Ctx) error {
	queueName := c.Params("queue")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	w := d.monitor.Open(queueName)
	updates := make(chan monitor.LiveModel, 8)
	unsubscribe := w.Subscribe(func(m monitor.LiveModel) {
		select {
		case updates <- m:
		default:
			log.Warn().Str("queue", queueName).Msg("Dropped update for slow stream")
		}
	})

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(bw *bufio.Writer) {
		defer d.monitor.Close(queueName)
		defer unsubscribe()

		send := func(m monitor.LiveModel) error {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			fmt.Fprintf(bw, "data: %s\n\n", data)
			return bw.Flush()
		}

		if err := send(w.Model()); err != nil {
			return
		}

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()

		for {
			select {
			case <-d.done:
				return
			case <-w.Done():
				return
			case m := <-updates:
				if err := send(m); err != nil {
					log.Debug().Err(err).Str("queue", queueName).Msg("Event stream closed")
					return
				}
			case <-ping.C:
				fmt.Fprint(bw, ": ping\n\n")
				if err := bw.Flush(); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

func (d *Dashboard) ListQueues(c *fiber.Ctx) error {
	ctx, cancel := d.storeContext(c)
	defer cancel()

	queues, err := d.engine.ListQueues(ctx)
	if err != nil {
		return err
	}

	return c.JSON(queues)
}

func parseBaseline(c *fiber.Ctx) (*models.Baseline, error) {
	length := c.Query("previousLength")
	maxScore := c.Query("previousMaxScore")

	if length == "" && maxScore == "" {
		return nil, nil
	}

	rc := &models.Baseline{}

	if length != "" {
		v, err := strconv.ParseInt(length, 10, 64)
		if err != nil || v < 0 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "invalid previousLength")
		}
		rc.PreviousLength = v
	}

	if maxScore != "" {
		v, err := strconv.ParseFloat(maxScore, 64)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "invalid previousMaxScore")
		}
		rc.PreviousMaxScore = v
	}

	return rc, nil
}

// Snapshot is the stateless delta call: the caller sends the baseline it got
// from the previous call and stores the one returned.
func (d *Dashboard) Snapshot(c *fiber.Ctx) error {
	baseline, err := parseBaseline(c)
	if err != nil {
		return err
	}

	ctx, cancel := d.storeContext(c)
	defer cancel()

	result, next, err := d.engine.Snapshot(ctx, c.Params("queue"), baseline)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"result":       result,
		"baseline":     next,
		"inconsistent": result.Inconsistent(),
	})
}

func (d *Dashboard) Items(c *fiber.Ctx) error {
	rows, err := d.fetchRows(c, c.Params("queue"))
	if err != nil {
		return err
	}

	return c.JSON(rows)
}

func (d *Dashboard) SetInterval(c *fiber.Ctx) error {
	queueName := c.Params("queue")

	interval, err := time.ParseDuration(c.FormValue("interval"))
	if err != nil {
		return fmt.Errorf("%w: %q", models.ErrInvalidInterval, c.FormValue("interval"))
	}

	err = d.monitor.SetInterval(queueName, interval)
	if err != nil {
		return err
	}

	w, ok := d.monitor.Get(queueName)
	if !ok {
		return monitor.ErrNotWatched
	}

	return c.JSON(w.Model())
}

func (d *Dashboard) Watchers(c *fiber.Ctx) error {
	return c.JSON(d.monitor.Models())
}
