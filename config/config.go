package config

import (
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
)

type CLI struct {
	Server ServerCommand `cmd:"server" help:"Run queue monitor" default:"1"`
	Tester TesterCommand `cmd:"tester" help:"Generate traffic on a queue"`

	Log       LogConfig       `embed:"" prefix:"log-"`
	Backend   string          `help:"Queue store backend" default:"redis" enum:"redis,sqlite" env:"QUEUEMON_BACKEND"`
	Redis     RedisConfig     `embed:"" prefix:"redis-"`
	SQLite    SQLiteConfig    `embed:"" prefix:"sqlite-"`
	Monitor   MonitorConfig   `embed:"" prefix:"monitor-"`
	Dashboard DashboardConfig `embed:"" prefix:"dashboard-"`

	Config kong.ConfigFlag `help:"Configuration file" name:"config"`
}

type ServerCommand struct{}

type TesterCommand struct {
	Queue     string        `help:"Queue to write to" default:"test-queue"`
	Producers int           `help:"Number of producers" default:"1"`
	Consumers int           `help:"Number of consumers" default:"1"`
	Rate      int           `help:"Items per second per producer" default:"10"`
	BatchSize int           `help:"Items removed per consumer call" default:"1"`
	Duration  time.Duration `help:"How long to run. 0 runs until interrupted" default:"0"`
}

type LogConfig struct {
	Pretty bool   `help:"Human readable logs" default:"true" negatable:""`
	Level  string `help:"Log level" default:"info" enum:"trace,debug,info,warn,error"`
}

type RedisConfig struct {
	Addr     string `help:"Redis address" default:"localhost:6379" env:"QUEUEMON_REDIS_ADDR"`
	Password string `help:"Redis password" default:"" env:"QUEUEMON_REDIS_PASSWORD"`
	DB       int    `help:"Redis database" default:"0"`
	Prefix   string `help:"Key prefix for queues" default:"redis:queue:"`
}

type SQLiteConfig struct {
	Path string `help:"SQLite database path" default:"queuemon.sqlite" type:"path"`
}

type MonitorConfig struct {
	Interval time.Duration `help:"Time between snapshots of a watched queue" default:"5s"`
	Timeout  time.Duration `help:"Timeout for a single snapshot" default:"2s"`
	Watch    []string      `help:"Queues to watch for the lifetime of the process"`
}

type DashboardConfig struct {
	Enabled bool `help:"Serve the dashboard" default:"true" negatable:""`
	Port    int  `help:"Dashboard port" default:"3000"`
	Dev     bool `help:"Reload views from disk" default:"false"`
}

// Load parses command line flags, falling back to YAML config files for
// anything not given on the command line.
func Load(args []string) (string, *CLI, error) {
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("queuemon"),
		kong.Description("Live size and throughput of score-ordered queues"),
		kong.Configuration(kongyaml.Loader, "./queuemon.yaml", "~/.queuemon.yaml"),
	)
	if err != nil {
		return "", nil, err
	}

	c, err := parser.Parse(args)
	if err != nil {
		return "", nil, err
	}

	return c.Command(), cli, nil
}
