package server

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/poundifdef/queuemon/config"
	"github.com/poundifdef/queuemon/dashboard"
	"github.com/poundifdef/queuemon/engine"
	"github.com/poundifdef/queuemon/models"
	"github.com/poundifdef/queuemon/monitor"

	"github.com/rs/zerolog/log"
)

func Run(store models.Store, cfg *config.CLI) error {
	e := engine.NewEngine(store)
	mon := monitor.NewMonitor(e, cfg.Monitor)

	for _, queue := range cfg.Monitor.Watch {
		mon.Open(queue)
	}

	dashboardServer := dashboard.NewDashboard(e, mon, cfg.Dashboard, cfg.Monitor.Timeout)
	go func() {
		err := dashboardServer.Start()
		if err != nil {
			log.Error().Err(err).Msg("Dashboard stopped")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c // This blocks the main thread until an interrupt is received
	fmt.Println("Gracefully shutting down...")

	err := dashboardServer.Stop()
	if err != nil {
		log.Error().Err(err).Msg("Unable to stop dashboard")
	}

	mon.Shutdown()

	return store.Shutdown()
}
