// Package app assembles the broker daemon: configuration, logging, the
// Manager, and the mapping from loop outcomes to process exit codes.
package app

import (
	"errors"

	"pkt.systems/pslog"

	"github.com/corebus/busd/config"
	"github.com/corebus/busd/core/broker"
)

// App is one broker process instance.
type App struct {
	cfg *config.Config
	log pslog.Logger
}

// New creates an application instance.
func New(cfg *config.Config, log pslog.Logger) *App {
	return &App{cfg: cfg, log: log}
}

// Run constructs the Manager over the supplied control descriptor, drives
// the dispatch loop to a terminal outcome, and returns the process exit
// code. The Manager is torn down on every path, so buffered controller
// output has been flushed by the time this returns.
func (a *App) Run() int {
	mgr, err := broker.New(a.log, a.cfg.UserLimits(), a.cfg.ControllerFD)
	if err != nil {
		a.log.Error("broker start failed", "error", err)
		return 1
	}
	defer mgr.Close()

	a.log.Info("broker running", "controller_fd", a.cfg.ControllerFD, "env", a.cfg.Env)

	// Loop outcomes are intentional terminations, not errors; only a
	// propagated fatal error is logged as one.
	err = mgr.Run()
	switch {
	case errors.Is(err, broker.ErrExit):
		a.log.Info("broker exiting")
		return 0
	case errors.Is(err, broker.ErrFailed):
		a.log.Info("broker failed", "outcome", err.Error())
		return 1
	default:
		a.log.Error("dispatch loop aborted", "error", err)
		return 1
	}
}
