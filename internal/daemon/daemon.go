// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-cast/internal/config"
)

// Runner cria a SessionFunc para uma configuração carregada.
type Runner func(cfg *config.SenderConfig) SessionFunc

// Loader relê a configuração no SIGHUP.
type Loader func() (*config.SenderConfig, error)

// stopTimeout é quanto o shutdown espera pela sessão em andamento.
const stopTimeout = 30 * time.Second

// Run mantém o sender agendado até SIGTERM ou SIGINT. SIGHUP relê a
// configuração e troca a agenda depois que a sessão corrente termina.
func Run(cfg *config.SenderConfig, load Loader, runner Runner, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return loop(sigCh, cfg, load, runner, logger)
}

func loop(sigCh <-chan os.Signal, cfg *config.SenderConfig, load Loader, runner Runner, logger *slog.Logger) error {
	sched, err := startScheduler(cfg, runner, logger)
	if err != nil {
		return err
	}

	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			logger.Info("shutting down", "signal", sig)
			stopScheduler(sched)
			return nil
		}

		next, err := reloadConfig(load)
		if err != nil {
			logger.Error("reload rejected, keeping current schedule", "error", err)
			continue
		}

		stopScheduler(sched)
		if sched, err = startScheduler(next, runner, logger); err != nil {
			return err
		}
		logger.Info("config reloaded")
	}
	return nil
}

func startScheduler(cfg *config.SenderConfig, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	sched, err := NewScheduler(cfg.Daemon.Schedule, logger, runner(cfg))
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Daemon.Schedule, err)
	}
	sched.Start()
	logger.Info("daemon running", "schedule", cfg.Daemon.Schedule, "source", cfg.Source.Path)
	return sched, nil
}

func stopScheduler(sched *Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	sched.Stop(ctx)
}

func reloadConfig(load Loader) (*config.SenderConfig, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateDaemon(); err != nil {
		return nil, err
	}
	return cfg, nil
}
