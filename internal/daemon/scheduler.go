// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package daemon executa sessões do sender agendadas por cron.
package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// SessionFunc executa uma sessão completa do sender.
type SessionFunc func(ctx context.Context, sessionID string) error

// Scheduler dispara sessões do sender pela agenda cron. Só uma sessão roda
// por vez, pois todas usam a mesma porta e o mesmo grupo multicast.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	fn     SessionFunc

	// ctx é herdado por todas as sessões e cancelado no Stop.
	ctx    context.Context
	cancel context.CancelFunc

	busy     atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
}

// NewScheduler valida a agenda e prepara o cron. Nada roda antes de Start.
func NewScheduler(schedule string, logger *slog.Logger, fn SessionFunc) (*Scheduler, error) {
	cronLog := cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	c := cron.New(cron.WithLogger(cronLog))

	s := &Scheduler{cron: c, logger: logger, fn: fn}
	if _, err := c.AddFunc(schedule, s.execute); err != nil {
		return nil, err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "next", s.cron.Entries()[0].Next)
}

// Stop desliga o cron e espera a sessão corrente. Se ctx vencer antes, a
// sessão é cancelada e Stop ainda aguarda seu retorno.
func (s *Scheduler) Stop(ctx context.Context) {
	idle := s.cron.Stop()
	defer s.cancel()

	select {
	case <-idle.Done():
		s.logger.Info("scheduler stopped")
		return
	case <-ctx.Done():
	}

	s.logger.Warn("session still running at shutdown, cancelling")
	s.cancel()
	<-idle.Done()
}

// Trigger roda uma sessão agora, fora da agenda.
func (s *Scheduler) Trigger() { s.execute() }

func (s *Scheduler) Running() bool   { return s.busy.Load() }
func (s *Scheduler) Runs() int64     { return s.runs.Load() }
func (s *Scheduler) Failures() int64 { return s.failures.Load() }

// Skipped conta disparos descartados porque havia sessão ativa.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) execute() {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("previous session still running, skipping trigger")
		return
	}
	defer s.busy.Store(false)

	id := uuid.NewString()
	s.runs.Add(1)
	log := s.logger.With("session", id)
	log.Info("session triggered")

	if err := s.fn(s.ctx, id); err != nil {
		s.failures.Add(1)
		log.Error("session failed", "error", err)
		return
	}
	log.Info("session finished")
}
