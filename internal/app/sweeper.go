/**
 * @description
 * Cron-driven sweeper for transfers whose confirmation window closed
 * without a confirm or cancel. Lazy expiry in ConfirmTransfer covers
 * transfers that get touched again; the sweeper covers the ones nobody
 * ever touches, so held funds always return to the sender.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepBatchSize = 200

// Sweeper runs the transfer expiry job on a cron schedule.
type Sweeper struct {
	cron     *cron.Cron
	svc      *Service
	schedule string
}

// NewSweeper creates a sweeper with the given cron schedule
// ("@every 5m" style or a standard cron expression).
func NewSweeper(svc *Service, schedule string) *Sweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	return &Sweeper{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		svc:      svc,
		schedule: schedule,
	}
}

// Start registers the expiry job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=sweeper msg=\"transfer expiry sweep scheduled\" schedule=%q", s.schedule)
	return nil
}

// Stop stops the scheduler and returns a context that is done once any
// in-flight sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := s.svc.ExpireOverdueTransfers(ctx, sweepBatchSize)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"transfer expiry sweep failed\" err=%v", err)
		return
	}
	if expired > 0 {
		log.Printf("level=info component=sweeper msg=\"expired overdue transfers\" count=%d", expired)
	}
}
