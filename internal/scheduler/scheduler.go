package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/weathergrid/weathergrid/internal/collector"
)

// RunFunc executes one full collection cycle and returns its summary.
type RunFunc func(ctx context.Context) (collector.Summary, error)

// Scheduler periodically runs collection cycles over the grid.
type Scheduler struct {
	scheduler *gocron.Scheduler
	run       RunFunc
	interval  time.Duration
}

// New creates a new Scheduler around a collection run function.
func New(interval time.Duration, run RunFunc) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		run:       run,
		interval:  interval,
	}
}

// Start schedules the periodic collection job and starts the scheduler.
func (s *Scheduler) Start() error {
	minutes := int(s.interval.Minutes())
	if minutes <= 0 {
		minutes = 15
	}

	_, err := s.scheduler.Every(minutes).Minutes().Do(func() {
		log.Println("scheduler: running collection cycle")

		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()

		summary, err := s.run(ctx)
		if err != nil {
			log.Printf("scheduler: collection cycle failed: %v", err)
			return
		}
		log.Printf("scheduler: cycle %s complete: updated=%d failed=%d batches=%d/%d",
			summary.RunID, summary.Updated, summary.Failed,
			summary.BatchesProcessed, summary.TotalBatches)
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
