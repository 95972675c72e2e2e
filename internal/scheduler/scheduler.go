package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/ingest"
)

// Scheduler periodically sweeps the upstream archive for new grid files and
// refreshes the parameter catalog whenever a sweep landed new data.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	downloader *ingest.Downloader
	catalog    *catalog.Catalog
	params     catalog.ParameterSource
	interval   time.Duration
}

// New creates a new Scheduler. params may be nil when no parameter source is
// configured; the catalog refresh is skipped in that case.
func New(downloader *ingest.Downloader, cat *catalog.Catalog, params catalog.ParameterSource, interval time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler:  s,
		downloader: downloader,
		catalog:    cat,
		params:     params,
		interval:   interval,
	}
}

// Start schedules the periodic sweep job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.downloader == nil {
		log.Println("scheduler: no downloader configured; nothing to schedule")
		return nil
	}

	minutes := int(s.interval.Minutes())
	if minutes <= 0 {
		minutes = 15
	}

	_, err := s.scheduler.Every(minutes).Minutes().Do(func() {
		log.Println("scheduler: running archive sweep job")

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
		defer cancel()

		newData, err := s.downloader.Sweep(ctx)
		if err != nil {
			log.Printf("scheduler: sweep failed: %v", err)
			return
		}
		if newData && s.params != nil {
			s.catalog.Refresh(ctx, s.params)
		}
		log.Println("scheduler: completed archive sweep job")
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
