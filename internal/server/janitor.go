package server

import (
	"github.com/robfig/cron/v3"

	"github.com/xtrieve/xtrieve/internal/dispatch"
	"github.com/xtrieve/xtrieve/internal/xlog"
)

// Janitor periodically logs engine occupancy (open files, in-flight
// transactions are not tracked here, only what filemgr can report). It
// enforces nothing — spec.md §5 gives lock_bias waits no server-side
// timeout, so there is no lock to reap.
//
// Grounded on SimonWaldherr-tinySQL's internal/storage/scheduler.go's
// cron.New(cron.WithSeconds())-driven job loop, repurposed from running
// scheduled SQL jobs to a fixed occupancy-report tick.
type Janitor struct {
	cron *cron.Cron
	d    *dispatch.Dispatcher
	log  *xlog.Logger
}

// NewJanitor builds a janitor that reports d's open-file count once a
// minute.
func NewJanitor(d *dispatch.Dispatcher, log *xlog.Logger) *Janitor {
	if log == nil {
		log = xlog.Global()
	}
	return &Janitor{cron: cron.New(), d: d, log: log}
}

// Start schedules the occupancy report and begins running it in the
// background.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@every 1m", j.reportOccupancy)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the janitor, waiting for any in-progress tick to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) reportOccupancy() {
	j.log.Info().
		Int("open_files", j.d.Files.OpenCount()).
		Msg("engine occupancy")
}
