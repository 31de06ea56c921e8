package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultJanitorInterval = time.Minute
	DefaultMaxIdle         = 30 * time.Minute
)

// Janitor periodically drops abandoned sessions from a Store. A device that
// crashes mid-round never deletes its mailbox, so without pruning a long-running
// relay would accumulate dead sessions.
type Janitor struct {
	store    *Store
	cron     *cron.Cron
	interval time.Duration
	maxIdle  time.Duration
	log      *slog.Logger
}

func NewJanitor(store *Store, interval, maxIdle time.Duration, log *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Janitor{
		store:    store,
		cron:     cron.New(),
		interval: interval,
		maxIdle:  maxIdle,
		log:      log,
	}
}

// RunOnce prunes idle sessions immediately.
func (j *Janitor) RunOnce() int {
	pruned := j.store.PruneIdle(j.maxIdle)
	if pruned > 0 {
		j.log.Info("Pruned idle relay sessions", "pruned", pruned, "remaining", j.store.SessionCount())
	}
	return pruned
}

// Start schedules pruning every interval.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(fmt.Sprintf("@every %s", j.interval), func() {
		j.RunOnce()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
