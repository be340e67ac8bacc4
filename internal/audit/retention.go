package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention prunes events past the configured age on a daily schedule. A
// sweep also runs once at startup so long-stopped gateways catch up
// immediately.
type Retention struct {
	store  Store
	days   int
	logger *slog.Logger
	cron   *cron.Cron
}

func NewRetention(store Store, days int, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:  store,
		days:   days,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start schedules the daily sweep and runs one immediately in the background.
func (r *Retention) Start() error {
	if r.days <= 0 {
		return nil
	}
	if _, err := r.cron.AddFunc("@daily", r.sweep); err != nil {
		return err
	}
	r.cron.Start()
	go r.sweep()
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// SetDays updates the retention window on configuration reload.
func (r *Retention) SetDays(days int) {
	r.days = days
}

func (r *Retention) sweep() {
	days := r.days
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("audit retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("audit retention sweep", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}
