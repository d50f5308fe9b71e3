package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gocast/chunkcast/internal/stats"
)

// Housekeeper periodically reaps idle sessions and logs a stats line
type Housekeeper struct {
	cron        *cron.Cron
	handler     *Handler
	stats       *stats.ServerStats
	activity    *ActivityBuffer
	logger      *slog.Logger
	idleTimeout func() time.Duration
	now         func() time.Time
}

// NewHousekeeper schedules the housekeeping job. An empty schedule returns
// a nil Housekeeper; Start and Stop on nil are no-ops.
func NewHousekeeper(schedule string, h *Handler, st *stats.ServerStats, ab *ActivityBuffer, idleTimeout func() time.Duration, logger *slog.Logger) (*Housekeeper, error) {
	if schedule == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	hk := &Housekeeper{
		cron:        cron.New(),
		handler:     h,
		stats:       st,
		activity:    ab,
		logger:      logger,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
	if _, err := hk.cron.AddFunc(schedule, func() { hk.Run() }); err != nil {
		return nil, fmt.Errorf("invalid housekeeping schedule %q: %w", schedule, err)
	}
	return hk, nil
}

// Start starts the scheduler in its own goroutine
func (hk *Housekeeper) Start() {
	if hk == nil {
		return
	}
	hk.cron.Start()
}

// Stop stops the scheduler and waits for a running job to finish
func (hk *Housekeeper) Stop() {
	if hk == nil {
		return
	}
	<-hk.cron.Stop().Done()
}

// Run performs one housekeeping pass and returns the number of sessions reaped
func (hk *Housekeeper) Run() int {
	reaped := 0
	if timeout := hk.idleTimeout(); timeout > 0 {
		reaped = hk.handler.ReapIdle(hk.now().Add(-timeout))
	}

	snap := hk.stats.Snapshot()
	hk.logger.Info("housekeeping",
		"sessions", snap.CurrentSessions,
		"peak", snap.PeakSessions,
		"streams_completed", snap.StreamsCompleted,
		"streams_aborted", snap.StreamsAborted,
		"sent", stats.FormatBytes(snap.BytesSent),
		"uptime", stats.FormatDuration(snap.Uptime),
		"reaped", reaped,
	)
	if reaped > 0 {
		hk.activity.Add(ActivityHousekeeping, fmt.Sprintf("Reaped %d idle sessions", reaped), map[string]any{
			"reaped": reaped,
		})
	}
	return reaped
}
