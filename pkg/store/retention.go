package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RetentionConfig controls the periodic ledger sweep.
type RetentionConfig struct {
	Schedule string        // cron expression, e.g. "0 3 * * *"
	MaxAge   time.Duration // records older than this are deleted
}

// Sweeper deletes query records past the retention window and prunes
// sessions that no longer have any records.
type Sweeper struct {
	store  *Store
	cfg    RetentionConfig
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewSweeper creates a retention sweeper. Start schedules it.
func NewSweeper(store *Store, cfg RetentionConfig, logger zerolog.Logger) (*Sweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}

	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
	}, nil
}

// Start registers the cron entry and begins running sweeps.
func (sw *Sweeper) Start() error {
	_, err := sw.cron.AddFunc(sw.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		queries, sessions, err := sw.Sweep(ctx)
		if err != nil {
			sw.logger.Error().Err(err).Msg("Retention sweep failed")
			return
		}
		sw.logger.Info().
			Int64("queries", queries).
			Int64("sessions", sessions).
			Msg("Retention sweep completed")
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", sw.cfg.Schedule, err)
	}

	sw.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	ctx := sw.cron.Stop()
	<-ctx.Done()
}

// Sweep deletes expired query records and then sessions left without
// any records. Returns the deleted row counts.
func (sw *Sweeper) Sweep(ctx context.Context) (int64, int64, error) {
	cutoff := time.Now().UTC().Add(-sw.cfg.MaxAge)

	res, err := sw.store.db.ExecContext(ctx,
		"DELETE FROM agent_queries WHERE created_at < ?", cutoff,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}
	queries, _ := res.RowsAffected()

	res, err = sw.store.db.ExecContext(ctx,
		`DELETE FROM agent_sessions
		 WHERE updated_at < ?
		   AND session_id NOT IN (SELECT DISTINCT session_id FROM agent_queries)`,
		cutoff,
	)
	if err != nil {
		return queries, 0, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}
	sessions, _ := res.RowsAffected()

	return queries, sessions, nil
}
