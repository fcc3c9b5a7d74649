package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/oi"
)

// Job is a named maintenance task. cache.CleanupJob and the wrappers
// in this package all satisfy it.
type Job interface {
	Name() string
	Run() error
}

// Maintenance owns the cron schedule for off-session housekeeping:
// backups, cache cleanup, baseline and cooldown purges.
type Maintenance struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewMaintenance creates the schedule in the given location so cron
// specs read in exchange time.
func NewMaintenance(loc *time.Location, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		cron: cron.New(cron.WithLocation(loc)),
		log:  log.With().Str("component", "maintenance").Logger(),
	}
}

// Add schedules a job on a standard cron spec
func (m *Maintenance) Add(spec string, job Job) error {
	_, err := m.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job.Run(); err != nil {
			m.log.Error().Err(err).Str("job", job.Name()).Msg("Maintenance job failed")
			return
		}
		m.log.Info().
			Str("job", job.Name()).
			Dur("duration_ms", time.Since(start)).
			Msg("Maintenance job completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s on %q: %w", job.Name(), spec, err)
	}
	return nil
}

// Start begins dispatching jobs
func (m *Maintenance) Start() {
	m.cron.Start()
	m.log.Info().Int("jobs", len(m.cron.Entries())).Msg("Maintenance schedule started")
}

// Stop halts the schedule and waits for running jobs to finish
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// OIResetJob clears open-interest baselines left over from previous
// trading days so the first derivative quote of the session re-seeds
// them.
type OIResetJob struct {
	engine *oi.Engine
	clock  func() time.Time
	log    zerolog.Logger
}

// NewOIResetJob creates the job
func NewOIResetJob(engine *oi.Engine, clock func() time.Time, log zerolog.Logger) *OIResetJob {
	if clock == nil {
		clock = time.Now
	}
	return &OIResetJob{engine: engine, clock: clock, log: log.With().Str("job", "oi_reset").Logger()}
}

// Name returns the job name for maintenance logs
func (j *OIResetJob) Name() string { return "oi_reset" }

// Run clears stale baselines
func (j *OIResetJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := j.engine.ClearStale(ctx, j.clock())
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Cleared stale OI baselines")
	}
	return nil
}

// IntegrityJob runs a full integrity check over every store off-session
// and logs sizing so WAL or freelist growth shows up in the logs before
// it becomes a disk problem.
type IntegrityJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewIntegrityJob creates the job
func NewIntegrityJob(databases map[string]*database.DB, log zerolog.Logger) *IntegrityJob {
	return &IntegrityJob{databases: databases, log: log.With().Str("job", "integrity_check").Logger()}
}

// Name returns the job name for maintenance logs
func (j *IntegrityJob) Name() string { return "integrity_check" }

// Run checks each store and reports the first failure
func (j *IntegrityJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var firstErr error
	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		stats, err := db.GetStats()
		if err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("Could not read store stats")
			continue
		}
		j.log.Info().
			Str("database", name).
			Str("profile", string(db.Profile())).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_bytes", stats.WALSizeBytes).
			Int64("free_pages", stats.FreelistCount).
			Msg("Store healthy")
	}
	return firstErr
}

// CooldownPurgeJob drops cooldown history older than the retention
// window, keeping the alert_history table bounded.
type CooldownPurgeJob struct {
	cooldown  *alerts.CooldownManager
	retention time.Duration
	clock     func() time.Time
	log       zerolog.Logger
}

// NewCooldownPurgeJob creates the job
func NewCooldownPurgeJob(cooldown *alerts.CooldownManager, retention time.Duration,
	clock func() time.Time, log zerolog.Logger) *CooldownPurgeJob {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &CooldownPurgeJob{
		cooldown:  cooldown,
		retention: retention,
		clock:     clock,
		log:       log.With().Str("job", "cooldown_purge").Logger(),
	}
}

// Name returns the job name for maintenance logs
func (j *CooldownPurgeJob) Name() string { return "cooldown_purge" }

// Run purges entries older than the retention window
func (j *CooldownPurgeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := j.cooldown.ClearBefore(ctx, j.clock().Add(-j.retention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Purged stale cooldown history")
	}
	return nil
}
