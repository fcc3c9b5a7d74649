package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CleanupSchedule is the cron slot the job runs on. Daily, so the
// compaction pass fires whichever weekday is configured for it.
const CleanupSchedule = "0 18 * * *"

// CleanupJob evicts stale rows from the quote and history caches.
// On the configured weekday it also performs a compaction pass
// (VACUUM + WAL truncate).
type CleanupJob struct {
	quotes            *QuoteStore
	history           *HistoryStore
	quoteMaxAge       time.Duration
	compactionWeekday time.Weekday
	clock             func() time.Time
	log               zerolog.Logger
}

// NewCleanupJob creates a new cache cleanup job
func NewCleanupJob(quotes *QuoteStore, history *HistoryStore, quoteMaxAge time.Duration,
	compactionWeekday time.Weekday, clock func() time.Time, log zerolog.Logger) *CleanupJob {
	if clock == nil {
		clock = time.Now
	}
	return &CleanupJob{
		quotes:            quotes,
		history:           history,
		quoteMaxAge:       quoteMaxAge,
		compactionWeekday: compactionWeekday,
		clock:             clock,
		log:               log.With().Str("job", "cache_cleanup").Logger(),
	}
}

// Name returns the job name for scheduling and logging
func (j *CleanupJob) Name() string {
	return "cache_cleanup"
}

// Run executes the cleanup job
func (j *CleanupJob) Run() error {
	ctx := context.Background()
	now := j.clock()

	quotesDeleted, err := j.quotes.DeleteOlderThan(ctx, now, j.quoteMaxAge)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to evict stale quotes")
		return err
	}

	historyDeleted, err := j.history.DeleteExpired(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete expired candle series")
		return err
	}

	if quotesDeleted > 0 || historyDeleted > 0 {
		j.log.Info().
			Int64("quotes_deleted", quotesDeleted).
			Int64("history_deleted", historyDeleted).
			Msg("Cache cleanup completed")
	}

	if now.Weekday() == j.compactionWeekday {
		j.compact()
	}

	return nil
}

// compact runs the weekly compaction pass. Failures are logged but not
// fatal - a skipped VACUUM only delays space reclamation.
func (j *CleanupJob) compact() {
	j.log.Info().Msg("Running weekly cache compaction")

	for _, db := range []interface {
		Vacuum() error
		WALCheckpoint(string) error
		Name() string
	}{j.quotes.DB(), j.history.DB()} {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Str("database", db.Name()).Err(err).Msg("WAL checkpoint failed")
		}
		if err := db.Vacuum(); err != nil {
			j.log.Warn().Str("database", db.Name()).Err(err).Msg("Vacuum failed")
		}
	}
}
