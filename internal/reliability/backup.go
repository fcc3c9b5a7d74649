// Package reliability provides the off-box backup of the SQLite stores
// and the cron-driven maintenance schedule.
package reliability

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/database"
)

const backupPrefix = "backups/"

// ObjectStore is the slice of the S3 API the backup service needs.
// *s3.Client satisfies it.
type ObjectStore interface {
	manager.UploadAPIClient
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client builds the S3 client from the ambient AWS configuration.
// A non-empty endpoint switches to path-style addressing for
// S3-compatible stores (MinIO and friends), with static credentials
// when the standard AWS variables are set.
func NewS3Client(ctx context.Context, endpoint string) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	key := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if endpoint != "" && key != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// BackupService snapshots the SQLite stores with VACUUM INTO, verifies
// each snapshot and uploads it to the bucket together with a CSV dump
// of the alert log. Old nightly prefixes are rotated out.
type BackupService struct {
	store     ObjectStore
	uploader  *manager.Uploader
	bucket    string
	databases map[string]*database.DB
	alertLog  *alerts.Log
	retention int // days of nightly prefixes kept
	clock     func() time.Time
	log       zerolog.Logger
}

// NewBackupService creates the backup service
func NewBackupService(store ObjectStore, bucket string, databases map[string]*database.DB,
	alertLog *alerts.Log, retentionDays int, clock func() time.Time, log zerolog.Logger) *BackupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if clock == nil {
		clock = time.Now
	}
	return &BackupService{
		store:     store,
		uploader:  manager.NewUploader(store),
		bucket:    bucket,
		databases: databases,
		alertLog:  alertLog,
		retention: retentionDays,
		clock:     clock,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// Nightly runs the full backup cycle: snapshot, verify, upload, rotate
func (s *BackupService) Nightly() error {
	start := s.clock()
	s.log.Info().Msg("Starting nightly backup")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	tempDir, err := os.MkdirTemp("", "nsewatch_backup_*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	prefix := backupPrefix + start.UTC().Format("2006-01-02")

	var failed int
	for name, db := range s.databases {
		snapshotPath := filepath.Join(tempDir, name+".db")
		if err := s.snapshotDatabase(db, snapshotPath); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Snapshot failed")
			failed++
			continue
		}
		if err := verifySnapshot(snapshotPath); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Snapshot verification failed")
			os.Remove(snapshotPath)
			failed++
			continue
		}
		if err := s.uploadFile(ctx, prefix+"/"+name+".db", snapshotPath); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Snapshot upload failed")
			failed++
		}
	}
	if failed == len(s.databases) && len(s.databases) > 0 {
		return fmt.Errorf("all %d database backups failed", failed)
	}

	if err := s.uploadAlertCSV(ctx, prefix); err != nil {
		s.log.Error().Err(err).Msg("Alert CSV upload failed")
	}

	if err := s.rotate(ctx, start); err != nil {
		s.log.Error().Err(err).Msg("Backup rotation failed")
	}

	s.log.Info().
		Str("prefix", prefix).
		Int("failed", failed).
		Dur("duration_ms", s.clock().Sub(start)).
		Msg("Nightly backup completed")
	return nil
}

// snapshotDatabase writes an atomic copy without WAL sidecars
func (s *BackupService) snapshotDatabase(db *database.DB, path string) error {
	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

func verifySnapshot(path string) error {
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snap.Close()

	var result string
	if err := snap.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (s *BackupService) uploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", key, err)
	}

	s.log.Debug().Str("key", key).Msg("Snapshot uploaded")
	return nil
}

// uploadAlertCSV dumps the full alert log in the spreadsheet layout
func (s *BackupService) uploadAlertCSV(ctx context.Context, prefix string) error {
	if s.alertLog == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := s.alertLog.ExportCSV(ctx, &buf, ""); err != nil {
		return fmt.Errorf("CSV export failed: %w", err)
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(prefix + "/alerts.csv"),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("CSV upload failed: %w", err)
	}
	return nil
}

// rotate deletes nightly prefixes older than the retention window. The
// date is parsed from the key so rotation is independent of object
// mtimes on S3-compatible stores.
func (s *BackupService) rotate(ctx context.Context, now time.Time) error {
	cutoff := now.UTC().AddDate(0, 0, -s.retention)

	out, err := s.store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(backupPrefix),
	})
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		parts := strings.Split(key, "/")
		if len(parts) < 3 {
			continue
		}
		day, err := time.Parse("2006-01-02", parts[1])
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Unparseable backup key, skipping rotation")
			continue
		}
		if !day.Before(cutoff) {
			continue
		}

		if _, err := s.store.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Failed to delete expired backup")
			continue
		}
		s.log.Debug().Str("key", key).Msg("Deleted expired backup")
	}
	return nil
}

// NightlyBackupJob wraps BackupService.Nightly for the maintenance schedule
type NightlyBackupJob struct {
	service *BackupService
}

// NewNightlyBackupJob creates the job wrapper
func NewNightlyBackupJob(service *BackupService) *NightlyBackupJob {
	return &NightlyBackupJob{service: service}
}

// Name returns the job name for maintenance logs
func (j *NightlyBackupJob) Name() string { return "nightly_backup" }

// Run executes the nightly backup
func (j *NightlyBackupJob) Run() error { return j.service.Nightly() }
