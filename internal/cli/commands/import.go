package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"wikiimport/internal/blob"
	"wikiimport/internal/common"
	"wikiimport/internal/config"
	"wikiimport/internal/importer"
	"wikiimport/internal/logging"
	"wikiimport/internal/storage"
)

type importFlags struct {
	directory   string
	sqlite      string
	bucket      string
	profile     string
	quiet       bool
	debug       bool
	configPath  string
	concurrency int
	report      string
	dryRun      bool
	logFile     string
}

func (f *importFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.directory, "directory", "d", "", "WikiComma archive root (required)")
	flags.StringVarP(&f.sqlite, "sqlite", "o", "", "Output SQLite database (required)")
	flags.StringVarP(&f.bucket, "bucket", "b", "", "Destination S3 bucket (required)")
	flags.StringVarP(&f.profile, "profile", "P", "", "AWS credentials profile (required)")
	flags.BoolVarP(&f.quiet, "quiet", "q", false, "Suppress log output on stdout")
	flags.BoolVarP(&f.debug, "debug", "D", false, "Enable debug logging")
	flags.StringVar(&f.configPath, "config", "", "Config file (default $"+config.EnvConfig+")")
	flags.IntVarP(&f.concurrency, "concurrency", "j", 0, "Pages imported in parallel (overrides config)")
	flags.StringVar(&f.report, "report", "", "Write a Markdown run report to this file")
	flags.BoolVar(&f.dryRun, "dry-run", false, "Keep blobs in memory instead of uploading them (SQLite is still written)")
	flags.StringVar(&f.logFile, "log-file", "", "Append log output to this file")
	for _, name := range []string{"directory", "sqlite", "bucket", "profile"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

// settings merges the flags over cfg.
func (f *importFlags) settings(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if f.report != "" {
		cfg.Report = f.report
	}
	return cfg.Validate()
}

func runImport(cmd *cobra.Command, f *importFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if err := f.settings(cmd, cfg); err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Quiet:   f.quiet,
		Debug:   f.debug,
		Output:  cmd.OutOrStdout(),
		LogFile: f.logFile,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	root, err := filepath.Abs(f.directory)
	if err != nil {
		return fmt.Errorf("failed to resolve archive path: %w", err)
	}
	dbPath, err := filepath.Abs(f.sqlite)
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}

	// One import per database at a time.
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w on %s", common.ErrAlreadyRunning, dbPath)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var provider blob.StoreProvider = blob.ProfileProvider{
		Profile:         f.profile,
		CredentialsFile: cfg.S3.CredentialsFile,
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		Insecure:        !cfg.S3.Secure,
	}
	if f.dryRun {
		log.Info("dry run: blobs are kept in memory")
		provider = blob.MemoryProvider{Memory: blob.NewMemoryStore()}
	}
	store, err := provider.Store(ctx, f.bucket)
	if err != nil {
		return err
	}

	db, err := storage.Open(dbPath, storage.Options{BusyTimeout: cfg.Database.BusyTimeout, Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("failed to close database")
		}
	}()

	uploader := blob.NewUploader(store,
		blob.WithKeyPrefix(cfg.S3.KeyPrefix),
		blob.WithBackoff(cfg.Backoff()),
		blob.WithLogger(log))
	coord := importer.New(osfs.New(root), uploader, storage.NewWriter(db, log), importer.Options{
		RunID:             uuid.NewString(),
		ArchiveRoot:       root,
		Bucket:            f.bucket,
		Concurrency:       cfg.Concurrency,
		UploadConcurrency: cfg.Upload.Concurrency,
		Excludes:          cfg.Excludes,
		Logger:            log,
	})

	summary, runErr := coord.Run(ctx)
	if summary != nil && cfg.Report != "" {
		if err := writeReport(cfg.Report, summary); err != nil {
			log.WithError(err).Error("failed to write report")
			if runErr == nil {
				runErr = err
			}
		} else {
			log.WithField("path", cfg.Report).Info("report written")
		}
	}

	if counts, err := db.Counts(context.WithoutCancel(ctx)); err == nil {
		log.WithFields(logrus.Fields{
			"sites":       counts.Sites,
			"pages":       counts.Pages,
			"revisions":   counts.Revisions,
			"attachments": counts.Attachments,
		}).Info("database totals")
	}

	if errors.Is(runErr, common.ErrCancelled) {
		log.Warn("import interrupted; rerun the same command to resume")
	}
	return runErr
}

func writeReport(path string, s *importer.Summary) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := importer.WriteReport(out, s); err != nil {
		out.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return out.Close()
}
