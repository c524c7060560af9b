package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./fleet-data", "Fleet data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/fleet.db.backup)")
)

// Report counts the changes a migration made, or would make in a dry run
type Report struct {
	CreatedBuckets []string
	Decisions      int
	Backfilled     int
	Skipped        int
}

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("migrate")

	dbPath := filepath.Join(*dataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Fatal().Str("path", dbPath).Msg("Database not found")
	}

	logger.Info().Str("path", dbPath).Bool("dry_run", *dryRun).Msg("Fleet database migration")

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupFile); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create backup")
		}
		logger.Info().Str("backup", backupFile).Msg("Backup created")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	report, err := migrate(db, *dryRun, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}

	event := logger.Info().
		Strs("created_buckets", report.CreatedBuckets).
		Int("decisions", report.Decisions).
		Int("backfilled", report.Backfilled).
		Int("skipped", report.Skipped)
	if *dryRun {
		event.Msg("Dry run completed, no changes made")
		return
	}
	event.Msg("Migration completed")
}

// migrate brings a store written by an older manager up to the current
// schema: every bucket exists and committed decisions carry a merge type.
func migrate(db *bolt.DB, dryRun bool, logger *zerolog.Logger) (*Report, error) {
	report := &Report{}

	fn := func(tx *bolt.Tx) error {
		for _, name := range storage.Buckets {
			if tx.Bucket(name) != nil {
				continue
			}
			report.CreatedBuckets = append(report.CreatedBuckets, string(name))
			if dryRun {
				continue
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		decisions := tx.Bucket([]byte("merge_decisions"))
		if decisions == nil {
			return nil
		}

		updates := map[string][]byte{}
		err := decisions.ForEach(func(k, v []byte) error {
			report.Decisions++

			var d types.MergeDecision
			if err := json.Unmarshal(v, &d); err != nil {
				logger.Warn().Err(err).Str("attempt_id", string(k)).Msg("Skipping undecodable decision")
				report.Skipped++
				return nil
			}
			if d.Outcome.Kind != types.OutcomeCommitted || d.Outcome.MergeType != "" {
				return nil
			}

			d.Outcome.MergeType = types.MergeTypeCommit
			data, err := json.Marshal(&d)
			if err != nil {
				return fmt.Errorf("failed to encode decision %s: %w", k, err)
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		report.Backfilled = len(updates)
		if dryRun {
			return nil
		}
		// Keys are written after the cursor walk; bbolt forbids mutating
		// a bucket inside ForEach.
		for k, data := range updates {
			if err := decisions.Put([]byte(k), data); err != nil {
				return fmt.Errorf("failed to write decision %s: %w", k, err)
			}
		}
		return nil
	}

	var err error
	if dryRun {
		err = db.View(fn)
	} else {
		err = db.Update(fn)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
