package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"site-mirror/pkg/log"
	"site-mirror/pkg/models"
	"site-mirror/pkg/utils"
)

const (
	pageKeyPrefix  = "page:"         // Prefix for page URL keys in DB
	assetKeyPrefix = "asset:"        // Prefix for asset URL keys in DB
	journalDBDir   = "crawl_journal" // Subdirectory name within stateDir for Badger DB files
)

const maxConflictRetries = 10

// Journal persists per-URL crawl outcomes in BadgerDB so an interrupted
// mirror can resume without re-rendering pages it already wrote.
type Journal struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewJournal opens (or wipes and recreates, when resume is false) the
// journal database for one site under stateDir.
func NewJournal(stateDir, siteHost string, resume bool, logger *logrus.Entry) (*Journal, error) {
	j := &Journal{log: logger}

	dbDirName := utils.SanitizeFilename(siteHost) + "_" + journalDBDir
	dbPath := filepath.Join(stateDir, dbDirName)

	if !resume {
		logger.Warnf("Resume flag is false. REMOVING existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			// Log error but attempt to continue; Badger might recover or create new files
			logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	logger.Infof("Initializing crawl journal at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1) // Only the latest outcome matters

	var err error
	j.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	logger.Info("Crawl journal initialized successfully.")
	return j, nil
}

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (j *Journal) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := j.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		j.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// SetPage records the outcome for a page URL, overwriting any prior entry.
func (j *Journal) SetPage(canonicalURL string, entry *models.PageJournalEntry) error {
	return j.setJSON(pageKeyPrefix+canonicalURL, entry)
}

// GetPage retrieves the journaled status for a page URL.
// Returns PageStatusNotFound when the URL has never been recorded.
func (j *Journal) GetPage(canonicalURL string) (models.PageStatus, *models.PageJournalEntry, error) {
	status := models.PageStatusNotFound
	var entry *models.PageJournalEntry

	key := []byte(pageKeyPrefix + canonicalURL)
	errView := j.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting page key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.PageJournalEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				j.log.Warnf("Failed to unmarshal page entry for key '%s': %v. Treating as 'pending'.", string(key), errJSON)
				status = models.PageStatusPending
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})
	if errView != nil {
		j.log.Errorf("DB View error in GetPage for key '%s': %v", string(key), errView)
		return models.PageStatusUnset, nil, errView
	}
	return status, entry, nil
}

// SetAsset records the outcome for an asset URL.
func (j *Journal) SetAsset(canonicalURL string, entry *models.AssetJournalEntry) error {
	return j.setJSON(assetKeyPrefix+canonicalURL, entry)
}

// GetAsset retrieves the journaled entry for an asset URL, if any.
func (j *Journal) GetAsset(canonicalURL string) (*models.AssetJournalEntry, bool, error) {
	var entry *models.AssetJournalEntry

	key := []byte(assetKeyPrefix + canonicalURL)
	errView := j.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting asset key '%s': %w", utils.ErrDatabase, string(key), errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.AssetJournalEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				j.log.Warnf("Failed to unmarshal asset entry for key '%s': %v. Ignoring.", string(key), errJSON)
				return nil
			}
			entry = &decoded
			return nil
		})
	})
	if errView != nil {
		j.log.Errorf("DB View error in GetAsset for key '%s': %v", string(key), errView)
		return nil, false, errView
	}
	return entry, entry != nil, nil
}

func (j *Journal) setJSON(key string, v any) error {
	if j.db == nil {
		return errors.New("journal not initialized")
	}
	entryBytes, errJSON := json.Marshal(v)
	if errJSON != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal entry for key '%s': %w", utils.ErrParsing, key, errJSON)
		j.log.Error(wrappedErr)
		return wrappedErr
	}

	err := j.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), entryBytes))
	})
	if err != nil {
		j.log.WithField("key", key).Errorf("DB Update error: %v", err)
		return fmt.Errorf("%w: failed setting key '%s': %w", utils.ErrDatabase, key, err)
	}
	return nil
}

// CompletedPages streams every journaled page with a terminal outcome to
// fn. Used on resume to rebuild the visited set and the sitemap/error
// manifests without re-crawling.
func (j *Journal) CompletedPages(ctx context.Context, fn func(canonicalURL string, entry *models.PageJournalEntry)) error {
	j.log.Info("Resume Mode: Scanning journal for completed pages...")
	scanStartTime := time.Now()
	scanned := 0

	scanErr := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(pageKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				j.log.Warnf("Resume scan interrupted by context cancellation: %v", ctx.Err())
				return ctx.Err()
			default:
			}

			item := it.Item()
			keyBytes := item.KeyCopy(nil)
			canonicalURL := string(keyBytes[len(prefix):])

			errVal := item.Value(func(val []byte) error {
				var decoded models.PageJournalEntry
				if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
					j.log.Warnf("Skipping undecodable journal entry for '%s': %v", canonicalURL, errJSON)
					return nil
				}
				if decoded.Status == models.PageStatusSuccess || decoded.Status == models.PageStatusFailure {
					scanned++
					fn(canonicalURL, &decoded)
				}
				return nil
			})
			if errVal != nil {
				return errVal
			}
		}
		return nil
	})

	if scanErr != nil {
		return fmt.Errorf("%w: resume scan failed: %w", utils.ErrDatabase, scanErr)
	}
	j.log.Infof("Resume scan finished: %d completed pages in %v", scanned, time.Since(scanStartTime))
	return nil
}

// RunGC runs BadgerDB's value log garbage collection periodically until
// the context is cancelled.
func (j *Journal) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.log.Info("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if j.db == nil || j.db.IsClosed() {
				continue
			}
			var err error
			for {
				// Run GC while the value log is at least 50% reclaimable
				err = j.db.RunValueLogGC(0.5)
				if err != nil {
					break
				}
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				j.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			j.log.Debugf("Stopping BadgerDB GC goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close flushes and closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	j.log.Info("Closing crawl journal...")
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("%w: closing journal: %w", utils.ErrDatabase, err)
	}
	return nil
}
