// Package history keeps the append-only, most-recent-first ledger of
// completed downloads. The whole ledger is one JSON array stored under a
// single fixed key; every append re-reads, prepends, and writes back under a
// store-level mutex so two in-flight downloads cannot clobber each other.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vidcombo-downloader/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// historyKey is the single fixed key the ledger lives under.
const historyKey = "download_history"

// maxLedgerBytes bounds the serialized ledger value.
const maxLedgerBytes = 16 << 20

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store is closed")

// Store wraps the bitcask instance holding the download ledger.
type Store struct {
	db        *bitcask.Bitcask
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Open initializes and returns a Store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
		}
	}

	db, err := bitcask.Open(path, bitcask.WithMaxValueSize(maxLedgerBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store at %s: %w", path, err)
	}

	log.Debugf("History store opened at %s", path)
	return &Store{db: db}, nil
}

// Close releases the underlying store. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Append prepends a record to the ledger. The read-modify-write sequence is
// serialized by the store mutex; see the package comment.
func (s *Store) Append(rec models.DownloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	records, err := s.readLocked()
	if err != nil {
		return err
	}

	records = append([]models.DownloadRecord{rec}, records...)
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling history ledger: %w", err)
	}
	if err := s.db.Put([]byte(historyKey), data); err != nil {
		return fmt.Errorf("writing history ledger: %w", err)
	}

	log.Debugf("Appended history record %s (%d total)", rec.ID, len(records))
	return nil
}

// List returns all records, most recent first.
func (s *Store) List() ([]models.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.readLocked()
}

// FindMatch returns the most recent record matching the request triple, or
// nil when no record matches. It does not check whether the referenced file
// still exists; that lazy verification belongs to the caller.
func (s *Store) FindMatch(sourceURL string, formatType models.FormatType, quality string) (*models.DownloadRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range records {
		r := &records[i]
		if r.SourceURL == sourceURL && r.FormatType == formatType && r.Quality == quality {
			return r, nil
		}
	}
	return nil, nil
}

func (s *Store) readLocked() ([]models.DownloadRecord, error) {
	data, err := s.db.Get([]byte(historyKey))
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history ledger: %w", err)
	}

	var records []models.DownloadRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding history ledger: %w", err)
	}
	return records, nil
}
