// Package results persists conformance reports in a BadgerDB so past runs
// can be listed and compared.
package results

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mkeyconform/internal/conformance"
)

const dirPermissions = 0750

// Key layout:
//
//	run/<started unix nanos, big endian>/<run id> -> report JSON
//	id/<run id>                                   -> run key
const (
	runPrefix = "run/"
	idPrefix  = "id/"
)

// ErrNotFound is returned for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store is the run history.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable badger logging
	return open(opts)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, logger: log.With().Str("component", "results").Logger()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(r *conformance.Report) []byte {
	key := make([]byte, 0, len(runPrefix)+8+1+len(r.RunID))
	key = append(key, runPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(r.StartedAt.UnixNano()))
	key = append(key, '/')
	return append(key, r.RunID...)
}

// Save stores r under its run ID.
func (s *Store) Save(r *conformance.Report) error {
	if r.RunID == "" {
		return fmt.Errorf("report has no run id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	key := runKey(r)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(idPrefix+r.RunID), key)
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", r.RunID, err)
	}
	s.logger.Debug().Str("run_id", r.RunID).Int("results", len(r.Results)).Msg("Saved run")
	return nil
}

// Get returns the report of runID.
func (s *Store) Get(runID string) (*conformance.Report, error) {
	var r conformance.Report
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns up to limit reports, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*conformance.Report, error) {
	var out []*conformance.Report
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key carrying the prefix.
		seek := append([]byte(runPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var r conformance.Report
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// Prune deletes all but the newest keep runs and returns how many were
// deleted. keep <= 0 deletes nothing.
func (s *Store) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	type victim struct{ runKey, idKey []byte }
	var victims []victim

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		opts.Reverse = true
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(append([]byte(runPrefix), 0xFF)); it.ValidForPrefix(opts.Prefix); it.Next() {
			n++
			if n <= keep {
				continue
			}
			key := it.Item().KeyCopy(nil)
			// The run ID follows the 8 byte timestamp and separator.
			id := key[len(runPrefix)+9:]
			victims = append(victims, victim{runKey: key, idKey: append([]byte(idPrefix), id...)})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, v := range victims {
			if err := txn.Delete(v.runKey); err != nil {
				return err
			}
			if err := txn.Delete(v.idKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	if len(victims) > 0 {
		s.logger.Debug().Int("deleted", len(victims)).Int("kept", keep).Msg("Pruned run history")
	}
	return len(victims), nil
}
