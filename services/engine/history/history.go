// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps a record of finished engine runs in an embedded
// BadgerDB.
//
// Records are keyed by start time so listing newest-first is a reverse
// prefix scan. A second key per run maps the run ID to its record key, so
// lookups by full or abbreviated ID do not scan the whole store.
//
//	run/<start-nanos-hex>/<run-id>  -> Record (JSON)
//	id/<run-id>                     -> run/<start-nanos-hex>/<run-id>
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound is returned when no run matches an ID.
	ErrNotFound = errors.New("run not found")

	// ErrAmbiguous is returned when an abbreviated ID matches several runs.
	ErrAmbiguous = errors.New("run id prefix matches more than one run")

	// ErrInvalidRecord is returned by Put for a record without a run ID or
	// start time.
	ErrInvalidRecord = errors.New("run record needs a run id and start time")
)

const (
	runPrefix = "run/"
	idPrefix  = "id/"
)

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record describes one finished run.
type Record struct {
	RunID           string          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	State           string          `json:"state"`
	ControllerTicks uint64          `json:"controller_ticks"`
	SimulatorTicks  uint64          `json:"simulator_ticks"`
	SkippedTicks    uint64          `json:"skipped_ticks"`
	TickErrors      uint64          `json:"tick_errors"`
	Faults          uint64          `json:"faults"`
	Error           string          `json:"error,omitempty"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}

// Duration returns how long the run lasted.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r Record) key() []byte {
	return []byte(fmt.Sprintf("%s%016x/%s", runPrefix, uint64(r.StartedAt.UnixNano()), r.RunID))
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config configures a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	// A leading ~ is expanded.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites flushes every Put to disk before returning.
	SyncWrites bool

	// Keep is the number of runs retained. Older runs are pruned on Put.
	// Zero keeps everything.
	Keep int

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable configuration keeping the last 100 runs.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, Keep: 100}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store persists run records.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db   *badger.DB
	keep int
	path string
}

// Open opens or creates the store.
//
// Outputs:
//
//	*Store - The store. Caller must call Close() when done.
//	error - Non-nil if the path is missing or the database cannot be opened,
//	        for example because another process holds it.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	path := ""
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("history path is required for a persistent store")
		}
		path = expandPath(cfg.Path)
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "history"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &Store{db: db, keep: cfg.Keep, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database directory, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Put stores rec, replacing an earlier record with the same run ID, and
// prunes runs beyond the retention limit.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if rec.RunID == "" || rec.StartedAt.IsZero() {
		return ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rec.RunID, err)
	}

	key := rec.key()
	err = s.db.Update(func(txn *badger.Txn) error {
		idKey := []byte(idPrefix + rec.RunID)
		if item, err := txn.Get(idKey); err == nil {
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(old) != string(key) {
				if err := txn.Delete(old); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey, key)
	})
	if err != nil {
		return fmt.Errorf("store run %s: %w", rec.RunID, err)
	}

	if s.keep > 0 {
		if _, err := s.Prune(ctx, s.keep); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the run whose ID is id or starts with id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("context cancelled: %w", err)
	}
	if id == "" {
		return Record{}, ErrNotFound
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := resolve(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// resolve maps a full or abbreviated run ID to its record key.
func resolve(txn *badger.Txn, id string) ([]byte, error) {
	if item, err := txn.Get([]byte(idPrefix + id)); err == nil {
		return item.ValueCopy(nil)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}

	prefix := []byte(idPrefix + id)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 2})
	defer it.Close()

	var key []byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if key != nil {
			return nil, fmt.Errorf("%w: %q", ErrAmbiguous, id)
		}
		v, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		key = v
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return key, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		return scanNewest(txn, true, func(item *badger.Item) (bool, error) {
			var rec Record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return false, fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, rec)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

// Prune deletes every run except the newest keep. It returns how many runs
// were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context cancelled: %w", err)
	}
	if keep < 0 {
		keep = 0
	}

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		seen := 0
		return scanNewest(txn, false, func(item *badger.Item) (bool, error) {
			seen++
			if seen > keep {
				stale = append(stale, item.KeyCopy(nil))
			}
			return true, nil
		})
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			id := key[strings.LastIndexByte(string(key), '/')+1:]
			if err := txn.Delete(append([]byte(idPrefix), id...)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return len(stale), nil
}

// scanNewest visits run records from newest to oldest until fn returns false.
func scanNewest(txn *badger.Txn, values bool, fn func(item *badger.Item) (bool, error)) error {
	prefix := []byte(runPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchValues = values
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(append([]byte(runPrefix), 0xff)); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
