// Package badger provides an embedded session.Store backed by BadgerDB. It
// suits single-process deployments and tests that need durable sessions
// without external services.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/telemetry"
)

const keyPrefix = "session/"

type (
	// Config configures the database.
	Config struct {
		// Path is the database directory. Required unless InMemory is set.
		Path string
		// InMemory keeps all data in memory.
		InMemory bool
		// SyncWrites fsyncs every commit.
		SyncWrites bool
		// Logger receives BadgerDB diagnostics. Nil silences them.
		Logger telemetry.Logger
	}

	// Store implements session.Store on top of BadgerDB.
	Store struct {
		db *badger.DB
	}

	badgerLogger struct {
		logger telemetry.Logger
	}
)

var _ session.Store = (*Store)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (session.State, error) {
	var state session.State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return session.State{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.State{}, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	return state, nil
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, state session.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", state.SessionID, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(state.SessionID), raw)
	}); err != nil {
		return fmt.Errorf("save session %q: %w", state.SessionID, err)
	}
	return nil
}

// IDs returns the identifiers of all stored sessions in key order.
func (s *Store) IDs(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

func key(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(format, args...))
}
