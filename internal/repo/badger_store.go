package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/shaiso/Stagehand/internal/domain"
)

const (
	snapshotPrefix = "snapshot/"
	idemPrefix     = "idem/"
)

// BadgerConfig — конфигурация встроенного хранилища снапшотов.
type BadgerConfig struct {
	// Path — директория БД. Игнорируется при InMemory.
	Path string

	// InMemory — без записи на диск (для тестов).
	InMemory bool

	// SyncWrites — синхронная запись на диск.
	SyncWrites bool

	// GCInterval — интервал GC value log (0 — выключен).
	GCInterval time.Duration

	// GCDiscardRatio — доля мусора, после которой запускается GC.
	GCDiscardRatio float64

	// Logger — если nil, внутренние логи Badger отключены.
	Logger *slog.Logger
}

// DefaultBadgerConfig возвращает конфигурацию для persistent-хранилища.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig возвращает конфигурацию in-memory хранилища.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger — адаптер slog для логгера Badger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore — хранилище снапшотов на BadgerDB для развёртывания без Postgres.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	doneGC chan struct{}
}

// OpenBadger открывает BadgerStore.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Save сохраняет снапшот run.
func (s *BadgerStore) Save(_ context.Context, runID string, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(snapshotPrefix+runID), data); err != nil {
			return fmt.Errorf("set snapshot: %w", err)
		}
		if key := snap.Run.IdempotencyKey; key != "" {
			if err := txn.Set([]byte(idemPrefix+key), []byte(runID)); err != nil {
				return fmt.Errorf("set idempotency key: %w", err)
			}
		}
		return nil
	})
}

// Load возвращает снапшот run.
func (s *BadgerStore) Load(_ context.Context, runID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &snap); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

// GetByIdempotencyKey возвращает снапшот run по ключу идемпотентности.
func (s *BadgerStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Snapshot, error) {
	var runID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idemPrefix + key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		runID = string(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return s.Load(ctx, runID)
}

// List возвращает runs с фильтрацией, новые первыми.
func (s *BadgerStore) List(_ context.Context, filter RunFilter) ([]domain.Run, error) {
	var runs []domain.Run
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var snap domain.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, it.Item().Key(), err)
			}
			if filter.Match(&snap.Run) {
				runs = append(runs, snap.Run)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return filter.page(runs), nil
}

// Close останавливает GC и закрывает БД.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *BadgerStore) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite — GC не понадобился.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
