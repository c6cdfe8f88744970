package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ppiankov/tempora/internal/config"
	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/logger"
)

// Store is the durable fact store. It owns fact and evidence rows and also
// persists entity, pattern and suppression-audit state for the recognition side.
//
// Access goes through a bounded pool of storage handles. Writes are serialized
// end to end by writeMu (acquire, decide, commit, release), queued writers wait
// on the mutex. Reads take their own handle and run in a read transaction, so
// under WAL they see a consistent snapshot and never block the writer.
type Store struct {
	db       *sql.DB
	handles  chan struct{}
	writeMu  sync.Mutex
	revision atomic.Int64
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// Option customizes a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock used for bookkeeping timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates or opens the SQLite database described by cfg and applies migrations.
//
// Every pooled connection is configured through the DSN with:
//   - WAL journal for concurrent reads during writes
//   - NORMAL synchronous mode
//   - busy timeout for lock contention
//   - foreign key enforcement
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "store path is empty")
	}
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on", cfg.Path, busy)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.StoreFailure(err, "open database")
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithHint(errors.StoreFailure(err, "connect to database"),
			"check that the directory for store.path exists and is writable")
	}

	s := New(db, cfg.PoolSize, opts...)

	if err := Migrate(ctx, db, s.logger); err != nil {
		_ = db.Close()
		return nil, errors.StoreFailure(err, "migrate")
	}

	var rev int64
	if err := db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'revision'").Scan(&rev); err != nil {
		_ = db.Close()
		return nil, errors.StoreFailure(err, "read revision")
	}
	s.revision.Store(rev)

	s.logger.Infow("Store opened",
		"path", cfg.Path,
		"pool_size", cap(s.handles),
		"wal_mode", true,
	)
	return s, nil
}

// New wraps an already opened database. It does not run migrations.
func New(db *sql.DB, poolSize int, opts ...Option) *Store {
	if poolSize < 1 {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	s := &Store{
		db:      db,
		handles: make(chan struct{}, poolSize),
		logger:  logger.ComponentLogger("store"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Revision is the revision of the last write committed through this Store.
// It increases by one on every committed write.
func (s *Store) Revision() int64 {
	return s.revision.Load()
}

// acquire takes one storage handle from the bounded pool.
// The returned release must be called on every exit path.
func (s *Store) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	select {
	case s.handles <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, errors.Wrap(ctx.Err(), "wait for storage handle")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		<-s.handles
		return nil, nil, errors.StoreFailure(err, "acquire storage handle")
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = conn.Close()
			<-s.handles
		})
	}
	return conn, release, nil
}

// view runs fn in a read transaction on a pooled handle
func (s *Store) view(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreFailure(err, "begin read")
	}
	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// update runs fn in a serialized write transaction and commits it
func (s *Store) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.StoreFailure(err, "begin write")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE store_meta SET value = value + 1 WHERE key = 'revision'"); err != nil {
		return errors.StoreFailure(err, "bump revision")
	}
	rev, err := readRevision(ctx, tx)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.StoreFailure(err, "commit write")
	}
	s.revision.Store(rev)
	return nil
}

func readRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var rev int64
	if err := tx.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'revision'").Scan(&rev); err != nil {
		return 0, errors.StoreFailure(err, "read revision")
	}
	return rev, nil
}

// Times are stored as UTC unix nanoseconds; the zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
