package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/neurobridge-backend/internal/batcherr"
	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

// Store is the durability boundary for BatchState (spec.md section 3:
// "one logical record per batch id"). CreateIfAbsent gives start_batch
// its dedup no-op; Load/Save carry every other mutation.
type Store interface {
	CreateIfAbsent(ctx context.Context, st *batch.State) (created bool, err error)
	Load(ctx context.Context, batchID string) (*batch.State, error)
	Save(ctx context.Context, st *batch.State) error
}

// PostgresStore is the gorm/Postgres-backed Store, grounded on the
// teacher's internal/db.PostgresService connection/migration pattern,
// storing the whole BatchState as one JSON row per internal/domain/batch.Record.
type PostgresStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresStore(log *logger.Logger, dsn string) (*PostgresStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	gormLog := gormlogger.Default.LogMode(gormlogger.Warn)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&batch.Record{}); err != nil {
		return nil, fmt.Errorf("automigrate batch_state: %w", err)
	}
	return &PostgresStore{db: db, log: log.With("service", "BatchStore")}, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, st *batch.State) (bool, error) {
	rec, err := batch.Encode(st)
	if err != nil {
		return false, err
	}
	rec.CreatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).Clauses().Create(&rec)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return true, nil
}

func (s *PostgresStore) Load(ctx context.Context, batchID string) (*batch.State, error) {
	var rec batch.Record
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, batcherr.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return batch.Decode(rec)
}

func (s *PostgresStore) Save(ctx context.Context, st *batch.State) error {
	st.UpdatedAt = time.Now().UTC()
	rec, err := batch.Encode(st)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

func isDuplicateKey(err error) bool {
	// Postgres unique_violation is SQLSTATE 23505; gorm/pgx surface it
	// through the driver error string rather than a typed sentinel here,
	// so a substring check is what the teacher's repos do too for this
	// class of error at the gorm layer.
	return err != nil && (containsAny(err.Error(), "23505", "duplicate key value"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// MemoryStore is an in-memory Store for tests; it never touches a
// database.
type MemoryStore struct {
	mu    sync.Mutex
	batches map[string]*batch.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: map[string]*batch.State{}}
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, st *batch.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[st.BatchID]; exists {
		return false, nil
	}
	cp := *st
	s.batches[st.BatchID] = &cp
	return true, nil
}

func (s *MemoryStore) Load(_ context.Context, batchID string) (*batch.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.batches[batchID]
	if !ok {
		return nil, batcherr.ErrBatchNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, st *batch.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.batches[st.BatchID] = &cp
	return nil
}
