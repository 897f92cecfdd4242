// Package store is the durable source of truth for tasks and their message
// history. It backs onto a single SQLite file opened in WAL mode so several
// local connections (including other processes holding the same file) can
// write concurrently; a busy timeout makes blocked writers retry inside the
// driver instead of surfacing "database is locked" to callers.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/types"
)

// TaskStore provides durable CRUD for tasks and messages.
type TaskStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// taskRecord is the persisted form of a types.Task. Metadata is stored as a
// JSON blob; messages live in their own table keyed by task ID.
type taskRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Priority  string `gorm:"size:16;index"`
	State     string `gorm:"size:32;index"`
	Metadata  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (taskRecord) TableName() string { return "tasks" }

// messageRecord rows are append-only. Seq is the conversation order; it is
// never reused or rewritten.
type messageRecord struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	ID        string `gorm:"uniqueIndex;size:64"`
	TaskID    string `gorm:"index;size:64"`
	Role      string `gorm:"size:16"`
	Parts     string
	CreatedAt time.Time
}

func (messageRecord) TableName() string { return "messages" }

// Open opens (creating if necessary) the task store at cfg.Path.
func Open(cfg config.StoreConfig, logger *zap.Logger) (*TaskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	busyMS := cfg.BusyTimeout.Milliseconds()
	if busyMS <= 0 {
		busyMS = 5000
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		cfg.Path, busyMS,
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	if err := db.AutoMigrate(&taskRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate task store: %w", err)
	}

	logger.Info("task store opened",
		zap.String("path", cfg.Path),
		zap.Int64("busy_timeout_ms", busyMS),
	)

	return &TaskStore{
		db:     db,
		logger: logger.With(zap.String("component", "task_store")),
	}, nil
}

// DB exposes the underlying handle so co-located tables (agent registry)
// can share the same WAL-mode database file.
func (s *TaskStore) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *TaskStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translateErr converts driver-level failures into the structured taxonomy.
// Sustained lock contention beyond the busy timeout becomes UNAVAILABLE.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return types.NewError(types.ErrUnavailable, "task store busy").
			WithRetryable(true).WithCause(err)
	}
	return err
}
