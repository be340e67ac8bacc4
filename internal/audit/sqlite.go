package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteStore is the default Store: a single-file SQLite database managed
// through GORM. Suitable for the single-gateway deployments this daemon
// targets; nothing else writes the file.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the audit database at path and runs
// schema migration. ":memory:" opens an in-memory database for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create audit database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database %s: %w", path, err)
	}

	// Single writer goroutine; WAL keeps admin reads from blocking inserts.
	if path != ":memory:" {
		db.Exec("PRAGMA journal_mode=WAL")
	}
	db.Exec("PRAGMA busy_timeout=5000")

	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, evt Event) error {
	return s.db.WithContext(ctx).Create(&evt).Error
}

func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	tx := s.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	if q.ClientIP != "" {
		tx = tx.Where("client_ip = ?", q.ClientIP)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("timestamp >= ?", q.Since)
	}

	var events []Event
	if err := tx.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{
		ByAction:   make(map[string]int64),
		ByProvider: make(map[string]int64),
	}

	windowed := func() *gorm.DB {
		tx := s.db.WithContext(ctx).Model(&Event{})
		if !since.IsZero() {
			tx = tx.Where("timestamp >= ?", since)
		}
		return tx
	}

	if err := windowed().Count(&stats.Total).Error; err != nil {
		return Stats{}, err
	}

	type row struct {
		Key string
		N   int64
	}
	var rows []row
	err := windowed().
		Select("action as key, count(*) as n").
		Where("action != ''").
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, err
	}
	for _, r := range rows {
		stats.ByAction[r.Key] = r.N
	}

	rows = rows[:0]
	err = windowed().
		Select("provider as key, count(*) as n").
		Where("provider != ''").
		Group("provider").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, err
	}
	for _, r := range rows {
		stats.ByProvider[r.Key] = r.N
	}

	var avg *float64
	err = windowed().
		Select("avg(duration_ms)").
		Where("event_type = ?", EventResponse).
		Scan(&avg).Error
	if err != nil {
		return Stats{}, err
	}
	if avg != nil {
		stats.AvgDurationMS = *avg
	}

	return stats, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Event{})
	return res.RowsAffected, res.Error
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
