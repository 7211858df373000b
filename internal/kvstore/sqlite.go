package kvstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultRetention = time.Hour
	busyTimeout      = 5000 // milliseconds
)

// entry is one persisted key
type entry struct {
	Name      string    `gorm:"primaryKey;type:varchar(191)"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (entry) TableName() string {
	return "kv_entries"
}

// changeRecord is the append-only log other contexts poll for notifications
type changeRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	ContextID string    `gorm:"type:varchar(26);index;not null"`
	EntryName string    `gorm:"type:varchar(191)"`
	OldValue  string    `gorm:"type:text"`
	NewValue  string    `gorm:"type:text"`
	Cleared   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (changeRecord) TableName() string {
	return "kv_changes"
}

// SQLite is one execution context on a SQLite-backed medium. Several processes (or
// several SQLite values in one process) opened on the same file see each other's
// writes through the change log.
type SQLite struct {
	db        *gorm.DB
	ownsDB    bool
	id        string
	logger    zerolog.Logger
	subs      subscribers
	retention time.Duration
	interval  time.Duration

	pollMu   sync.Mutex
	lastSeen uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Store = (*SQLite)(nil)

// SQLiteOption customizes a SQLite context
type SQLiteOption func(*SQLite)

// WithPollInterval starts a background watcher that polls the change log. Zero
// disables the watcher; callers then drive Poll themselves.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		s.interval = d
	}
}

// WithRetention controls how long change records are kept for slower contexts
func WithRetention(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the logger used for storage failures
func WithLogger(logger zerolog.Logger) SQLiteOption {
	return func(s *SQLite) {
		s.logger = logger
	}
}

// OpenSQLite opens (creating if needed) the database at path and returns a new context on it
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}

	s, err := NewSQLite(db, opts...)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLite returns a new context on an already opened database
func NewSQLite(db *gorm.DB, opts ...SQLiteOption) (*SQLite, error) {
	if err := db.AutoMigrate(&entry{}, &changeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate key-value tables: %w", err)
	}

	s := &SQLite{
		db:        db,
		id:        ulid.Make().String(),
		logger:    zerolog.Nop(),
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Start after whatever is already in the log; history is not replayed
	var last uint64
	if err := db.Model(&changeRecord{}).Select("COALESCE(MAX(id), 0)").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("failed to read change log position: %w", err)
	}
	s.lastSeen = last

	if s.interval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.watch()
	}

	return s, nil
}

// openDatabase opens the SQLite file with the pragmas the medium relies on
func openDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode lets readers in other processes proceed while one context writes
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// ID returns the context identifier recorded on every change this context writes
func (s *SQLite) ID() string {
	return s.id
}

func (s *SQLite) Get(key string) (string, bool) {
	var e entry
	res := s.db.Where("name = ?", key).Limit(1).Find(&e)
	if res.Error != nil {
		s.logger.Error().Err(res.Error).Str("key", key).Msg("Failed to read key")
		return "", false
	}
	if res.RowsAffected == 0 {
		return "", false
	}
	return e.Value, true
}

func (s *SQLite) Set(key, value string) {
	s.write([]op{{key: key, value: value}}, false)
}

func (s *SQLite) Remove(key string) {
	s.write([]op{{key: key, remove: true}}, false)
}

func (s *SQLite) Apply(b *Batch) {
	if b.Len() == 0 {
		return
	}
	s.write(b.ops, false)
}

func (s *SQLite) Clear() {
	s.write(nil, true)
}

func (s *SQLite) Subscribe(fn func(Change)) func() {
	return s.subs.add(fn)
}

func (s *SQLite) write(ops []op, clear bool) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if clear {
			if err := tx.Where("1 = 1").Delete(&entry{}).Error; err != nil {
				return err
			}
			if err := tx.Create(&changeRecord{ContextID: s.id, Cleared: true}).Error; err != nil {
				return err
			}
		}

		for _, o := range ops {
			var current entry
			res := tx.Where("name = ?", o.key).Limit(1).Find(&current)
			if res.Error != nil {
				return res.Error
			}
			existed := res.RowsAffected > 0

			if o.remove {
				if !existed {
					continue
				}
				if err := tx.Where("name = ?", o.key).Delete(&entry{}).Error; err != nil {
					return err
				}
			} else {
				if existed && current.Value == o.value {
					continue
				}
				upsert := clause.OnConflict{
					Columns:   []clause.Column{{Name: "name"}},
					DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
				}
				if err := tx.Clauses(upsert).Create(&entry{Name: o.key, Value: o.value}).Error; err != nil {
					return err
				}
			}

			record := changeRecord{
				ContextID: s.id,
				EntryName: o.key,
				OldValue:  current.Value,
				NewValue:  o.value,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}

		cutoff := time.Now().Add(-s.retention)
		return tx.Where("created_at < ?", cutoff).Delete(&changeRecord{}).Error
	})
	if err != nil {
		s.logger.Error().Err(err).Int("operations", len(ops)).Bool("clear", clear).Msg("Failed to write keys")
	}
}

// Poll dispatches changes written by other contexts since the previous poll and
// returns how many were delivered
func (s *SQLite) Poll() int {
	s.pollMu.Lock()
	var rows []changeRecord
	if err := s.db.Where("id > ?", s.lastSeen).Order("id asc").Find(&rows).Error; err != nil {
		s.pollMu.Unlock()
		s.logger.Error().Err(err).Msg("Failed to poll change log")
		return 0
	}

	changes := make([]Change, 0, len(rows))
	for _, r := range rows {
		s.lastSeen = r.ID
		if r.ContextID == s.id {
			continue
		}
		changes = append(changes, Change{
			Key:      r.EntryName,
			OldValue: r.OldValue,
			NewValue: r.NewValue,
			Cleared:  r.Cleared,
		})
	}
	s.pollMu.Unlock()

	s.subs.notify(changes...)
	return len(changes)
}

func (s *SQLite) watch() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Close stops the watcher and, when the context opened the database, closes it
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
		if !s.ownsDB {
			return
		}
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		if closeErr := sqlDB.Close(); closeErr != nil && !errors.Is(closeErr, gorm.ErrInvalidDB) {
			err = closeErr
		}
	})
	return err
}
