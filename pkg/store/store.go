// Package store persists session records so scheduled and running
// sessions survive a restart. Live state stays authoritative in the
// session registry; a store failure is logged and never rolls it back.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tomaslejdung/liveclass/pkg/session"
)

// SessionRecord is the persisted form of a LiveSession
type SessionRecord struct {
	ID               string     `gorm:"primaryKey;size:128"`
	TeacherID        string     `gorm:"size:128;not null;index"`
	ClassID          string     `gorm:"size:128;index"`
	TenantID         string     `gorm:"size:128;index"`
	Title            string     `gorm:"size:255"`
	Status           string     `gorm:"size:16;not null;index"`
	ScheduledFor     time.Time  `gorm:"index"`
	StartedAt        *time.Time
	EndedAt          *time.Time
	AllowVideo       bool
	AllowAudio       bool
	AllowScreenShare bool
	Record           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName pins the table name
func (SessionRecord) TableName() string { return "live_sessions" }

func fromSession(s session.LiveSession) SessionRecord {
	return SessionRecord{
		ID:               s.ID,
		TeacherID:        s.TeacherID,
		ClassID:          s.ClassID,
		TenantID:         s.TenantID,
		Title:            s.Title,
		Status:           string(s.Status),
		ScheduledFor:     s.ScheduledFor,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		AllowVideo:       s.Settings.AllowVideo,
		AllowAudio:       s.Settings.AllowAudio,
		AllowScreenShare: s.Settings.AllowScreenShare,
		Record:           s.Settings.Record,
	}
}

// Session converts the record back to a LiveSession
func (r SessionRecord) Session() session.LiveSession {
	return session.LiveSession{
		ID:           r.ID,
		TeacherID:    r.TeacherID,
		ClassID:      r.ClassID,
		TenantID:     r.TenantID,
		Title:        r.Title,
		Status:       session.Status(r.Status),
		ScheduledFor: r.ScheduledFor,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		Settings: session.Settings{
			AllowVideo:       r.AllowVideo,
			AllowAudio:       r.AllowAudio,
			AllowScreenShare: r.AllowScreenShare,
			Record:           r.Record,
		},
	}
}

// Store reads and writes session records. Transition writes are queued
// and applied in order by a single writer goroutine.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	timeout time.Duration

	pending chan session.LiveSession
	done    chan struct{}
	once    sync.Once
}

// Open connects to the configured database and migrates the schema
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}

	if driver == "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return New(db, log)
}

// New wraps an open database and migrates the schema
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	s := &Store{
		db:      db,
		logger:  log.With("component", "store"),
		timeout: 5 * time.Second,
		pending: make(chan session.LiveSession, 256),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Close flushes queued writes and releases the connection pool
func (s *Store) Close() error {
	s.once.Do(func() { close(s.pending) })
	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save inserts or fully overwrites a session record
func (s *Store) Save(ctx context.Context, ls session.LiveSession) error {
	rec := fromSession(ls)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

// UpdateStatus writes the lifecycle fields of a session
func (s *Store) UpdateStatus(ctx context.Context, ls session.LiveSession) error {
	res := s.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ?", ls.ID).
		Updates(map[string]any{
			"status":     string(ls.Status),
			"started_at": ls.StartedAt,
			"ended_at":   ls.EndedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", ls.ID, session.ErrSessionNotFound)
	}
	return nil
}

// Load returns one session by ID
func (s *Store) Load(ctx context.Context, id string) (session.LiveSession, error) {
	var rec SessionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.LiveSession{}, fmt.Errorf("session %s: %w", id, session.ErrSessionNotFound)
		}
		return session.LiveSession{}, err
	}
	return rec.Session(), nil
}

// ListScheduled returns every session that has not ended, earliest first
func (s *Store) ListScheduled(ctx context.Context) ([]session.LiveSession, error) {
	var recs []SessionRecord
	err := s.db.WithContext(ctx).
		Where("status <> ?", string(session.StatusEnded)).
		Order("scheduled_for ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]session.LiveSession, len(recs))
	for i, r := range recs {
		out[i] = r.Session()
	}
	return out, nil
}

// Restore loads every unfinished session into the registry
func (s *Store) Restore(ctx context.Context, reg *session.Registry) (int, error) {
	sessions, err := s.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ls := range sessions {
		if _, err := reg.Create(ls); err != nil {
			s.logger.Warn("restore session", "session", ls.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// SessionChanged queues the transition for persistence. Never blocks;
// a full queue drops the write with an error log.
func (s *Store) SessionChanged(ch session.Change) {
	defer func() {
		// send on a closed queue after Close
		if r := recover(); r != nil {
			s.logger.Warn("store closed, transition not persisted", "session", ch.Session.ID)
		}
	}()
	select {
	case s.pending <- ch.Session:
	default:
		s.logger.Error("store queue full, transition not persisted",
			"session", ch.Session.ID, "status", ch.Session.Status)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for ls := range s.pending {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.UpdateStatus(ctx, ls)
		cancel()
		if err != nil {
			s.logger.Error("persist session status",
				"session", ls.ID, "status", ls.Status, "error", err)
			continue
		}
		s.logger.Debug("session status persisted", "session", ls.ID, "status", ls.Status)
	}
}
