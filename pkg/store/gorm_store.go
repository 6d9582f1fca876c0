package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookbuddy/pkg/domain"
)

const migrateLockID int64 = 26051997

// GormStore implements LibraryStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB

	mu    sync.Mutex
	clock clock
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&IdentityModel{}, &BookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveIdentity registers an identity; saving an existing one is a no-op.
func (s *GormStore) SaveIdentity(ctx context.Context, id domain.Identity) error {
	if !id.Established() {
		return domain.ErrNoIdentity
	}
	model := IdentityModel{ID: id.ID, CreatedAt: id.CreatedAt.UTC()}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// GetIdentity returns an identity by ID.
func (s *GormStore) GetIdentity(ctx context.Context, id string) (domain.Identity, bool, error) {
	var model IdentityModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Identity{}, false, nil
		}
		return domain.Identity{}, false, err
	}
	return domain.Identity{ID: model.ID, Anonymous: true, CreatedAt: model.CreatedAt}, true, nil
}

// CreateBook inserts a record with a generated ID and creation timestamp.
func (s *GormStore) CreateBook(ctx context.Context, rec domain.BookRecord, media MediaKeys) (domain.BookRecord, error) {
	if err := validateBook(rec); err != nil {
		return domain.BookRecord{}, err
	}
	rec.ID = uuid.NewString()
	s.mu.Lock()
	rec.CreatedAt = s.clock.next()
	s.mu.Unlock()

	model := bookToModel(rec, media)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.BookRecord{}, fmt.Errorf("insert book: %w", err)
	}
	return rec, nil
}

// ListBooksByProfile returns one profile's books of an identity.
func (s *GormStore) ListBooksByProfile(ctx context.Context, userID string, profile domain.Profile) ([]domain.BookRecord, error) {
	return s.listBooks(ctx, "user_id = ? AND profile_id = ?", userID, string(profile))
}

// ListBooksByUser returns every book of an identity.
func (s *GormStore) ListBooksByUser(ctx context.Context, userID string) ([]domain.BookRecord, error) {
	return s.listBooks(ctx, "user_id = ?", userID)
}

func (s *GormStore) listBooks(ctx context.Context, query string, args ...any) ([]domain.BookRecord, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.BookRecord, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBook retrieves a book and its media keys.
func (s *GormStore) GetBook(ctx context.Context, id string) (StoredBook, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StoredBook{}, false, nil
		}
		return StoredBook{}, false, err
	}
	return StoredBook{Record: bookFromModel(model), Media: model.Media.Data()}, true, nil
}

// DeleteBook removes a book by ID and reports whether a row existed.
func (s *GormStore) DeleteBook(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&BookModel{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func bookToModel(b domain.BookRecord, media MediaKeys) BookModel {
	return BookModel{
		ID:          b.ID,
		UserID:      b.UserID,
		ProfileID:   string(b.ProfileID),
		Title:       b.Title,
		Author:      b.Author,
		CoverURL:    b.CoverURL,
		Description: b.Description,
		ISBN:        b.ISBN,
		SummaryText: b.SummaryText,
		AudioURL:    b.AudioURL,
		Rating:      string(b.Rating),
		Media:       datatypes.NewJSONType(media),
		CreatedAt:   b.CreatedAt,
	}
}

func bookFromModel(m BookModel) domain.BookRecord {
	return domain.BookRecord{
		ID:          m.ID,
		Title:       m.Title,
		Author:      m.Author,
		CoverURL:    m.CoverURL,
		Description: m.Description,
		ISBN:        m.ISBN,
		SummaryText: m.SummaryText,
		AudioURL:    m.AudioURL,
		Rating:      domain.Rating(m.Rating),
		UserID:      m.UserID,
		ProfileID:   domain.Profile(m.ProfileID),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}
