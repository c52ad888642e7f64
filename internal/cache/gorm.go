package cache

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kjstillabower/weather-lookup/internal/database"
)

var upsertColumns = []string{
	"temperature", "description", "icon", "utc_offset",
	"observed_at", "sunrise", "sunset", "last_refreshed",
}

// GormStore implements Store on the weather_cache table. The *gorm.DB is owned
// by the caller; Close does not close it.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the weather_cache table. On MySQL the city column
// is switched to a binary collation so keys stay case-sensitive.
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("migrate weather_cache: %w", err)
	}
	if db.Dialector.Name() == "mysql" {
		if err := db.Exec("ALTER TABLE weather_cache MODIFY city VARCHAR(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL").Error; err != nil {
			return fmt.Errorf("migrate weather_cache collation: %w", err)
		}
	}
	return nil
}

func (s *GormStore) Find(ctx context.Context, city string) (Record, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("city = ?", city).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("find weather_cache %q: %w", city, err)
	}
	return rec, true, nil
}

// Upsert writes rec with a single INSERT .. ON CONFLICT (city) DO UPDATE
// (ON DUPLICATE KEY UPDATE on MySQL), so concurrent writers never create a second row.
func (s *GormStore) Upsert(ctx context.Context, rec Record) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "city"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert weather_cache %q: %w", rec.City, err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	return database.Ping(ctx, s.db)
}

func (s *GormStore) Close() error { return nil }
