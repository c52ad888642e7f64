package cache

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-lookup/internal/models"
)

// Record is the persisted reading for one city. City is the unique key and is
// compared case-sensitively. LastRefreshed is the time of the most recent
// successful upsert and is the only input to the freshness decision.
type Record struct {
	City          string     `gorm:"column:city;primaryKey;size:191" json:"city"`
	Temperature   float64    `gorm:"column:temperature;not null" json:"temperature"`
	Description   string     `gorm:"column:description;size:255" json:"description"`
	Icon          string     `gorm:"column:icon;size:16" json:"icon"`
	UTCOffset     int        `gorm:"column:utc_offset;not null;default:0" json:"utcOffset"`
	ObservedAt    *time.Time `gorm:"column:observed_at" json:"observedAt,omitempty"`
	Sunrise       *time.Time `gorm:"column:sunrise" json:"sunrise,omitempty"`
	Sunset        *time.Time `gorm:"column:sunset" json:"sunset,omitempty"`
	LastRefreshed time.Time  `gorm:"column:last_refreshed;not null" json:"lastRefreshed"`
}

// TableName specifies the table name for Record.
func (Record) TableName() string {
	return "weather_cache"
}

// Store persists at most one Record per city.
// Find returns (record, true, nil) when present and (zero, false, nil) when absent.
// Upsert creates the record or overwrites every field of the existing one.
type Store interface {
	Find(ctx context.Context, city string) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
	Close() error
}

// NewRecord builds the record for a reading refreshed at refreshedAt.
// Timestamps are stored in UTC; the provider offset is kept separately.
func NewRecord(r models.WeatherReading, refreshedAt time.Time) Record {
	return Record{
		City:          r.City,
		Temperature:   r.Temperature,
		Description:   r.Description,
		Icon:          r.Icon,
		UTCOffset:     r.UTCOffset,
		ObservedAt:    utcPtr(r.ObservedAt),
		Sunrise:       utcPtr(r.Sunrise),
		Sunset:        utcPtr(r.Sunset),
		LastRefreshed: refreshedAt.UTC(),
	}
}

// Reading rebuilds the reading, with timestamps in the provider-local zone.
func (r Record) Reading() models.WeatherReading {
	zone := time.FixedZone("", r.UTCOffset)
	return models.WeatherReading{
		City:        r.City,
		Temperature: r.Temperature,
		Description: r.Description,
		Icon:        r.Icon,
		UTCOffset:   r.UTCOffset,
		ObservedAt:  inZone(r.ObservedAt, zone),
		Sunrise:     inZone(r.Sunrise, zone),
		Sunset:      inZone(r.Sunset, zone),
		RefreshedAt: r.LastRefreshed,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func inZone(t *time.Time, zone *time.Location) *time.Time {
	if t == nil {
		return nil
	}
	z := t.In(zone)
	return &z
}
