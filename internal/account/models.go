package account

import "time"

// User is a registered visitor. Password holds a pbkdf2 hash, or plaintext for
// rows created before hashing was introduced (see RehashLegacyPasswords).
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"column:username;size:64;uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"column:password;size:255;not null" json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

func (User) TableName() string { return "users" }

// Session is a server-side login. Token is the cookie value.
type Session struct {
	Token     string    `gorm:"column:token;primaryKey;size:36"`
	UserID    uint      `gorm:"column:user_id;index;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	CreatedAt time.Time
}

func (Session) TableName() string { return "sessions" }

// FavoriteCity is a city a user saved. Cities are stored exactly as typed.
type FavoriteCity struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"column:user_id;not null;uniqueIndex:idx_favorite_user_city"`
	City      string `gorm:"column:city;size:191;not null;uniqueIndex:idx_favorite_user_city"`
	CreatedAt time.Time
}

func (FavoriteCity) TableName() string { return "favorite_cities" }
