// Package account stores users, their login sessions and their favorite cities.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kjstillabower/weather-lookup/internal/observability"
	"github.com/kjstillabower/weather-lookup/internal/validation"
)

const rehashBatchSize = 100

var (
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionNotFound    = errors.New("session not found or expired")
)

// Service implements account operations on a GORM handle.
type Service struct {
	db         *gorm.DB
	sessionTTL time.Duration
	iterations int
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a Service. logger may be nil.
func NewService(db *gorm.DB, sessionTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         db,
		sessionTTL: sessionTTL,
		iterations: DefaultIterations,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the account tables.
func (s *Service) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&User{}, &Session{}, &FavoriteCity{}); err != nil {
		return fmt.Errorf("migrate account tables: %w", err)
	}
	// Favorites keep the exact city key, so "Paris" and "paris" are distinct rows.
	if db.Dialector.Name() == "mysql" {
		if err := db.Exec("ALTER TABLE favorite_cities MODIFY city VARCHAR(191) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL").Error; err != nil {
			return fmt.Errorf("migrate favorite_cities collation: %w", err)
		}
	}
	return nil
}

// Register creates a user with a hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	if err := validation.ValidateUsername(username); err != nil {
		return User{}, err
	}
	if err := validation.ValidatePassword(password); err != nil {
		return User{}, err
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&existing).Error; err != nil {
		return User{}, fmt.Errorf("check username: %w", err)
	}
	if existing > 0 {
		return User{}, ErrUsernameTaken
	}

	hash, err := hashPasswordIterations(password, s.iterations)
	if err != nil {
		return User{}, err
	}
	user := User{Username: username, Password: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	observability.AccountEventsTotal.WithLabelValues("register").Inc()
	s.logger.Info("user registered", zap.Uint("user_id", user.ID), zap.String("username", username))
	return user, nil
}

// Authenticate checks credentials. A legacy plaintext password that matches is
// replaced by a hash before returning.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		observability.AccountEventsTotal.WithLabelValues("login_failed").Inc()
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}

	if IsHashed(user.Password) {
		if !VerifyPassword(user.Password, password) {
			observability.AccountEventsTotal.WithLabelValues("login_failed").Inc()
			return User{}, ErrInvalidCredentials
		}
	} else {
		if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
			observability.AccountEventsTotal.WithLabelValues("login_failed").Inc()
			return User{}, ErrInvalidCredentials
		}
		if err := s.setPassword(ctx, &user, password); err != nil {
			s.logger.Warn("upgrade legacy password failed", zap.Uint("user_id", user.ID), zap.Error(err))
		}
	}
	observability.AccountEventsTotal.WithLabelValues("login").Inc()
	return user, nil
}

// RehashLegacyPasswords hashes every stored password that is not already a
// pbkdf2 hash. Returns the number of users updated. The prefix test runs in Go:
// SQL LIKE is case-insensitive under the default MySQL and SQLite collations.
func (s *Service) RehashLegacyPasswords(ctx context.Context) (int, error) {
	var batch []User
	updated := 0
	res := s.db.WithContext(ctx).FindInBatches(&batch, rehashBatchSize, func(tx *gorm.DB, _ int) error {
		for i := range batch {
			u := &batch[i]
			if IsHashed(u.Password) {
				continue
			}
			if err := s.setPassword(ctx, u, u.Password); err != nil {
				return fmt.Errorf("rehash user %s: %w", u.Username, err)
			}
			updated++
			s.logger.Info("updated password", zap.String("username", u.Username))
		}
		return nil
	})
	if res.Error != nil {
		return updated, fmt.Errorf("rehash legacy passwords: %w", res.Error)
	}
	return updated, nil
}

func (s *Service) setPassword(ctx context.Context, user *User, password string) error {
	hash, err := hashPasswordIterations(password, s.iterations)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("password", hash).Error; err != nil {
		return err
	}
	user.Password = hash
	return nil
}

// CreateSession starts a session for userID lasting the configured TTL.
func (s *Service) CreateSession(ctx context.Context, userID uint) (Session, error) {
	now := s.now()
	sess := Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// LookupSession returns the user owning token. Expired sessions are deleted
// and reported as ErrSessionNotFound.
func (s *Service) LookupSession(ctx context.Context, token string) (User, error) {
	if _, err := uuid.Parse(token); err != nil {
		return User{}, ErrSessionNotFound
	}
	var sess Session
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrSessionNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find session: %w", err)
	}
	if !s.now().Before(sess.ExpiresAt) {
		_ = s.DeleteSession(ctx, token)
		return User{}, ErrSessionNotFound
	}

	var user User
	err = s.db.WithContext(ctx).Take(&user, sess.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrSessionNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find session user: %w", err)
	}
	return user, nil
}

// DeleteSession removes token. Deleting an unknown token is not an error.
func (s *Service) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AddFavorite saves city for userID. Saving the same city twice is a no-op.
func (s *Service) AddFavorite(ctx context.Context, userID uint, city string) error {
	fav := FavoriteCity{UserID: userID, City: city, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}, {Name: "city"}}, DoNothing: true}).
		Create(&fav).Error
	if err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	observability.AccountEventsTotal.WithLabelValues("favorite_add").Inc()
	return nil
}

// RemoveFavorite deletes city from userID's favorites.
func (s *Service) RemoveFavorite(ctx context.Context, userID uint, city string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ? AND city = ?", userID, city).Delete(&FavoriteCity{}).Error; err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	observability.AccountEventsTotal.WithLabelValues("favorite_remove").Inc()
	return nil
}

// Favorites lists userID's cities in the order they were saved.
func (s *Service) Favorites(ctx context.Context, userID uint) ([]string, error) {
	var cities []string
	err := s.db.WithContext(ctx).Model(&FavoriteCity{}).
		Where("user_id = ?", userID).
		Order("id").
		Pluck("city", &cities).Error
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	return cities, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
