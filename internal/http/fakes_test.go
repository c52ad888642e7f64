package http

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjstillabower/weather-lookup/internal/account"
	"github.com/kjstillabower/weather-lookup/internal/models"
)

type mockWeather struct {
	mu       sync.Mutex
	readings map[string]models.WeatherReading
	err      error
	cities   []string
}

func (m *mockWeather) GetWeather(ctx context.Context, city string) (models.WeatherReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cities = append(m.cities, city)
	if m.err != nil {
		return models.WeatherReading{}, m.err
	}
	if r, ok := m.readings[city]; ok {
		return r, nil
	}
	return models.WeatherReading{City: city, Temperature: 10, Description: "overcast clouds", Icon: "04d"}, nil
}

func (m *mockWeather) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cities...)
}

// mockAccounts is an in-memory Accounts with plaintext passwords.
type mockAccounts struct {
	mu        sync.Mutex
	nextID    uint
	users     map[string]account.User
	passwords map[string]string
	sessions  map[string]account.Session
	favorites map[uint][]string
	failFavs  error
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{
		users:     make(map[string]account.User),
		passwords: make(map[string]string),
		sessions:  make(map[string]account.Session),
		favorites: make(map[uint][]string),
	}
}

func (m *mockAccounts) Register(ctx context.Context, username, password string) (account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return account.User{}, account.ErrUsernameTaken
	}
	m.nextID++
	u := account.User{ID: m.nextID, Username: username}
	m.users[username] = u
	m.passwords[username] = password
	return u, nil
}

func (m *mockAccounts) Authenticate(ctx context.Context, username, password string) (account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok || m.passwords[username] != password {
		return account.User{}, account.ErrInvalidCredentials
	}
	return u, nil
}

func (m *mockAccounts) CreateSession(ctx context.Context, userID uint) (account.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := account.Session{Token: uuid.NewString(), UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
	m.sessions[s.Token] = s
	return s, nil
}

func (m *mockAccounts) LookupSession(ctx context.Context, token string) (account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return account.User{}, account.ErrSessionNotFound
	}
	for _, u := range m.users {
		if u.ID == s.UserID {
			return u, nil
		}
	}
	return account.User{}, account.ErrSessionNotFound
}

func (m *mockAccounts) DeleteSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *mockAccounts) AddFavorite(ctx context.Context, userID uint, city string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.favorites[userID] {
		if c == city {
			return nil
		}
	}
	m.favorites[userID] = append(m.favorites[userID], city)
	return nil
}

func (m *mockAccounts) RemoveFavorite(ctx context.Context, userID uint, city string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []string
	for _, c := range m.favorites[userID] {
		if c != city {
			kept = append(kept, c)
		}
	}
	m.favorites[userID] = kept
	return nil
}

func (m *mockAccounts) Favorites(ctx context.Context, userID uint) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFavs != nil {
		return nil, fmt.Errorf("list favorites: %w", m.failFavs)
	}
	return append([]string(nil), m.favorites[userID]...), nil
}
