package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-lookup/internal/account"
	"github.com/kjstillabower/weather-lookup/internal/observability"
	"github.com/kjstillabower/weather-lookup/internal/validation"
)

const favoriteLookupConcurrency = 4

type userContextKey struct{}

func withUser(ctx context.Context, u *account.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// userFromContext returns the logged-in user, or nil.
func userFromContext(ctx context.Context) *account.User {
	u, _ := ctx.Value(userContextKey{}).(*account.User)
	return u
}

// SessionMiddleware resolves the session cookie to a user. Unknown or expired
// sessions clear the cookie; the request continues anonymously either way.
func (h *Handler) SessionMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(h.session.CookieName)
			if err != nil || c.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := h.accounts.LookupSession(r.Context(), c.Value)
			switch {
			case err == nil:
				r = r.WithContext(withUser(r.Context(), &user))
			case errors.Is(err, account.ErrSessionNotFound):
				h.clearSessionCookie(w)
			default:
				h.logFromRequest(r).Warn("session lookup failed", zap.Error(err))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterForm handles GET /register.
func (h *Handler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "register.html", pageData{Title: "Register"})
}

// Register handles POST /register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	username := r.PostFormValue("username")
	data := pageData{Title: "Register", Username: username}

	user, err := h.accounts.Register(r.Context(), username, r.PostFormValue("password"))
	switch {
	case err == nil:
	case errors.Is(err, account.ErrUsernameTaken):
		data.Error = "That username is already taken."
		h.render(w, r, http.StatusConflict, "register.html", data)
		return
	case errors.Is(err, validation.ErrUsernameInvalid),
		errors.Is(err, validation.ErrPasswordTooShort),
		errors.Is(err, validation.ErrPasswordTooLong):
		data.Error = capitalize(err.Error()) + "."
		h.render(w, r, http.StatusBadRequest, "register.html", data)
		return
	default:
		h.logFromRequest(r).Error("register failed", zap.Error(err))
		data.Error = "Registration failed. Please try again."
		h.render(w, r, http.StatusInternalServerError, "register.html", data)
		return
	}
	h.startSession(w, r, user, "register.html", data)
}

// LoginForm handles GET /login.
func (h *Handler) LoginForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "login.html", pageData{Title: "Log in"})
}

// Login handles POST /login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	username := r.PostFormValue("username")
	data := pageData{Title: "Log in", Username: username}

	user, err := h.accounts.Authenticate(r.Context(), username, r.PostFormValue("password"))
	if errors.Is(err, account.ErrInvalidCredentials) {
		data.Error = "Invalid username or password."
		h.render(w, r, http.StatusUnauthorized, "login.html", data)
		return
	}
	if err != nil {
		h.logFromRequest(r).Error("login failed", zap.Error(err))
		data.Error = "Login failed. Please try again."
		h.render(w, r, http.StatusInternalServerError, "login.html", data)
		return
	}
	h.startSession(w, r, user, "login.html", data)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user account.User, page string, data pageData) {
	sess, err := h.accounts.CreateSession(r.Context(), user.ID)
	if err != nil {
		h.logFromRequest(r).Error("create session failed", zap.Uint("user_id", user.ID), zap.Error(err))
		data.Error = "Could not start a session. Please try again."
		h.render(w, r, http.StatusInternalServerError, page, data)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.session.CookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(h.session.TTL.Seconds()),
		HttpOnly: true,
		Secure:   h.session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/profile", http.StatusSeeOther)
}

// Logout handles POST /logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.session.CookieName); err == nil && c.Value != "" {
		if err := h.accounts.DeleteSession(r.Context(), c.Value); err != nil {
			h.logFromRequest(r).Warn("delete session failed", zap.Error(err))
		}
		observability.AccountEventsTotal.WithLabelValues("logout").Inc()
	}
	h.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireUser redirects anonymous visitors to /login.
func requireUser(w http.ResponseWriter, r *http.Request) (*account.User, bool) {
	user := userFromContext(r.Context())
	if user == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return nil, false
	}
	return user, true
}

// Profile handles GET /profile: favorites with their current readings.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	h.renderProfile(w, r, user, http.StatusOK, pageData{})
}

func (h *Handler) renderProfile(w http.ResponseWriter, r *http.Request, user *account.User, status int, data pageData) {
	data.Title = "Profile"
	data.User = user
	cities, err := h.accounts.Favorites(r.Context(), user.ID)
	if err != nil {
		h.logFromRequest(r).Error("list favorites failed", zap.Uint("user_id", user.ID), zap.Error(err))
		data.Error = "Could not load your favorite cities."
		h.render(w, r, http.StatusInternalServerError, "profile.html", data)
		return
	}
	data.Favorites = make([]favoriteView, len(cities))
	var g errgroup.Group
	g.SetLimit(favoriteLookupConcurrency)
	for i, city := range cities {
		i, city := i, city
		g.Go(func() error {
			view := favoriteView{City: city}
			reading, err := h.lookup(r.Context(), city)
			if err != nil {
				view.Error = userMessage(city, err)
			} else {
				view.Weather = &reading
			}
			data.Favorites[i] = view
			return nil
		})
	}
	_ = g.Wait()
	h.render(w, r, status, "profile.html", data)
}

// AddFavorite handles POST /favorites.
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	city := r.PostFormValue("city")
	if _, err := validation.ValidateCity(city, 1, maxCityLen); err != nil {
		h.renderProfile(w, r, user, http.StatusBadRequest, pageData{City: city, Error: cityErrorMessage(err)})
		return
	}
	if err := h.accounts.AddFavorite(r.Context(), user.ID, city); err != nil {
		h.logFromRequest(r).Error("add favorite failed", zap.String("city", city), zap.Error(err))
		h.renderProfile(w, r, user, http.StatusInternalServerError, pageData{City: city, Error: "Could not save " + city + "."})
		return
	}
	http.Redirect(w, r, "/profile", http.StatusSeeOther)
}

// RemoveFavorite handles POST /favorites/delete.
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	city := r.PostFormValue("city")
	if err := h.accounts.RemoveFavorite(r.Context(), user.ID, city); err != nil {
		h.logFromRequest(r).Error("remove favorite failed", zap.String("city", city), zap.Error(err))
	}
	http.Redirect(w, r, "/profile", http.StatusSeeOther)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
