package http

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup/internal/account"
	"github.com/kjstillabower/weather-lookup/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{"index.html", "login.html", "register.html", "profile.html"}

// pages maps a page name to its template set (layout plus page).
var pages = func() map[string]*template.Template {
	funcs := template.FuncMap{
		"clock": func(t *time.Time) string {
			if t == nil {
				return ""
			}
			return t.Format("15:04")
		},
		"temp": func(c float64) string {
			return fmt.Sprintf("%.1f", c)
		},
	}
	m := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		m[name] = template.Must(template.New("layout.html").Funcs(funcs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name))
	}
	return m
}()

type pageData struct {
	Title      string
	User       *account.User
	City       string
	Username   string
	Weather    *models.WeatherReading
	IsFavorite bool
	Favorites  []favoriteView
	Error      string
}

type favoriteView struct {
	City    string
	Weather *models.WeatherReading
	Error   string
}

// render executes page into a buffer so a template error still yields a clean 500.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	if data.User == nil {
		data.User = userFromContext(r.Context())
	}
	tmpl, ok := pages[page]
	if !ok {
		h.logFromRequest(r).Error("unknown template", zap.String("page", page))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		h.logFromRequest(r).Error("render template", zap.String("page", page), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
