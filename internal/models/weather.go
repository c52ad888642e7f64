package models

import "time"

// WeatherReading is the normalized current-conditions reading for a city.
// City is the lookup key exactly as it was requested.
type WeatherReading struct {
	City        string     `json:"city"`
	Temperature float64    `json:"temperature"`
	Description string     `json:"description"`
	Icon        string     `json:"icon,omitempty"`
	UTCOffset   int        `json:"utcOffset"`
	ObservedAt  *time.Time `json:"observedAt,omitempty"`
	Sunrise     *time.Time `json:"sunrise,omitempty"`
	Sunset      *time.Time `json:"sunset,omitempty"`
	RefreshedAt time.Time  `json:"refreshedAt"`
}

// IconURL returns the provider icon image for the reading, or "" when no icon is known.
func (r WeatherReading) IconURL() string {
	if r.Icon == "" {
		return ""
	}
	return "https://openweathermap.org/img/wn/" + r.Icon + "@2x.png"
}
