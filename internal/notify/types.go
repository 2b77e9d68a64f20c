package notify

import "time"

// Service is one configured notification target (a Shoutrrr URL).
type Service struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ShoutrrrURL string    `json:"shoutrrr_url"`
	MinSeverity int       `json:"min_severity"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}
