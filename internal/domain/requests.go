package domain

import "time"

// MachineView is one entry of the GET /v1/machines response.
type MachineView struct {
	ID          string     `json:"id"`
	Hostname    string     `json:"hostname,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	HomeDir     string     `json:"home_dir,omitempty"`
	Version     string     `json:"version,omitempty"`
	Online      bool       `json:"online"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
