// Package domain defines the core data types shared across the relay hub
// server, store, access and broker layers.
package domain

import "time"

// Client types a connection can authenticate as.
const (
	ClientTypeUser          = "user"
	ClientTypeMachineScoped = "machine-scoped"
	ClientTypeSessionScoped = "session-scoped"
)

// APIKey represents a server-managed authentication key. Every key belongs
// to exactly one namespace; machines and sessions registered with it are
// owned by that namespace.
type APIKey struct {
	ID        string
	Name      string
	Namespace string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// MachineInfo is what a runner reports about its host when it connects.
// Empty fields leave previously stored values in place.
type MachineInfo struct {
	Hostname    string
	Platform    string
	DisplayName string
	HomeDir     string
	Version     string
}

// Machine is a runner host that can serve tunnels.
type Machine struct {
	MachineInfo
	ID         string
	Namespace  string
	Online     bool
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// Session is a coding-agent session that can produce terminals.
type Session struct {
	ID         string
	Namespace  string
	MachineID  string
	Active     bool
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// Principal is the authenticated identity behind one connection.
type Principal struct {
	Namespace  string
	UserID     string
	APIKeyID   string
	ClientType string
	MachineID  string
	SessionID  string
}
