package database

import "time"

// LocalEndpointID is the reserved id of the host-local engine endpoint.
const LocalEndpointID = "local"

// Endpoint transport kinds.
const (
	TransportPlain     = "plain"
	TransportTLSMutual = "tls-mutual"
)

// Endpoint health values.
const (
	HealthOnline  = "online"
	HealthOffline = "offline"
	HealthUnknown = "unknown"
)

// Policy kinds for non-admin users.
const (
	PolicyAll      = "all"
	PolicyNone     = "none"
	PolicySpecific = "specific"
)

// Endpoint is a container-engine host reachable by the resolver. The id
// "local" is reserved for the host-local engine and is synthesized by the
// registry rather than registered by an operator.
type Endpoint struct {
	ID        string `gorm:"primaryKey;size:64" json:"id"`
	Name      string `gorm:"uniqueIndex;not null;size:128" json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `gorm:"not null;default:plain" json:"transport"`

	// TLS material for tls-mutual transport. TLSKey is encrypted at rest
	// and none of the three are ever serialized to clients.
	TLSCA   string `json:"-"`
	TLSCert string `json:"-"`
	TLSKey  string `json:"-"`

	Health      string     `gorm:"not null;default:unknown" json:"health"`
	LastChecked *time.Time `json:"last_checked"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	PolicyKind   string    `gorm:"not null;default:specific" json:"policy_kind"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// UserEndpoint is one membership row of a user's "specific" policy set.
type UserEndpoint struct {
	UserID     uint   `gorm:"primaryKey" json:"user_id"`
	EndpointID string `gorm:"primaryKey;size:64" json:"endpoint_id"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
