// Package model defines the gateway's sole persisted entity, ServerRecord,
// and the small value types attached to it.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// HealthStatus is the lifecycle state a Health Monitor probe drives a
// ServerRecord through. See the state machine in the health monitor design.
type HealthStatus string

const (
	Unknown   HealthStatus = "unknown"
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// Capabilities is purely informational metadata reported at registration.
type Capabilities struct {
	MaxTokens     *int `json:"max_tokens,omitempty"`
	ContextLength *int `json:"context_length,omitempty"`
	Streaming     bool `json:"streaming"`
}

// Owner is opaque ownership metadata. Only Email is validated (as an email
// address, by the admin handler, when non-empty).
type Owner struct {
	StudentID   string `json:"student_id,omitempty"`
	Description string `json:"description,omitempty"`
	Email       string `json:"email,omitempty"`
}

// ServerRecord is the sole durable entity the Registry Store manages.
type ServerRecord struct {
	RegistrationID      string       `json:"registration_id" db:"registration_id"`
	ModelName           string       `json:"model_name" db:"model_name"`
	EndpointURL         string       `json:"endpoint_url" db:"endpoint_url"`
	BackendAPIKey       string       `json:"-" db:"backend_api_key"`
	Capabilities        Capabilities `json:"capabilities" db:"-"`
	CapabilitiesJSON    string       `json:"-" db:"capabilities_json"`
	Owner               Owner        `json:"owner" db:"-"`
	OwnerJSON           string       `json:"-" db:"owner_json"`
	RegisteredAt        time.Time    `json:"registered_at" db:"registered_at"`
	LastCheckedAt       *time.Time   `json:"last_checked_at" db:"last_checked_at"`
	LastLatencyMS       *int64       `json:"last_latency_ms" db:"last_latency_ms"`
	HealthStatus        HealthStatus `json:"health_status" db:"health_status"`
	ConsecutiveFailures int          `json:"consecutive_failures" db:"consecutive_failures"`
	IsActive            bool         `json:"is_active" db:"is_active"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

// NewRegistrationID synthesizes a "srv_" + 16 hex char id from a CSPRNG,
// matching the ^srv_[0-9a-f]{16}$ wire contract.
func NewRegistrationID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("model: generating registration id: %w", err)
	}
	return "srv_" + hex.EncodeToString(buf), nil
}

// NormalizeEndpoint lowercases scheme+host and strips default ports and a
// trailing slash, giving the Registry Store's uniqueness invariant a stable
// key. Malformed URLs are returned unchanged — callers validate separately.
func NormalizeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	hostport := host
	if port != "" {
		hostport = host + ":" + port
	}
	path := strings.TrimRight(u.Path, "/")
	out := scheme + "://" + hostport + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// Filter restricts a List query. A nil pointer means "don't filter on this
// field"; IncludeInactive defaults to false (active records only).
type Filter struct {
	ModelName       *string
	HealthStatus    *HealthStatus
	IncludeInactive bool
}

// Stats is the aggregate the admin surface's GET /admin/stats returns.
type Stats struct {
	TotalServers int      `json:"total_servers"`
	Healthy      int      `json:"healthy"`
	Unhealthy    int      `json:"unhealthy"`
	UnknownCount int      `json:"unknown"`
	Models       []string `json:"models"`
}
