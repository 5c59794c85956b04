// Package model holds the shared data-model types persisted by the
// repository layer. See spec §3 for the full entity table.
package model

import (
	"crypto/rand"
	"time"
)

// BackendType identifies which secret-engine backend a mount attaches.
type BackendType string

const (
	BackendKV       BackendType = "kv"
	BackendPostgres BackendType = "postgres"
	BackendUserpass BackendType = "userpass"
	BackendSystem   BackendType = "system"
)

// Operation is one of the six logical operations a backend ABI supports.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpRevoke Operation = "revoke"
	OpRenew  Operation = "renew"
)

// MountConfig holds the mutable per-mount lease bounds.
type MountConfig struct {
	DefaultLeaseTTL time.Duration `json:"default_lease_ttl"`
	MaxLeaseTTL     time.Duration `json:"max_lease_ttl"`
}

// RootNamespaceID and RootNamespaceName identify the namespace created
// idempotently on every successful unseal (spec §4.11's generate_root_token
// step). It is the only namespace with a nil ParentNamespaceID.
const (
	RootNamespaceID   = "root"
	RootNamespaceName = "root"
)

// Namespace is a node in the namespace tree. Exactly one namespace — the
// root — has a nil ParentNamespaceID.
type Namespace struct {
	ID                string
	Name              string
	ParentNamespaceID *string
}

// Mount is a named attachment of a backend at a path prefix within a namespace.
type Mount struct {
	ID          string
	Path        string // ends with "/"
	BackendType BackendType
	Config      MountConfig
	NamespaceID string
}

// StoragePrefix returns the unique table-name prefix for this mount, per
// spec §6.3: covert_<ns_id>_<backend_type>_<mount_id>_
func (m Mount) StoragePrefix() string {
	return "covert_" + sanitize(m.NamespaceID) + "_" + string(m.BackendType) + "_" + sanitize(m.ID) + "_"
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// PathRule is one `path "pattern" { capabilities = [...] }` block of a Policy.
type PathRule struct {
	Pattern    string
	Operations map[Operation]bool
}

// Policy is a named, ordered list of path rules scoped to a namespace.
type Policy struct {
	Name        string
	Paths       []PathRule
	NamespaceID string
}

// Entity is an authenticated subject, identified by name within a namespace.
type Entity struct {
	Name        string
	Disabled    bool
	NamespaceID string
}

// EntityAlias binds an auth backend's local subject name to an Entity.
type EntityAlias struct {
	AliasName   string
	MountPath   string
	EntityName  string
	NamespaceID string
}

// Token is an opaque bearer credential, "hvs." + 24 alphanumeric characters.
type Token struct {
	Value       string
	EntityName  string
	NamespaceID string
	IssuedAt    time.Time
	ExpiresAt   *time.Time // nil only for the root token
}

// GenerateTokenValue returns a fresh bearer credential value.
func GenerateTokenValue() (string, error) {
	const n = 24
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return "hvs." + string(buf), nil
}

// IsRoot reports whether the token never expires (the root token).
func (t Token) IsRoot() bool { return t.ExpiresAt == nil }

// Expired reports whether the token has a concrete expiry that has passed.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// LeaseEntry is the accounting record backing the expiration manager.
type LeaseEntry struct {
	ID                       string
	IssuedMountPath          string
	RevokePath               *string
	RevokeData               []byte
	RenewPath                *string
	RenewData                []byte
	IssuedAt                 time.Time
	ExpiresAt                time.Time
	LastRenewalTime          time.Time
	FailedRevocationAttempts int
}

// SealConfig is the singleton Shamir configuration.
type SealConfig struct {
	Shares    int
	Threshold int
}
