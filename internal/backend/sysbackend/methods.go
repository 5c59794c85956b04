package sysbackend

import "time"

// initializeParams configures the Shamir split of a freshly generated
// master key.
type initializeParams struct {
	Shares    int `json:"shares" validate:"required,min=1"`
	Threshold int `json:"threshold" validate:"required,min=1"`
}

// initializeResponse is one of two shapes: a fresh split (Shares) or a
// no-op against an already-initialized store (Message).
type initializeResponse struct {
	Shares  []string `json:"shares,omitempty"`
	Message string   `json:"message,omitempty"`
}

type unsealParams struct {
	Shares []string `json:"shares" validate:"required,min=1"`
}

// unsealResponse reports either accumulation progress or, once the
// threshold is met, the freshly minted root token.
type unsealResponse struct {
	Complete          bool   `json:"complete"`
	RootToken         string `json:"root_token,omitempty"`
	Threshold         int    `json:"threshold,omitempty"`
	KeySharesProvided int    `json:"key_shares_provided,omitempty"`
	KeySharesTotal    int    `json:"key_shares_total,omitempty"`
}

type sealResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	State         string `json:"state"`
	Version       string `json:"version"`
	CommitSHA     string `json:"commit_sha"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type createMountParams struct {
	Type   string            `json:"type" validate:"required,oneof=kv postgres userpass"`
	Path   string            `json:"path" validate:"required"`
	Config mountConfigParams `json:"config"`
}

type mountConfigParams struct {
	DefaultLeaseTTL string `json:"default_lease_ttl"`
	MaxLeaseTTL     string `json:"max_lease_ttl"`
}

type mountResponse struct {
	ID     string            `json:"id"`
	Path   string            `json:"path"`
	Type   string            `json:"type"`
	Config mountConfigParams `json:"config"`
}

type updateMountParams struct {
	Config mountConfigParams `json:"config" validate:"required"`
}

type mountsListResponse struct {
	Auth   []mountListItem `json:"auth"`
	Secret []mountListItem `json:"secret"`
}

type mountListItem struct {
	ID     string            `json:"id"`
	Path   string            `json:"path"`
	Type   string            `json:"type"`
	Config mountConfigParams `json:"config"`
}

type disableMountResponse struct {
	Mount mountListItem `json:"mount"`
}

type createPolicyParams struct {
	Name   string `json:"name" validate:"required"`
	Policy string `json:"policy" validate:"required"`
}

type createPolicyResponse struct {
	Name string `json:"name"`
}

type listPolicyResponse struct {
	Policies []string `json:"policies"`
}

type removePolicyResponse struct {
	Policy string `json:"policy"`
}

type createNamespaceParams struct {
	Name string `json:"name" validate:"required"`
}

type createNamespaceResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listNamespaceItemResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type listNamespaceResponse struct {
	Namespaces []listNamespaceItemResponse `json:"namespaces"`
}

type createEntityParams struct {
	Name string `json:"name" validate:"required"`
}

type entityResponse struct {
	Name     string             `json:"name"`
	Policies []string           `json:"policies"`
	Aliases  []entityAliasEntry `json:"aliases"`
	Disabled bool               `json:"disabled"`
}

type entityAliasEntry struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
}

type listEntitiesResponse struct {
	Entities []entityResponse `json:"entities"`
}

type attachEntityPolicyParams struct {
	Name        string   `json:"name" validate:"required"`
	PolicyNames []string `json:"policy_names" validate:"required,min=1"`
}

type attachEntityPolicyResponse struct {
	Entity           string   `json:"entity"`
	AttachedPolicies []string `json:"attached_policies"`
}

type removeEntityPolicyParams struct {
	PolicyName string `json:"policy_name" validate:"required"`
}

type attachEntityAliasParams struct {
	Name    string               `json:"name" validate:"required"`
	Aliases []entityAliasRequest `json:"aliases" validate:"required,min=1"`
}

type entityAliasRequest struct {
	Name      string `json:"name" validate:"required"`
	MountPath string `json:"mount_path" validate:"required"`
}

type attachEntityAliasResponse struct {
	Entity          string   `json:"entity"`
	AttachedAliases []string `json:"attached_aliases"`
}

type removeEntityAliasParams struct {
	Alias     string `json:"alias" validate:"required"`
	MountPath string `json:"mount_path" validate:"required"`
}

// leaseEntryDTO mirrors a persisted lease for the API surface. Unlike the
// Rust source's equivalent conversion, LastRenewalTime here actually
// serializes the lease's last_renewal_time column rather than repeating
// expires_at.
type leaseEntryDTO struct {
	ID              string    `json:"id"`
	IssuedMountPath string    `json:"issued_mount_path"`
	IssueTime       time.Time `json:"issue_time"`
	ExpireTime      time.Time `json:"expire_time"`
	LastRenewalTime time.Time `json:"last_renewal_time"`
}

type revokedLeaseResponse struct {
	Lease leaseEntryDTO `json:"lease"`
}

type revokedLeasesResponse struct {
	Leases []leaseEntryDTO `json:"leases"`
}

type lookupLeaseResponse struct {
	Lease leaseEntryDTO `json:"lease"`
}

type listLeasesResponse struct {
	Leases []leaseEntryDTO `json:"leases"`
}

type renewLeaseParams struct {
	TTL string `json:"ttl,omitempty"`
}

type renewLeaseResponse struct {
	Lease leaseEntryDTO `json:"lease"`
}

// revokeTokenData is the opaque revoke/renew payload the pipeline attaches
// to every token-backed lease (see pipeline.registerLease's Auth branch).
type revokeTokenData struct {
	Token string `json:"token"`
}
