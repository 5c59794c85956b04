// Package pipeline implements the seven-layer middleware pipeline (spec
// §4.10) that turns an HTTP request into a dispatched logical request and
// its response back into the wire envelope. Grounded on
// covert-server/src/layers/*.rs (the tower layer stack) and
// covert-framework's Request/Response types, adapted to a single
// http.Handler chain idiomatic for net/http + chi.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/httpserver"
	"github.com/covertsh/covert/internal/lease"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/policy"
	"github.com/covertsh/covert/internal/reqctx"
	"github.com/covertsh/covert/internal/repo"
	"github.com/covertsh/covert/internal/router"
	"github.com/covertsh/covert/internal/storage"
	"github.com/covertsh/covert/internal/ttlclamp"
)

// AuthTier is the tri-state authorization level a request's token earns
// for the specific (path, operation) it names.
type AuthTier int

const (
	TierUnauthenticated AuthTier = iota
	TierAuthenticated
	TierRoot
)

// StateFunc reports the storage pool's current lifecycle state.
type StateFunc func() storage.State

// Pipeline wires every repository and service the middleware layers need.
// The zero value is not usable; construct with New.
//
// Namespaces/Tokens/Entities are guarded by mu rather than set once at
// construction: a reseal closes the underlying database connection they
// were built against, and the following unseal opens a fresh one, so the
// system backend's unseal handler swaps in freshly-constructed repos via
// SetRepos on every successful unseal.
type Pipeline struct {
	State  StateFunc
	Router *router.Router
	Leases *lease.Manager

	mu         sync.RWMutex
	namespaces *repo.NamespaceRepo
	tokens     *repo.TokenRepo
	entities   *repo.EntityRepo
}

// New returns a Pipeline wired to the given dependencies.
func New(state StateFunc, namespaces *repo.NamespaceRepo, tokens *repo.TokenRepo, entities *repo.EntityRepo, rt *router.Router, leases *lease.Manager) *Pipeline {
	return &Pipeline{State: state, namespaces: namespaces, tokens: tokens, entities: entities, Router: rt, Leases: leases}
}

// SetRepos swaps in the repos built against the database connection opened
// by the most recent unseal. Safe to call concurrently with ServeHTTP.
func (p *Pipeline) SetRepos(namespaces *repo.NamespaceRepo, tokens *repo.TokenRepo, entities *repo.EntityRepo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.namespaces, p.tokens, p.entities = namespaces, tokens, entities
}

func (p *Pipeline) repos() (*repo.NamespaceRepo, *repo.TokenRepo, *repo.EntityRepo) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.namespaces, p.tokens, p.entities
}

// ServeHTTP implements http.Handler, running every layer of spec §4.10 in
// order.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. HTTP -> logical request.
	op, ok := operationFor(r.Method)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "unsupported method "+r.Method)
		return
	}
	logicalPath := strings.TrimPrefix(r.URL.Path, "/v1/")
	logicalPath = strings.TrimPrefix(logicalPath, "/")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "reading request body")
		return
	}

	req := backend.Request{
		Operation:   op,
		Path:        logicalPath,
		Data:        body,
		QueryString: r.URL.RawQuery,
		Token:       r.Header.Get("X-Vault-Token"),
	}

	// 2. Storage-state injection.
	state := p.State()

	// 3. Namespace extension (only meaningful once unsealed).
	hasNamespace := false
	namespaceID := ""
	if state == storage.Unsealed {
		ns, err := p.resolveNamespace(ctx, r.Header.Get("X-Covert-Namespace"))
		if err != nil {
			httpserver.RespondErr(w, err)
			return
		}
		hasNamespace = true
		namespaceID = ns.ID
		ctx = reqctx.WithNamespace(ctx, ns)
	}

	// 4. Authentication.
	tier, policies, entityName := p.authenticate(ctx, req.Token, req.Path, op)
	ctx = reqctx.WithPolicies(ctx, policies)
	if entityName != "" {
		ctx = reqctx.WithEntityName(ctx, entityName)
	}

	// 5. Route gate.
	rule := gateFor(req.Path)
	if state == storage.Unsealed && strings.HasSuffix(req.Path, "/login") {
		// A userpass mount's login route is reachable without a token.
		loginMount := strings.TrimSuffix(req.Path, "login")
		if lb, lerr := p.Router.ResolveBackend(ctx, namespaceID, loginMount); lerr == nil && lb.Type() == model.BackendUserpass {
			rule = routeRule{tier: TierUnauthenticated, states: rule.states}
		}
	}
	if !rule.allows(state) {
		httpserver.RespondError(w, http.StatusForbidden, "operation not permitted in the current seal state")
		return
	}
	if tier < rule.tier {
		status := http.StatusUnauthorized
		if tier != TierUnauthenticated {
			status = http.StatusForbidden
		}
		httpserver.RespondError(w, status, "insufficient privileges")
		return
	}

	// 6. Router dispatch.
	result, err := p.Router.Route(ctx, hasNamespace, namespaceID, req)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}

	// 7. Lease registration.
	envelope, status, err := p.registerLease(ctx, namespaceID, result, time.Now().UTC())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, status, envelope)
}

func operationFor(method string) (model.Operation, bool) {
	switch method {
	case http.MethodGet:
		return model.OpRead, true
	case http.MethodPost:
		return model.OpCreate, true
	case http.MethodPut:
		return model.OpUpdate, true
	case http.MethodDelete:
		return model.OpDelete, true
	default:
		return "", false
	}
}

// resolveNamespace parses a "/"-separated namespace path, defaulting to
// the root namespace when header is empty.
func (p *Pipeline) resolveNamespace(ctx context.Context, header string) (model.Namespace, error) {
	namespaces, _, _ := p.repos()
	if header == "" {
		return namespaces.GetByID(ctx, model.RootNamespaceID)
	}

	current := model.RootNamespaceID
	var ns model.Namespace
	for _, segment := range strings.Split(strings.Trim(header, "/"), "/") {
		if segment == "" {
			continue
		}
		var err error
		ns, err = namespaces.FindByPath(ctx, segment, &current)
		if err != nil {
			return model.Namespace{}, coverterr.Wrap(coverterr.KindBadRequest, "namespace not found", err)
		}
		current = ns.ID
	}
	if ns.ID == "" {
		return namespaces.GetByID(ctx, model.RootNamespaceID)
	}
	return ns, nil
}

// authenticate resolves req.Token into a tri-state authorization tier
// against the specific (path, operation) this request names. A policy
// grants Authenticated only when it covers this exact request; the route
// gate then compares the resulting tier against the route's requirement.
func (p *Pipeline) authenticate(ctx context.Context, token, path string, op model.Operation) (AuthTier, []model.Policy, string) {
	if token == "" {
		return TierUnauthenticated, nil, ""
	}

	_, tokens, _ := p.repos()
	now := time.Now().UTC()
	tok, ok, err := tokens.Get(ctx, token)
	if err != nil || !ok || tok.Expired(now) {
		return TierUnauthenticated, nil, ""
	}

	policies, err := tokens.LookupPolicies(ctx, token, now)
	if err != nil {
		return TierUnauthenticated, nil, tok.EntityName
	}

	switch {
	case policy.IsRoot(policies):
		return TierRoot, policies, tok.EntityName
	case policy.IsAuthorized(policies, path, []model.Operation{op}):
		return TierAuthenticated, policies, tok.EntityName
	default:
		return TierUnauthenticated, policies, tok.EntityName
	}
}

// routeRule names the minimum tier and the set of pool states a route
// accepts, per the state table in spec §4.10.
type routeRule struct {
	tier   AuthTier
	states map[storage.State]bool
}

func (r routeRule) allows(s storage.State) bool { return r.states[s] }

func states(ss ...storage.State) map[storage.State]bool {
	m := make(map[storage.State]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

var sysRoutes = map[string]routeRule{
	"sys/init":   {tier: TierUnauthenticated, states: states(storage.Uninitialized)},
	"sys/unseal": {tier: TierUnauthenticated, states: states(storage.Sealed)},
	"sys/seal":   {tier: TierUnauthenticated, states: states(storage.Unsealed)},
	"sys/status": {tier: TierUnauthenticated, states: states(storage.Uninitialized, storage.Sealed, storage.Unsealed)},
}

var defaultUnsealedOnlyRule = routeRule{tier: TierAuthenticated, states: states(storage.Unsealed)}

// gateFor resolves the route rule for a logical path: the four bare sys/
// lifecycle routes are special-cased exactly per the state table; every
// other sys/ route and every mount-backed route requires the pool to be
// Unsealed and the caller's tier (computed by authenticate, already scoped
// to this path) to be at least Authenticated. ServeHTTP lowers the tier to
// Unauthenticated for the login route of a userpass mount.
func gateFor(path string) routeRule {
	if rule, ok := sysRoutes[path]; ok {
		return rule
	}
	return defaultUnsealedOnlyRule
}

// leaseEnvelope is the raw-response shape returned for a backend.Lease
// response: the backend's data alongside the tracked lease's id and TTL.
type leaseEnvelope struct {
	Data    any    `json:"data"`
	LeaseID string `json:"lease_id"`
	TTL     string `json:"ttl"`
}

// authEnvelope is the raw-response shape returned for a backend.Auth
// response: a minted token alongside its tracked lease id and TTL.
type authEnvelope struct {
	Token   string `json:"token"`
	LeaseID string `json:"lease_id"`
	TTL     string `json:"ttl"`
}

// registerLease implements pipeline step 7 (spec §4.10 item 7): it turns
// whichever of Raw/Auth/Lease the backend returned into the wire response,
// persisting a LeaseEntry and/or minting a token along the way.
func (p *Pipeline) registerLease(ctx context.Context, namespaceID string, result router.Result, now time.Time) (any, int, error) {
	resp := result.Response
	_, tokens, entities := p.repos()

	switch {
	case resp.Lease != nil:
		requested := time.Duration(0)
		if resp.Lease.TTL != nil {
			requested = *resp.Lease.TTL
		}
		ttl := ttlclamp.Calculate(now, now, result.Config.DefaultLeaseTTL, result.Config.MaxLeaseTTL, requested)

		le := model.LeaseEntry{
			ID:              uuid.New().String(),
			IssuedMountPath: result.MountPath,
			RevokeData:      resp.Lease.Revoke.Data,
			RenewData:       resp.Lease.Renew.Data,
			IssuedAt:        now,
			ExpiresAt:       now.Add(ttl),
			LastRenewalTime: now,
		}
		if resp.Lease.Revoke.Path != "" {
			le.RevokePath = &resp.Lease.Revoke.Path
		}
		if resp.Lease.Renew.Path != "" {
			le.RenewPath = &resp.Lease.Renew.Path
		}
		if err := p.Leases.Register(ctx, le); err != nil {
			return nil, 0, err
		}
		return leaseEnvelope{Data: resp.Lease.Data, LeaseID: le.ID, TTL: ttl.String()}, http.StatusOK, nil

	case resp.Auth != nil:
		entity, ok, err := entities.GetEntityFromAlias(ctx, model.EntityAlias{
			AliasName:   resp.Auth.Alias,
			MountPath:   result.MountPath,
			NamespaceID: namespaceID,
		})
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, coverterr.New(coverterr.KindNotFound, "no entity bound to this login alias")
		}

		requested := time.Duration(0)
		if resp.Auth.TTL != nil {
			requested = *resp.Auth.TTL
		}
		ttl := ttlclamp.Calculate(now, now, result.Config.DefaultLeaseTTL, result.Config.MaxLeaseTTL, requested)
		expiresAt := now.Add(ttl)

		token, err := model.GenerateTokenValue()
		if err != nil {
			return nil, 0, coverterr.Wrap(coverterr.KindInternal, "generating token", err)
		}
		if err := tokens.Create(ctx, model.Token{
			Value: token, EntityName: entity.Name, NamespaceID: namespaceID, IssuedAt: now, ExpiresAt: &expiresAt,
		}); err != nil {
			return nil, 0, err
		}

		revokeData, err := json.Marshal(map[string]string{"token": token})
		if err != nil {
			return nil, 0, coverterr.Wrap(coverterr.KindInternal, "encoding token revoke data", err)
		}
		le := model.LeaseEntry{
			ID:              uuid.New().String(),
			IssuedMountPath: result.MountPath,
			RevokeData:      revokeData,
			RenewData:       revokeData,
			IssuedAt:        now,
			ExpiresAt:       expiresAt,
			LastRenewalTime: now,
		}
		if err := p.Leases.Register(ctx, le); err != nil {
			return nil, 0, err
		}
		return authEnvelope{Token: token, LeaseID: le.ID, TTL: ttl.String()}, http.StatusOK, nil

	default:
		return resp.Raw, http.StatusOK, nil
	}
}

