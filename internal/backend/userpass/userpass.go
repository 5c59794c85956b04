// Package userpass implements the username/password auth backend (spec
// §4.8), grounded on backend/covert-userpass-auth's lib.rs and
// store/user.rs. Login resolves to an AuthResponse aliased on the
// username; user and password management run through /users and
// /users/:username routes.
package userpass

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
)

const schemaVersion = 1

// bcryptCost matches the teacher's DEFAULT_COST; left here for a future bump.
const bcryptCost = 8

const migrationV1 = `
CREATE TABLE USERS (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL
);`

// Backend is the userpass auth method.
type Backend struct {
	users *userRepo

	mu     sync.RWMutex
	config model.MountConfig
}

// New runs this backend's schema migration and returns a ready Backend.
func New(ctx context.Context, pool *backendpool.Pool, config model.MountConfig) (*Backend, error) {
	if err := pool.ApplyMigration(ctx, schemaVersion, migrationV1); err != nil {
		return nil, err
	}
	return &Backend{users: &userRepo{pool: pool}, config: config}, nil
}

// UpdateMountConfig refreshes the default lease TTL this backend's logins
// request, called when an update on sys/mounts/:path changes the mount's config.
func (b *Backend) UpdateMountConfig(config model.MountConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
}

func (b *Backend) mountConfig() model.MountConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// Type reports this backend as the userpass auth method.
func (b *Backend) Type() model.BackendType { return model.BackendUserpass }

// Revoke is never invoked: userpass never issues leased material, only
// tokens minted by the pipeline from its AuthResponse.
func (b *Backend) Revoke(ctx context.Context, path string, data []byte) error {
	return coverterr.New(coverterr.KindInternal, "userpass backend does not issue leases")
}

// Renew is never invoked for the same reason as Revoke.
func (b *Backend) Renew(ctx context.Context, path string, data []byte) (time.Duration, error) {
	return 0, coverterr.New(coverterr.KindInternal, "userpass backend does not issue leases")
}

// Handle dispatches a request to /login, /users, or /users/:username[/password].
// /login is the single route of this backend that the pipeline's route gate
// admits at the Unauthenticated tier (spec §4.10): it takes no token and
// never requires an existing session.
func (b *Backend) Handle(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch {
	case req.Path == "login":
		return b.handleLogin(ctx, req)
	case req.Path == "users":
		return b.handleUsers(ctx, req)
	case strings.HasSuffix(req.Path, "/password") && strings.HasPrefix(req.Path, "users/"):
		username := strings.TrimSuffix(strings.TrimPrefix(req.Path, "users/"), "/password")
		return b.handleUpdatePassword(ctx, req, username)
	case strings.HasPrefix(req.Path, "users/"):
		username := strings.TrimPrefix(req.Path, "users/")
		return b.handleRemoveUser(ctx, req, username)
	default:
		return backend.Response{}, coverterr.New(coverterr.KindNotFound, "unknown userpass route")
	}
}

func (b *Backend) handleLogin(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.Operation != model.OpCreate && req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on login")
	}
	var params loginParams
	if err := json.Unmarshal(req.Data, &params); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding login body", err)
	}
	if _, err := b.authenticate(ctx, params.Username, params.Password); err != nil {
		return backend.Response{}, err
	}

	ttl := b.mountConfig().DefaultLeaseTTL
	return backend.Response{
		Auth: &backend.AuthResponse{Alias: params.Username, TTL: &ttl},
	}, nil
}

func (b *Backend) authenticate(ctx context.Context, username, password string) (*userRow, error) {
	user, err := b.users.get(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, coverterr.New(coverterr.KindUnauthorized, "user not found")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, coverterr.New(coverterr.KindIncorrectPassword, "")
	}
	return user, nil
}

func (b *Backend) handleUsers(ctx context.Context, req backend.Request) (backend.Response, error) {
	switch req.Operation {
	case model.OpCreate:
		var params createUserParams
		if err := json.Unmarshal(req.Data, &params); err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding create-user body", err)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcryptCost)
		if err != nil {
			return backend.Response{}, coverterr.Wrap(coverterr.KindUnsupportedPassword, "", err)
		}
		if err := b.users.create(ctx, userRow{Username: params.Username, Password: string(hashed)}); err != nil {
			return backend.Response{}, err
		}
		return backend.RawResponse(createUserResponse{Username: params.Username}), nil
	case model.OpRead:
		users, err := b.users.list(ctx)
		if err != nil {
			return backend.Response{}, err
		}
		items := make([]userListItem, 0, len(users))
		for _, u := range users {
			items = append(items, userListItem{Username: u.Username})
		}
		return backend.RawResponse(listUsersResponse{Users: items}), nil
	default:
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on users")
	}
}

func (b *Backend) handleUpdatePassword(ctx context.Context, req backend.Request, username string) (backend.Response, error) {
	if req.Operation != model.OpUpdate {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on users/:username/password")
	}
	var params updateUserPasswordParams
	if err := json.Unmarshal(req.Data, &params); err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindBadRequest, "decoding password update body", err)
	}
	if _, err := b.authenticate(ctx, username, params.Password); err != nil {
		return backend.Response{}, err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(params.NewPassword), bcryptCost)
	if err != nil {
		return backend.Response{}, coverterr.Wrap(coverterr.KindUnsupportedPassword, "", err)
	}
	if err := b.users.updatePassword(ctx, username, string(hashed)); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(updateUserPasswordResponse{Username: username}), nil
}

func (b *Backend) handleRemoveUser(ctx context.Context, req backend.Request, username string) (backend.Response, error) {
	if req.Operation != model.OpDelete {
		return backend.Response{}, coverterr.New(coverterr.KindBadRequest, "unsupported operation on users/:username")
	}
	if err := b.users.remove(ctx, username); err != nil {
		return backend.Response{}, err
	}
	return backend.RawResponse(removeUserResponse{Username: username}), nil
}
