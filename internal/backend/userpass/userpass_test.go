package userpass

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/coverterr"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	t.Cleanup(cleanup)

	bp := backendpool.New("mount-up", "up_", pool)
	config := model.MountConfig{DefaultLeaseTTL: time.Hour, MaxLeaseTTL: 24 * time.Hour}
	b, err := New(context.Background(), bp, config)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return b
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling request body: %v", err)
	}
	return data
}

func TestCreateAndListUsers(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "users",
		Data:      mustJSON(t, createUserParams{Username: "alice", Password: "hunter2"}),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	resp, err := b.Handle(ctx, backend.Request{Operation: model.OpRead, Path: "users"})
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	listed, ok := resp.Raw.(listUsersResponse)
	if !ok {
		t.Fatalf("list users response type = %T", resp.Raw)
	}
	if len(listed.Users) != 1 || listed.Users[0].Username != "alice" {
		t.Fatalf("list users = %+v", listed)
	}
}

func TestLoginSucceedsAndFailsWithAuthResponse(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "users",
		Data:      mustJSON(t, createUserParams{Username: "bob", Password: "correct-horse"}),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	resp, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "login",
		Data:      mustJSON(t, loginParams{Username: "bob", Password: "correct-horse"}),
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Auth == nil || resp.Auth.Alias != "bob" {
		t.Fatalf("login response = %+v, want auth alias bob", resp)
	}
	if resp.Auth.TTL == nil || *resp.Auth.TTL != time.Hour {
		t.Fatalf("login TTL = %v, want 1h", resp.Auth.TTL)
	}

	_, err = b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "login",
		Data:      mustJSON(t, loginParams{Username: "bob", Password: "wrong"}),
	})
	if !coverterr.Is(err, coverterr.KindIncorrectPassword) {
		t.Fatalf("login with wrong password error = %v, want KindIncorrectPassword", err)
	}

	_, err = b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "login",
		Data:      mustJSON(t, loginParams{Username: "nobody", Password: "whatever"}),
	})
	if !coverterr.Is(err, coverterr.KindUnauthorized) {
		t.Fatalf("login with unknown user error = %v, want KindUnauthorized", err)
	}
}

func TestUpdatePasswordRequiresOldPassword(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "users",
		Data:      mustJSON(t, createUserParams{Username: "carol", Password: "old-pw"}),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	_, err := b.Handle(ctx, backend.Request{
		Operation: model.OpUpdate,
		Path:      "users/carol/password",
		Data:      mustJSON(t, updateUserPasswordParams{Password: "wrong-old-pw", NewPassword: "new-pw"}),
	})
	if !coverterr.Is(err, coverterr.KindIncorrectPassword) {
		t.Fatalf("update password with wrong old password error = %v", err)
	}

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpUpdate,
		Path:      "users/carol/password",
		Data:      mustJSON(t, updateUserPasswordParams{Password: "old-pw", NewPassword: "new-pw"}),
	}); err != nil {
		t.Fatalf("update password: %v", err)
	}

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "login",
		Data:      mustJSON(t, loginParams{Username: "carol", Password: "new-pw"}),
	}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestRemoveUser(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "users",
		Data:      mustJSON(t, createUserParams{Username: "dave", Password: "pw"}),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := b.Handle(ctx, backend.Request{Operation: model.OpDelete, Path: "users/dave"}); err != nil {
		t.Fatalf("remove user: %v", err)
	}

	_, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate,
		Path:      "login",
		Data:      mustJSON(t, loginParams{Username: "dave", Password: "pw"}),
	})
	if !coverterr.Is(err, coverterr.KindUnauthorized) {
		t.Fatalf("login after removal error = %v, want KindUnauthorized", err)
	}

	_, err = b.Handle(ctx, backend.Request{Operation: model.OpDelete, Path: "users/dave"})
	if !coverterr.Is(err, coverterr.KindNotFound) {
		t.Fatalf("removing already-removed user error = %v, want KindNotFound", err)
	}
}
