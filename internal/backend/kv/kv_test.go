package kv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/covertsh/covert/internal/backend"
	"github.com/covertsh/covert/internal/backendpool"
	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/storage"
)

func setupBackend(t *testing.T) *Backend {
	t.Helper()
	pool, cleanup, err := storage.NewForTest(t.TempDir())
	if err != nil {
		t.Fatalf("NewForTest() error: %v", err)
	}
	t.Cleanup(cleanup)

	bp := backendpool.New("mount-kv", "kv_", pool)
	b, err := New(context.Background(), bp)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return b
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	return b
}

func TestCreateSecretVersionsIncrement(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	resp, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "data/foo",
		Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz"}}),
	})
	if err != nil {
		t.Fatalf("Handle(create) error: %v", err)
	}
	got := resp.Raw.(createSecretResponse)
	if got.Version != 1 {
		t.Fatalf("Version = %d, want 1", got.Version)
	}

	resp, err = b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "data/foo",
		Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz1"}}),
	})
	if err != nil {
		t.Fatalf("Handle(create) 2 error: %v", err)
	}
	got = resp.Raw.(createSecretResponse)
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
}

func TestReadSecretMissingKeyIsNotFound(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	_, err := b.Handle(ctx, backend.Request{Operation: model.OpRead, Path: "data/foo"})
	if err == nil {
		t.Fatal("Handle(read) on missing key = nil error, want not found")
	}
}

func TestReadSecretReturnsLatestVersion(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "data/foo",
		Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz"}}),
	}); err != nil {
		t.Fatalf("Handle(create) error: %v", err)
	}

	resp, err := b.Handle(ctx, backend.Request{Operation: model.OpRead, Path: "data/foo"})
	if err != nil {
		t.Fatalf("Handle(read) error: %v", err)
	}
	got := resp.Raw.(readSecretResponse)
	if got.Data["bar"] != "baz" {
		t.Errorf("Data[bar] = %q, want baz", got.Data["bar"])
	}
	if got.Metadata.Version != 1 {
		t.Errorf("Metadata.Version = %d, want 1", got.Metadata.Version)
	}
}

func TestPruneOldVersions(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	for i := 0; i < defaultMaxVersions; i++ {
		if _, err := b.Handle(ctx, backend.Request{
			Operation: model.OpCreate, Path: "data/foo",
			Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz"}}),
		}); err != nil {
			t.Fatalf("Handle(create) %d error: %v", i, err)
		}
	}

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpUpdate, Path: "config",
		Data: mustJSON(t, setConfigParams{MaxVersions: 2}),
	}); err != nil {
		t.Fatalf("Handle(update config) error: %v", err)
	}

	resp, err := b.Handle(ctx, backend.Request{
		Operation: model.OpUpdate, Path: "data/foo",
		Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz"}}),
	})
	if err != nil {
		t.Fatalf("Handle(update data) error: %v", err)
	}
	got := resp.Raw.(createSecretResponse)
	if got.Version != 11 {
		t.Fatalf("Version = %d, want 11", got.Version)
	}

	for v := 1; v <= 9; v++ {
		secret, err := b.secrets.get(ctx, "foo", v)
		if err != nil {
			t.Fatalf("get(%d) error: %v", v, err)
		}
		if secret != nil {
			t.Errorf("version %d survived pruning", v)
		}
	}
}

func TestSoftDeleteAndUndelete(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "data/foo",
		Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz"}}),
	}); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "delete/foo",
		Data: mustJSON(t, versionsParams{Versions: []int{1}}),
	}); err != nil {
		t.Fatalf("soft delete error: %v", err)
	}

	resp, err := b.Handle(ctx, backend.Request{Operation: model.OpRead, Path: "data/foo"})
	if err != nil {
		t.Fatalf("read after delete error: %v", err)
	}
	got := resp.Raw.(readSecretResponse)
	if !got.Metadata.Deleted || got.Data != nil {
		t.Fatalf("after soft delete = %+v, want deleted with no data", got)
	}

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "undelete/foo",
		Data: mustJSON(t, versionsParams{Versions: []int{1}}),
	}); err != nil {
		t.Fatalf("undelete error: %v", err)
	}

	resp, err = b.Handle(ctx, backend.Request{Operation: model.OpRead, Path: "data/foo"})
	if err != nil {
		t.Fatalf("read after undelete error: %v", err)
	}
	got = resp.Raw.(readSecretResponse)
	if got.Metadata.Deleted || got.Data["bar"] != "baz" {
		t.Fatalf("after undelete = %+v, want recovered", got)
	}
}

func TestDestroyMakesValueUnrecoverable(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "data/foo",
		Data: mustJSON(t, createSecretParams{Data: map[string]string{"bar": "baz"}}),
	}); err != nil {
		t.Fatalf("create error: %v", err)
	}

	if _, err := b.Handle(ctx, backend.Request{
		Operation: model.OpCreate, Path: "destroy/foo",
		Data: mustJSON(t, versionsParams{Versions: []int{1}}),
	}); err != nil {
		t.Fatalf("destroy error: %v", err)
	}

	secret, err := b.secrets.get(ctx, "foo", 1)
	if err != nil {
		t.Fatalf("get() error: %v", err)
	}
	if secret == nil || !secret.Destroyed || secret.Value != nil {
		t.Fatalf("secret after destroy = %+v, want destroyed with nil value", secret)
	}
}
