package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/covertsh/covert/internal/model"
	"github.com/covertsh/covert/internal/storage"
)

func TestSealRepoCRUD(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSealDB(filepath.Join(t.TempDir(), "seal.db"))
	if err != nil {
		t.Fatalf("OpenSealDB() error: %v", err)
	}
	defer db.Close()

	sealRepo, err := NewSealRepo(db)
	if err != nil {
		t.Fatalf("NewSealRepo() error: %v", err)
	}

	if _, ok, err := sealRepo.GetConfig(ctx); err != nil || ok {
		t.Fatalf("GetConfig() on empty db = ok=%v, err=%v", ok, err)
	}

	cfg := model.SealConfig{Shares: 5, Threshold: 3}
	if err := sealRepo.SetConfig(ctx, cfg); err != nil {
		t.Fatalf("SetConfig() error: %v", err)
	}
	got, ok, err := sealRepo.GetConfig(ctx)
	if err != nil || !ok || got != cfg {
		t.Fatalf("GetConfig() = %+v, ok=%v, err=%v", got, ok, err)
	}

	shares, err := sealRepo.GetKeyShares(ctx)
	if err != nil || len(shares) != 0 {
		t.Fatalf("GetKeyShares() on empty table = %+v, %v", shares, err)
	}

	share1 := "my-secret-share-1"
	for i := 0; i < 5; i++ {
		if err := sealRepo.InsertKeyShare(ctx, share1); err != nil {
			t.Fatalf("InsertKeyShare() duplicate %d error: %v", i, err)
		}
	}
	shares, err = sealRepo.GetKeyShares(ctx)
	if err != nil {
		t.Fatalf("GetKeyShares() error: %v", err)
	}
	if len(shares) != 1 || shares[0] != share1 {
		t.Fatalf("GetKeyShares() = %+v, want deduped to 1 share", shares)
	}

	share2 := "my-secret-share-2"
	if err := sealRepo.InsertKeyShare(ctx, share2); err != nil {
		t.Fatalf("InsertKeyShare() share2 error: %v", err)
	}
	shares, err = sealRepo.GetKeyShares(ctx)
	if err != nil || len(shares) != 2 {
		t.Fatalf("GetKeyShares() = %+v, %v, want 2 distinct shares", shares, err)
	}

	if err := sealRepo.ClearKeyShares(ctx); err != nil {
		t.Fatalf("ClearKeyShares() error: %v", err)
	}
	shares, err = sealRepo.GetKeyShares(ctx)
	if err != nil || len(shares) != 0 {
		t.Fatalf("GetKeyShares() after clear = %+v, %v", shares, err)
	}
}
