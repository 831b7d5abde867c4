package store

import (
	"context"
	"testing"
	"time"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAERepositoryCreateAndGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewAERepository(db)
	ae := &model.MonaiApplicationEntity{
		AEBase:    model.AEBase{Name: "brain-mri", AETitle: "BRAINMRI", CreatedAt: time.Now(), UpdatedAt: time.Now()},
		Grouping:  model.DefaultGroupingTag,
		Workflows: []string{"wf-1", "wf-2"},
	}
	ctx := context.Background()
	if err := repo.CreateMonaiAE(ctx, ae); err != nil {
		t.Fatalf("CreateMonaiAE: %v", err)
	}
	got, err := repo.GetMonaiAE(ctx, "brain-mri")
	if err != nil {
		t.Fatalf("GetMonaiAE: %v", err)
	}
	if got.AETitle != "BRAINMRI" || len(got.Workflows) != 2 {
		t.Fatalf("unexpected AE: %+v", got)
	}
}

func TestAERepositoryVirtualAECreateAndFind(t *testing.T) {
	db := openTestDB(t)
	repo := NewAERepository(db)
	ae := &model.VirtualApplicationEntity{
		Name:             "ct-research",
		Workflows:        []string{"wf-ct"},
		PlugInAssemblies: []string{"plugin.Anonymize"},
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	ctx := context.Background()
	if err := repo.CreateVirtualAE(ctx, ae); err != nil {
		t.Fatalf("CreateVirtualAE: %v", err)
	}
	got, err := repo.FindVirtualAEByName(ctx, "ct-research")
	if err != nil {
		t.Fatalf("FindVirtualAEByName: %v", err)
	}
	if len(got.Workflows) != 1 || got.Workflows[0] != "wf-ct" || len(got.PlugInAssemblies) != 1 {
		t.Fatalf("unexpected virtual AE: %+v", got)
	}
	if _, err := repo.FindVirtualAEByName(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestAERepositoryNotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewAERepository(db)
	_, err := repo.GetMonaiAE(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestFileMetadataRepositoryListPendingUpload(t *testing.T) {
	db := openTestDB(t)
	repo := NewFileMetadataRepository(db)
	ctx := context.Background()
	uploaded := &model.FileStorageMetadata{Identifier: "a", CorrelationID: "c1", File: model.StorageLocation{Uploaded: true}}
	pending := &model.FileStorageMetadata{Identifier: "b", CorrelationID: "c1", File: model.StorageLocation{Uploaded: false}}
	if err := repo.Create(ctx, uploaded); err != nil {
		t.Fatalf("Create uploaded: %v", err)
	}
	if err := repo.Create(ctx, pending); err != nil {
		t.Fatalf("Create pending: %v", err)
	}
	list, err := repo.ListPendingUpload(ctx)
	if err != nil {
		t.Fatalf("ListPendingUpload: %v", err)
	}
	if len(list) != 1 || list[0].Identifier != "b" {
		t.Fatalf("unexpected pending list: %+v", list)
	}
}

func TestInferenceRepositoryTakeIsFIFO(t *testing.T) {
	db := openTestDB(t)
	repo := NewInferenceRepository(db)
	ctx := context.Background()
	base := time.Now()
	first := &model.InferenceRequest{InferenceRequestID: "1", TransactionID: "tx-1", State: model.InferenceQueued, CreatedAt: base}
	second := &model.InferenceRequest{InferenceRequestID: "2", TransactionID: "tx-2", State: model.InferenceQueued, CreatedAt: base.Add(time.Second)}
	if err := repo.Add(ctx, second); err != nil {
		t.Fatalf("Add second: %v", err)
	}
	if err := repo.Add(ctx, first); err != nil {
		t.Fatalf("Add first: %v", err)
	}
	taken, err := repo.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken == nil || taken.TransactionID != "tx-1" {
		t.Fatalf("expected tx-1 leased first, got %+v", taken)
	}
	if taken.State != model.InferenceInProcess || taken.TryCount != 0 {
		t.Fatalf("unexpected leased state: %+v", taken)
	}
}

func TestRemoteAppExecutionSweep(t *testing.T) {
	db := openTestDB(t)
	repo := NewRemoteAppExecutionRepository(db)
	ctx := context.Background()
	now := time.Now()
	if err := repo.Add(ctx, &model.RemoteAppExecution{OutgoingUID: "old", RequestTime: now.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("Add old: %v", err)
	}
	if err := repo.Add(ctx, &model.RemoteAppExecution{OutgoingUID: "new", RequestTime: now}); err != nil {
		t.Fatalf("Add new: %v", err)
	}
	n, err := repo.Sweep(ctx, now, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept row, got %d", n)
	}
	exists, err := repo.Exists(ctx, "new")
	if err != nil || !exists {
		t.Fatalf("expected 'new' to survive sweep: exists=%v err=%v", exists, err)
	}
}
