package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

var errNotFound = errors.New("inference: not found")

type fakeRepository struct {
	byID map[string]*model.InferenceRequest
	byTx map[string]*model.InferenceRequest
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{byID: map[string]*model.InferenceRequest{}, byTx: map[string]*model.InferenceRequest{}}
}

func (f *fakeRepository) Add(ctx context.Context, req *model.InferenceRequest) error {
	f.byID[req.InferenceRequestID] = req
	f.byTx[req.TransactionID] = req
	return nil
}

func (f *fakeRepository) Take(ctx context.Context) (*model.InferenceRequest, error) { return nil, nil }

func (f *fakeRepository) Update(ctx context.Context, req *model.InferenceRequest) error {
	f.byID[req.InferenceRequestID] = req
	f.byTx[req.TransactionID] = req
	return nil
}

func (f *fakeRepository) GetByID(ctx context.Context, id string) (*model.InferenceRequest, error) {
	req, ok := f.byID[id]
	if !ok {
		return nil, errNotFound
	}
	return req, nil
}

func (f *fakeRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.InferenceRequest, error) {
	req, ok := f.byTx[transactionID]
	if !ok {
		return nil, errNotFound
	}
	return req, nil
}

func (f *fakeRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	_, ok := f.byTx[transactionID]
	return ok, nil
}

func TestServiceAddRejectsDuplicateTransactionID(t *testing.T) {
	repo := newFakeRepository()
	svc := New(repo, 2)
	ctx := context.Background()

	req := &model.InferenceRequest{TransactionID: "tx-1"}
	if err := svc.Add(ctx, req); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if req.State != model.InferenceQueued || req.Status != model.InferenceStatusUnknown {
		t.Fatalf("unexpected initial state: %+v", req)
	}

	if err := svc.Add(ctx, &model.InferenceRequest{TransactionID: "tx-1"}); err == nil {
		t.Fatalf("expected duplicate transaction id to be rejected")
	}
}

func TestServiceUpdateSuccessCompletesWithZeroTryCount(t *testing.T) {
	repo := newFakeRepository()
	svc := New(repo, 2)
	ctx := context.Background()

	req := &model.InferenceRequest{TransactionID: "tx-1", InferenceRequestID: "req-1", State: model.InferenceInProcess}
	if err := svc.Update(ctx, req, model.InferenceStatusSuccess); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if req.State != model.InferenceCompleted || req.Status != model.InferenceStatusSuccess || req.TryCount != 0 {
		t.Fatalf("unexpected state after success: %+v", req)
	}
}

// TestServiceUpdateRetriesUntilCap exercises spec.md section 4.4's
// round-trip property at the documented boundary: a fail at
// tryCount==maxRetries-1 (one less than the cap) requeues, and the next
// fail (tryCount==maxRetries) is terminal.
func TestServiceUpdateRetriesUntilCap(t *testing.T) {
	repo := newFakeRepository()
	svc := New(repo, 2)
	ctx := context.Background()

	req := &model.InferenceRequest{TransactionID: "tx-1", InferenceRequestID: "req-1", State: model.InferenceInProcess, TryCount: 1}
	if err := svc.Update(ctx, req, model.InferenceStatusFail); err != nil {
		t.Fatalf("Update (first fail): %v", err)
	}
	if req.State != model.InferenceQueued || req.TryCount != 2 {
		t.Fatalf("expected requeue at tryCount=2, got %+v", req)
	}

	if err := svc.Update(ctx, req, model.InferenceStatusFail); err != nil {
		t.Fatalf("Update (second fail): %v", err)
	}
	if req.State != model.InferenceCompleted || req.Status != model.InferenceStatusFail || req.TryCount != 3 {
		t.Fatalf("expected terminal Completed/Fail at tryCount=3, got %+v", req)
	}
}
