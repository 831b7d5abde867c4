// Package inference wraps the inference-request repository with the
// validation and state-machine rules from spec.md section 4.4/4.6: dedup on
// transaction id, Queued -> InProcess -> Completed transitions, and the
// DicomWeb-destination lookup the export pipeline needs at completion.
package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/monai-gateway/informatics-gateway/pkg/gatewayerr"
	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// Repository is the subset of store.InferenceRepository this service uses.
type Repository interface {
	Add(ctx context.Context, req *model.InferenceRequest) error
	Take(ctx context.Context) (*model.InferenceRequest, error)
	Update(ctx context.Context, req *model.InferenceRequest) error
	GetByID(ctx context.Context, id string) (*model.InferenceRequest, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*model.InferenceRequest, error)
	Exists(ctx context.Context, transactionID string) (bool, error)
}

// Service is the inference-request use case surface spec.md section 4.4/4.6
// exposes to callers: the DICOMweb/DIMSE inbound trigger on one side, the
// export pipeline's completion path on the other.
type Service struct {
	repo       Repository
	maxRetries int
}

// New builds a Service. maxRetries is len(retryDelays) from spec.md section
// 4.4's Update(req, result) rule — database.retries.delaysMilliseconds, the
// retry policy section 4.4 itself wraps its writes in.
func New(repo Repository, maxRetries int) *Service { return &Service{repo: repo, maxRetries: maxRetries} }

// Add validates and persists a new request, rejecting a duplicate
// transaction id per spec.md section 4.4's admission rule.
func (s *Service) Add(ctx context.Context, req *model.InferenceRequest) error {
	if req.TransactionID == "" {
		return gatewayerr.Validation("inference.Add", fmt.Errorf("transactionId is required"))
	}
	exists, err := s.repo.Exists(ctx, req.TransactionID)
	if err != nil {
		return gatewayerr.Transient("inference.Add", err)
	}
	if exists {
		return gatewayerr.Admission("inference.Add", fmt.Errorf("transaction %q already exists", req.TransactionID))
	}
	if req.InferenceRequestID == "" {
		req.InferenceRequestID = uuid.NewString()
	}
	req.State = model.InferenceQueued
	req.Status = model.InferenceStatusUnknown
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	if err := s.repo.Add(ctx, req); err != nil {
		return gatewayerr.Transient("inference.Add", err)
	}
	return nil
}

// Take leases the oldest Queued request, or returns nil with no error if
// the queue is empty.
func (s *Service) Take(ctx context.Context) (*model.InferenceRequest, error) {
	req, err := s.repo.Take(ctx)
	if err != nil {
		return nil, gatewayerr.Transient("inference.Take", err)
	}
	return req, nil
}

// Update applies spec.md section 4.4's Update(req, result) transition. On
// success req is terminally Completed/Success. On fail tryCount is
// incremented first, then compared against maxRetries: past the cap req is
// terminally Completed/Fail, otherwise it goes back to Queued for another
// attempt.
func (s *Service) Update(ctx context.Context, req *model.InferenceRequest, result model.InferenceStatus) error {
	req.UpdatedAt = time.Now()
	if result == model.InferenceStatusSuccess {
		req.State = model.InferenceCompleted
		req.Status = model.InferenceStatusSuccess
	} else {
		req.TryCount++
		if req.TryCount > s.maxRetries {
			req.State = model.InferenceCompleted
			req.Status = model.InferenceStatusFail
		} else {
			req.State = model.InferenceQueued
		}
	}
	if err := s.repo.Update(ctx, req); err != nil {
		return gatewayerr.Transient("inference.Update", err)
	}
	return nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*model.InferenceRequest, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, gatewayerr.Transient("inference.GetByID", err)
	}
	return req, nil
}

func (s *Service) GetByTransactionID(ctx context.Context, transactionID string) (*model.InferenceRequest, error) {
	req, err := s.repo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, gatewayerr.Transient("inference.GetByTransactionID", err)
	}
	return req, nil
}

// Status reports a request's current state/status pair, the surface a
// status-polling HTTP endpoint reads from, per spec.md section 4.6.
func (s *Service) Status(ctx context.Context, transactionID string) (model.InferenceState, model.InferenceStatus, error) {
	req, err := s.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return "", "", err
	}
	return req.State, req.Status, nil
}
