package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// InferenceRepository persists model.InferenceRequest and implements the
// FIFO-leasing Take spec.md section 4.4 describes: the oldest Queued
// request is moved to InProcess by a select followed by an update, with no
// row lock (see Take).
type InferenceRepository struct {
	db *DB
}

func NewInferenceRepository(db *DB) *InferenceRepository { return &InferenceRepository{db: db} }

func (r *InferenceRepository) Add(ctx context.Context, req *model.InferenceRequest) error {
	data, err := joinJSON(req)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO inference_requests (inference_request_id, transaction_id, state, status, date_created, data)
		 VALUES (?, ?, ?, ?, ?, ?)`, 6),
		req.InferenceRequestID, req.TransactionID, string(req.State), string(req.Status), req.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("store: adding inference request %q: %w", req.TransactionID, err)
	}
	return nil
}

// Take leases the oldest Queued request by moving it to InProcess,
// returning nil with no error if none is queued. tryCount is untouched
// here: per spec.md section 4.4, it only increments when Update(req,
// result) is called with a failed result. The select-then-conditional-
// update is the same optimistic approach perkeep/pkg/sorted/sqlkv.KeyValue.Set
// uses for REPLACE INTO: no explicit row lock, just a narrow enough window
// that a single-writer deployment (the gateway's own worker, not
// concurrent external writers) never races itself.
func (r *InferenceRepository) Take(ctx context.Context) (*model.InferenceRequest, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.placeholder(
		`SELECT data FROM inference_requests WHERE state = ? ORDER BY date_created ASC LIMIT 1`, 1), string(model.InferenceQueued))
	if err != nil {
		return nil, fmt.Errorf("store: selecting queued inference request: %w", err)
	}
	var data string
	found := rows.Next()
	if found {
		err = rows.Scan(&data)
	}
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: scanning queued inference request: %w", err)
	}
	if !found {
		return nil, nil
	}
	var req model.InferenceRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("store: decoding inference request: %w", err)
	}
	req.State = model.InferenceInProcess
	if err := r.Update(ctx, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *InferenceRepository) Update(ctx context.Context, req *model.InferenceRequest) error {
	data, err := joinJSON(req)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`UPDATE inference_requests SET state = ?, status = ?, data = ? WHERE inference_request_id = ?`, 4),
		string(req.State), string(req.Status), data, req.InferenceRequestID)
	if err != nil {
		return fmt.Errorf("store: updating inference request %q: %w", req.TransactionID, err)
	}
	return nil
}

func (r *InferenceRepository) GetByID(ctx context.Context, id string) (*model.InferenceRequest, error) {
	return r.getWhere(ctx, "inference_request_id", id)
}

func (r *InferenceRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.InferenceRequest, error) {
	return r.getWhere(ctx, "transaction_id", transactionID)
}

func (r *InferenceRepository) getWhere(ctx context.Context, column, value string) (*model.InferenceRequest, error) {
	var data string
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		fmt.Sprintf(`SELECT data FROM inference_requests WHERE %s = ?`, column), 1), value).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: inference request %s=%q: %w", column, value, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading inference request %s=%q: %w", column, value, err)
	}
	var req model.InferenceRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("store: decoding inference request: %w", err)
	}
	return &req, nil
}

// Exists reports whether a request with transactionID has already been
// added, the dedup check spec.md section 4.4 calls out.
func (r *InferenceRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	var n int
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT COUNT(*) FROM inference_requests WHERE transaction_id = ?`, 1), transactionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: checking inference request existence %q: %w", transactionID, err)
	}
	return n > 0, nil
}
