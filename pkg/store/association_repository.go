package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// AssociationRepository persists model.AssociationInfo, the audit record
// written on every DIMSE association close (a supplemented feature this
// module's core never had an explicit repository for in the distilled
// specification, grounded on the destination-AE repositories' shape).
type AssociationRepository struct {
	db *DB
}

func NewAssociationRepository(db *DB) *AssociationRepository { return &AssociationRepository{db: db} }

func (r *AssociationRepository) Create(ctx context.Context, a *model.AssociationInfo) error {
	data, err := joinJSON(a)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO association_infos (id, correlation_id, date_time_started, data) VALUES (?, ?, ?, ?)`, 4),
		a.ID, a.CorrelationID, a.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("store: creating association record %q: %w", a.ID, err)
	}
	return nil
}

func (r *AssociationRepository) Update(ctx context.Context, a *model.AssociationInfo) error {
	data, err := joinJSON(a)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`UPDATE association_infos SET data = ? WHERE id = ?`, 2), data, a.ID)
	if err != nil {
		return fmt.Errorf("store: updating association record %q: %w", a.ID, err)
	}
	return nil
}

func (r *AssociationRepository) Get(ctx context.Context, id string) (*model.AssociationInfo, error) {
	var data string
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(`SELECT data FROM association_infos WHERE id = ?`, 1), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: association record %q: %w", id, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading association record %q: %w", id, err)
	}
	var a model.AssociationInfo
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("store: decoding association record %q: %w", id, err)
	}
	return &a, nil
}

// RemoteAppExecutionRepository persists model.RemoteAppExecution, the
// outbound-proxy dedup record spec.md section 3/6 describes: unique
// OutgoingUID, swept on a TTL by Sweep.
type RemoteAppExecutionRepository struct {
	db *DB
}

func NewRemoteAppExecutionRepository(db *DB) *RemoteAppExecutionRepository {
	return &RemoteAppExecutionRepository{db: db}
}

func (r *RemoteAppExecutionRepository) Add(ctx context.Context, e *model.RemoteAppExecution) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO remote_app_executions (outgoing_uid, request_time) VALUES (?, ?)`, 2),
		e.OutgoingUID, e.RequestTime)
	if err != nil {
		return fmt.Errorf("store: recording remote app execution %q: %w", e.OutgoingUID, err)
	}
	return nil
}

func (r *RemoteAppExecutionRepository) Exists(ctx context.Context, outgoingUID string) (bool, error) {
	var n int
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT COUNT(*) FROM remote_app_executions WHERE outgoing_uid = ?`, 1), outgoingUID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: checking remote app execution %q: %w", outgoingUID, err)
	}
	return n > 0, nil
}

// Sweep deletes every record older than ttl, the TTL cleanup spec.md
// section 6 requires for this table so it doesn't grow unbounded.
func (r *RemoteAppExecutionRepository) Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	cutoff := now.Add(-ttl)
	result, err := r.db.conn.ExecContext(ctx, r.db.placeholder(
		`DELETE FROM remote_app_executions WHERE request_time < ?`, 1), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweeping remote app executions before %s: %w", cutoff, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting swept remote app executions: %w", err)
	}
	return n, nil
}
