package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// PayloadRepository persists model.Payload, the assembler's durable state
// for crash recovery: every state transition is written through Update
// before the assembler acts on it, so a restart can resume from whatever
// was last durably recorded.
type PayloadRepository struct {
	db *DB
}

func NewPayloadRepository(db *DB) *PayloadRepository { return &PayloadRepository{db: db} }

func (r *PayloadRepository) Create(ctx context.Context, p *model.Payload) error {
	data, err := joinJSON(p)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO payloads (payload_id, correlation_id, state, date_created, data) VALUES (?, ?, ?, ?, ?)`, 5),
		p.PayloadID, p.CorrelationID, string(p.State), p.DateCreated, data)
	if err != nil {
		return fmt.Errorf("store: creating payload %q: %w", p.PayloadID, err)
	}
	return nil
}

func (r *PayloadRepository) Update(ctx context.Context, p *model.Payload) error {
	data, err := joinJSON(p)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`UPDATE payloads SET correlation_id = ?, state = ?, data = ? WHERE payload_id = ?`, 4),
		p.CorrelationID, string(p.State), data, p.PayloadID)
	if err != nil {
		return fmt.Errorf("store: updating payload %q: %w", p.PayloadID, err)
	}
	return nil
}

func (r *PayloadRepository) Get(ctx context.Context, payloadID string) (*model.Payload, error) {
	var data string
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(`SELECT data FROM payloads WHERE payload_id = ?`, 1), payloadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: payload %q: %w", payloadID, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading payload %q: %w", payloadID, err)
	}
	var p model.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("store: decoding payload %q: %w", payloadID, err)
	}
	return &p, nil
}

// ListByState returns every payload in the given state, the set the
// assembler's periodic sweep (and crash-recovery startup scan) iterates
// over.
func (r *PayloadRepository) ListByState(ctx context.Context, state model.PayloadState) ([]*model.Payload, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.placeholder(`SELECT data FROM payloads WHERE state = ?`, 1), string(state))
	if err != nil {
		return nil, fmt.Errorf("store: listing payloads in state %q: %w", state, err)
	}
	defer rows.Close()
	var out []*model.Payload
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scanning payload: %w", err)
		}
		var p model.Payload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("store: decoding payload: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListAll returns every payload, used on startup to rebuild the assembler's
// in-memory bucket map after a crash.
func (r *PayloadRepository) ListAll(ctx context.Context) ([]*model.Payload, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT data FROM payloads`)
	if err != nil {
		return nil, fmt.Errorf("store: listing payloads: %w", err)
	}
	defer rows.Close()
	var out []*model.Payload
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scanning payload: %w", err)
		}
		var p model.Payload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("store: decoding payload: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PayloadRepository) Delete(ctx context.Context, payloadID string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(`DELETE FROM payloads WHERE payload_id = ?`, 1), payloadID)
	if err != nil {
		return fmt.Errorf("store: deleting payload %q: %w", payloadID, err)
	}
	return nil
}
