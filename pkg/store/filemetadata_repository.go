package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// FileMetadataRepository persists model.FileStorageMetadata. Full records
// are stored as a JSON blob (the "data" column), with uploaded/failed/
// payload_id pulled out as real columns for the predicates the upload
// worker and assembler actually query on — the hybrid perkeep's
// sqlkv.KeyValue (opaque value) and its sqlite schema (typed columns)
// would together suggest for a record this nested.
type FileMetadataRepository struct {
	db *DB
}

func NewFileMetadataRepository(db *DB) *FileMetadataRepository { return &FileMetadataRepository{db: db} }

func (r *FileMetadataRepository) Create(ctx context.Context, f *model.FileStorageMetadata) error {
	data, err := joinJSON(f)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO file_storage_metadata (identifier, correlation_id, payload_id, uploaded, failed, data)
		 VALUES (?, ?, ?, ?, ?, ?)`, 6),
		f.Identifier, f.CorrelationID, f.PayloadID, f.IsUploaded(), f.IsFailed(), data)
	if err != nil {
		return fmt.Errorf("store: creating file metadata %q: %w", f.Identifier, err)
	}
	return nil
}

func (r *FileMetadataRepository) Update(ctx context.Context, f *model.FileStorageMetadata) error {
	data, err := joinJSON(f)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`UPDATE file_storage_metadata SET correlation_id = ?, payload_id = ?, uploaded = ?, failed = ?, data = ? WHERE identifier = ?`, 6),
		f.CorrelationID, f.PayloadID, f.IsUploaded(), f.IsFailed(), data, f.Identifier)
	if err != nil {
		return fmt.Errorf("store: updating file metadata %q: %w", f.Identifier, err)
	}
	return nil
}

func (r *FileMetadataRepository) Get(ctx context.Context, identifier string) (*model.FileStorageMetadata, error) {
	var data string
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT data FROM file_storage_metadata WHERE identifier = ?`, 1), identifier).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: file metadata %q: %w", identifier, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading file metadata %q: %w", identifier, err)
	}
	var f model.FileStorageMetadata
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("store: decoding file metadata %q: %w", identifier, err)
	}
	return &f, nil
}

// ListPendingUpload returns every record not yet fully uploaded, the set
// the upload worker seeds its queue from on startup.
func (r *FileMetadataRepository) ListPendingUpload(ctx context.Context) ([]*model.FileStorageMetadata, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT data FROM file_storage_metadata WHERE uploaded = 0 AND failed = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending-upload file metadata: %w", err)
	}
	defer rows.Close()
	var out []*model.FileStorageMetadata
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scanning file metadata: %w", err)
		}
		var f model.FileStorageMetadata
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("store: decoding file metadata: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ListByPayload returns every file belonging to payloadID, the set the
// assembler reads when deciding whether a payload's files have all
// finished uploading.
func (r *FileMetadataRepository) ListByPayload(ctx context.Context, payloadID string) ([]*model.FileStorageMetadata, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.placeholder(
		`SELECT data FROM file_storage_metadata WHERE payload_id = ?`, 1), payloadID)
	if err != nil {
		return nil, fmt.Errorf("store: listing file metadata for payload %q: %w", payloadID, err)
	}
	defer rows.Close()
	var out []*model.FileStorageMetadata
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scanning file metadata: %w", err)
		}
		var f model.FileStorageMetadata
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("store: decoding file metadata: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (r *FileMetadataRepository) Delete(ctx context.Context, identifier string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(`DELETE FROM file_storage_metadata WHERE identifier = ?`, 1), identifier)
	if err != nil {
		return fmt.Errorf("store: deleting file metadata %q: %w", identifier, err)
	}
	return nil
}
