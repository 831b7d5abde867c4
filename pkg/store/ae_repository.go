package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/monai-gateway/informatics-gateway/pkg/model"
)

// AERepository persists the three network-facing application-entity
// flavors from spec.md section 3. The REPLACE-then-read-back shape is
// adapted from perkeep/pkg/sorted/sqlkv.KeyValue.Set/Get, generalized from
// opaque key/value rows to named columns since callers need to query by
// AE title, not just by primary key.
type AERepository struct {
	db *DB
}

func NewAERepository(db *DB) *AERepository { return &AERepository{db: db} }

func joinJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encoding %T: %w", v, err)
	}
	return string(b), nil
}

func (r *AERepository) CreateMonaiAE(ctx context.Context, ae *model.MonaiApplicationEntity) error {
	workflows, err := joinJSON(ae.Workflows)
	if err != nil {
		return err
	}
	plugins, err := joinJSON(ae.PlugInAssemblies)
	if err != nil {
		return err
	}
	allowed, err := joinJSON(ae.AllowedSopClasses)
	if err != nil {
		return err
	}
	ignored, err := joinJSON(ae.IgnoredSopClasses)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO monai_application_entities
		 (name, ae_title, grouping_tag, workflows, plugins, allowed_sop_classes, ignored_sop_classes, timeout, created_by, updated_by, date_created, date_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, 12),
		ae.Name, ae.AETitle, ae.Grouping, workflows, plugins, allowed, ignored, ae.TimeoutSeconds,
		ae.CreatedBy, ae.UpdatedBy, ae.CreatedAt, ae.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: creating monai AE %q: %w", ae.Name, err)
	}
	return nil
}

func (r *AERepository) GetMonaiAE(ctx context.Context, name string) (*model.MonaiApplicationEntity, error) {
	row := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT name, ae_title, grouping_tag, workflows, plugins, allowed_sop_classes, ignored_sop_classes, timeout, created_by, updated_by, date_created, date_updated
		 FROM monai_application_entities WHERE name = ?`, 1), name)
	return scanMonaiAE(row)
}

// FindMonaiAEByTitle looks up the called AE an incoming association names,
// the admission-policy lookup spec.md section 4.1 requires (AE title is not
// the primary key here, since spec.md section 3 keys Monai AEs by name).
func (r *AERepository) FindMonaiAEByTitle(ctx context.Context, aeTitle string) (*model.MonaiApplicationEntity, error) {
	row := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT name, ae_title, grouping_tag, workflows, plugins, allowed_sop_classes, ignored_sop_classes, timeout, created_by, updated_by, date_created, date_updated
		 FROM monai_application_entities WHERE ae_title = ?`, 1), aeTitle)
	return scanMonaiAE(row)
}

func (r *AERepository) ListMonaiAEs(ctx context.Context) ([]*model.MonaiApplicationEntity, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT name, ae_title, grouping_tag, workflows, plugins, allowed_sop_classes, ignored_sop_classes, timeout, created_by, updated_by, date_created, date_updated
		 FROM monai_application_entities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing monai AEs: %w", err)
	}
	defer rows.Close()
	var out []*model.MonaiApplicationEntity
	for rows.Next() {
		ae, err := scanMonaiAE(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

func (r *AERepository) DeleteMonaiAE(ctx context.Context, name string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(
		`DELETE FROM monai_application_entities WHERE name = ?`, 1), name)
	if err != nil {
		return fmt.Errorf("store: deleting monai AE %q: %w", name, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMonaiAE(row scanner) (*model.MonaiApplicationEntity, error) {
	var ae model.MonaiApplicationEntity
	var workflows, plugins, allowed, ignored string
	err := row.Scan(&ae.Name, &ae.AETitle, &ae.Grouping, &workflows, &plugins, &allowed, &ignored,
		&ae.TimeoutSeconds, &ae.CreatedBy, &ae.UpdatedBy, &ae.CreatedAt, &ae.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: monai AE not found: %w", errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning monai AE: %w", err)
	}
	for _, pair := range []struct {
		src string
		dst *[]string
	}{{workflows, &ae.Workflows}, {plugins, &ae.PlugInAssemblies}, {allowed, &ae.AllowedSopClasses}, {ignored, &ae.IgnoredSopClasses}} {
		if pair.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.src), pair.dst); err != nil {
			return nil, fmt.Errorf("store: decoding monai AE %q field: %w", ae.Name, err)
		}
	}
	return &ae, nil
}

// source application entities

func (r *AERepository) CreateSourceAE(ctx context.Context, ae *model.SourceApplicationEntity) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO source_application_entities (ae_title, host_ip, name, created_by, updated_by, date_created, date_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, 7),
		ae.AETitle, ae.HostIP, ae.Name, ae.CreatedBy, ae.UpdatedBy, ae.CreatedAt, ae.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: creating source AE %s/%s: %w", ae.AETitle, ae.HostIP, err)
	}
	return nil
}

func (r *AERepository) FindSourceAE(ctx context.Context, aeTitle, hostIP string) (*model.SourceApplicationEntity, error) {
	var ae model.SourceApplicationEntity
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT ae_title, host_ip, name, created_by, updated_by, date_created, date_updated
		 FROM source_application_entities WHERE ae_title = ? AND host_ip = ?`, 2), aeTitle, hostIP).
		Scan(&ae.AETitle, &ae.HostIP, &ae.Name, &ae.CreatedBy, &ae.UpdatedBy, &ae.CreatedAt, &ae.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: source AE %s/%s: %w", aeTitle, hostIP, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading source AE %s/%s: %w", aeTitle, hostIP, err)
	}
	return &ae, nil
}

func (r *AERepository) ListSourceAEs(ctx context.Context) ([]*model.SourceApplicationEntity, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT ae_title, host_ip, name, created_by, updated_by, date_created, date_updated FROM source_application_entities ORDER BY ae_title`)
	if err != nil {
		return nil, fmt.Errorf("store: listing source AEs: %w", err)
	}
	defer rows.Close()
	var out []*model.SourceApplicationEntity
	for rows.Next() {
		var ae model.SourceApplicationEntity
		if err := rows.Scan(&ae.AETitle, &ae.HostIP, &ae.Name, &ae.CreatedBy, &ae.UpdatedBy, &ae.CreatedAt, &ae.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning source AE: %w", err)
		}
		out = append(out, &ae)
	}
	return out, rows.Err()
}

func (r *AERepository) DeleteSourceAE(ctx context.Context, aeTitle, hostIP string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(
		`DELETE FROM source_application_entities WHERE ae_title = ? AND host_ip = ?`, 2), aeTitle, hostIP)
	if err != nil {
		return fmt.Errorf("store: deleting source AE %s/%s: %w", aeTitle, hostIP, err)
	}
	return nil
}

// destination application entities

func (r *AERepository) CreateDestinationAE(ctx context.Context, ae *model.DestinationApplicationEntity) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO destination_application_entities (name, ae_title, host_ip, port, created_by, updated_by, date_created, date_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, 8),
		ae.Name, ae.AETitle, ae.HostIP, ae.Port, ae.CreatedBy, ae.UpdatedBy, ae.CreatedAt, ae.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: creating destination AE %q: %w", ae.Name, err)
	}
	return nil
}

func (r *AERepository) GetDestinationAE(ctx context.Context, name string) (*model.DestinationApplicationEntity, error) {
	var ae model.DestinationApplicationEntity
	err := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT name, ae_title, host_ip, port, created_by, updated_by, date_created, date_updated
		 FROM destination_application_entities WHERE name = ?`, 1), name).
		Scan(&ae.Name, &ae.AETitle, &ae.HostIP, &ae.Port, &ae.CreatedBy, &ae.UpdatedBy, &ae.CreatedAt, &ae.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: destination AE %q: %w", name, errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading destination AE %q: %w", name, err)
	}
	return &ae, nil
}

func (r *AERepository) ListDestinationAEs(ctx context.Context) ([]*model.DestinationApplicationEntity, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT name, ae_title, host_ip, port, created_by, updated_by, date_created, date_updated FROM destination_application_entities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing destination AEs: %w", err)
	}
	defer rows.Close()
	var out []*model.DestinationApplicationEntity
	for rows.Next() {
		var ae model.DestinationApplicationEntity
		if err := rows.Scan(&ae.Name, &ae.AETitle, &ae.HostIP, &ae.Port, &ae.CreatedBy, &ae.UpdatedBy, &ae.CreatedAt, &ae.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning destination AE: %w", err)
		}
		out = append(out, &ae)
	}
	return out, rows.Err()
}

func (r *AERepository) DeleteDestinationAE(ctx context.Context, name string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(`DELETE FROM destination_application_entities WHERE name = ?`, 1), name)
	if err != nil {
		return fmt.Errorf("store: deleting destination AE %q: %w", name, err)
	}
	return nil
}

// virtual application entities

func (r *AERepository) CreateVirtualAE(ctx context.Context, ae *model.VirtualApplicationEntity) error {
	workflows, err := joinJSON(ae.Workflows)
	if err != nil {
		return err
	}
	plugins, err := joinJSON(ae.PlugInAssemblies)
	if err != nil {
		return err
	}
	_, err = r.db.conn.ExecContext(ctx, r.db.placeholder(
		`INSERT INTO virtual_application_entities (name, workflows, plugins, created_by, updated_by, date_created, date_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, 7),
		ae.Name, workflows, plugins, ae.CreatedBy, ae.UpdatedBy, ae.CreatedAt, ae.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: creating virtual AE %q: %w", ae.Name, err)
	}
	return nil
}

// FindVirtualAEByName resolves the optional {workflow} path segment in the
// STOW-RS URL (spec.md section 6) to its configured workflow ids and
// plug-in chain, the DICOMweb analogue of FindMonaiAEByTitle.
func (r *AERepository) FindVirtualAEByName(ctx context.Context, name string) (*model.VirtualApplicationEntity, error) {
	row := r.db.conn.QueryRowContext(ctx, r.db.placeholder(
		`SELECT name, workflows, plugins, created_by, updated_by, date_created, date_updated
		 FROM virtual_application_entities WHERE name = ?`, 1), name)
	return scanVirtualAE(row)
}

func (r *AERepository) ListVirtualAEs(ctx context.Context) ([]*model.VirtualApplicationEntity, error) {
	rows, err := r.db.conn.QueryContext(ctx,
		`SELECT name, workflows, plugins, created_by, updated_by, date_created, date_updated
		 FROM virtual_application_entities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: listing virtual AEs: %w", err)
	}
	defer rows.Close()
	var out []*model.VirtualApplicationEntity
	for rows.Next() {
		ae, err := scanVirtualAE(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ae)
	}
	return out, rows.Err()
}

func (r *AERepository) DeleteVirtualAE(ctx context.Context, name string) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.placeholder(`DELETE FROM virtual_application_entities WHERE name = ?`, 1), name)
	if err != nil {
		return fmt.Errorf("store: deleting virtual AE %q: %w", name, err)
	}
	return nil
}

func scanVirtualAE(row scanner) (*model.VirtualApplicationEntity, error) {
	var ae model.VirtualApplicationEntity
	var workflows, plugins string
	err := row.Scan(&ae.Name, &workflows, &plugins, &ae.CreatedBy, &ae.UpdatedBy, &ae.CreatedAt, &ae.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: virtual AE not found: %w", errNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning virtual AE: %w", err)
	}
	for _, pair := range []struct {
		src string
		dst *[]string
	}{{workflows, &ae.Workflows}, {plugins, &ae.PlugInAssemblies}} {
		if pair.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.src), pair.dst); err != nil {
			return nil, fmt.Errorf("store: decoding virtual AE %q field: %w", ae.Name, err)
		}
	}
	return &ae, nil
}
