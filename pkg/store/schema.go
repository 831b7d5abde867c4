package store

import "fmt"

// createTableStatements mirrors perkeep/pkg/sorted/sqlite.SQLCreateTables:
// a plain list of CREATE TABLE statements run once against a fresh
// database, sized to the aggregates spec.md section 4 defines.
func createTableStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS monai_application_entities (
  name VARCHAR(200) NOT NULL PRIMARY KEY,
  ae_title VARCHAR(16) NOT NULL,
  grouping_tag VARCHAR(16) NOT NULL,
  workflows VARCHAR(4000),
  plugins VARCHAR(4000),
  allowed_sop_classes VARCHAR(4000),
  ignored_sop_classes VARCHAR(4000),
  timeout INTEGER,
  created_by VARCHAR(200),
  updated_by VARCHAR(200),
  date_created TIMESTAMP,
  date_updated TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS source_application_entities (
  ae_title VARCHAR(16) NOT NULL,
  host_ip VARCHAR(255) NOT NULL,
  name VARCHAR(200),
  created_by VARCHAR(200),
  updated_by VARCHAR(200),
  date_created TIMESTAMP,
  date_updated TIMESTAMP,
  PRIMARY KEY (ae_title, host_ip)
)`,
		`CREATE TABLE IF NOT EXISTS destination_application_entities (
  name VARCHAR(200) NOT NULL PRIMARY KEY,
  ae_title VARCHAR(16) NOT NULL,
  host_ip VARCHAR(255) NOT NULL,
  port INTEGER NOT NULL,
  created_by VARCHAR(200),
  updated_by VARCHAR(200),
  date_created TIMESTAMP,
  date_updated TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS virtual_application_entities (
  name VARCHAR(200) NOT NULL PRIMARY KEY,
  workflows VARCHAR(4000),
  plugins VARCHAR(4000),
  created_by VARCHAR(200),
  updated_by VARCHAR(200),
  date_created TIMESTAMP,
  date_updated TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS file_storage_metadata (
  identifier VARCHAR(200) NOT NULL PRIMARY KEY,
  correlation_id VARCHAR(64) NOT NULL,
  payload_id VARCHAR(64),
  uploaded BOOLEAN NOT NULL DEFAULT 0,
  failed BOOLEAN NOT NULL DEFAULT 0,
  data TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS payloads (
  payload_id VARCHAR(64) NOT NULL PRIMARY KEY,
  correlation_id VARCHAR(64) NOT NULL,
  state VARCHAR(32) NOT NULL,
  date_created TIMESTAMP NOT NULL,
  data TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS inference_requests (
  inference_request_id VARCHAR(64) NOT NULL PRIMARY KEY,
  transaction_id VARCHAR(200) NOT NULL,
  state VARCHAR(32) NOT NULL,
  status VARCHAR(32) NOT NULL,
  date_created TIMESTAMP NOT NULL,
  data TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS association_infos (
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  correlation_id VARCHAR(64) NOT NULL,
  date_time_started TIMESTAMP NOT NULL,
  data TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS remote_app_executions (
  outgoing_uid VARCHAR(200) NOT NULL PRIMARY KEY,
  request_time TIMESTAMP NOT NULL
)`,
	}
}

func (db *DB) migrate() error {
	for _, stmt := range createTableStatements() {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("store: running migration: %w", err)
		}
	}
	return nil
}
