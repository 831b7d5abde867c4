// Package config loads and validates the gateway's configuration keys from
// spec.md section 6. Loading a config file and wiring it to a CLI front end
// is explicitly out of core scope (spec.md section 1); this package only
// exposes Load(path) and the typed Config it validates, the way
// perkeep/pkg/serverconfig validates a jsonconfig.Obj against range rules
// before handing components a typed low-level config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DicomConfig holds dicom.scp.* and dicom.scu.* keys.
type DicomConfig struct {
	SCPPort                    int    `json:"scpPort"`
	SCPMaxAssociations         int    `json:"scpMaxAssociations"`
	SCPRejectUnknownSources    bool   `json:"scpRejectUnknownSources"`
	SCPVerificationDisabled    bool   `json:"scpVerificationServiceDisabled"`
	SCUAETitle                 string `json:"scuAeTitle"`
}

// DicomWebConfig holds dicomWeb.* keys.
type DicomWebConfig struct {
	ClientTimeoutSeconds int `json:"clientTimeoutSeconds"`
}

// RetryConfig holds a delays-in-milliseconds list, the shape
// storage.retries.retryDelays and database.retries.delaysMilliseconds share
// in spec.md section 6.
type RetryConfig struct {
	DelaysMilliseconds []int `json:"delaysMilliseconds"`
}

// Delays converts DelaysMilliseconds to time.Duration, the form
// pkg/retry.Policy wants.
func (r RetryConfig) Delays() []time.Duration {
	out := make([]time.Duration, len(r.DelaysMilliseconds))
	for i, ms := range r.DelaysMilliseconds {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// TemporaryDataStorage selects where C-STORE/STOW bytes land before upload.
type TemporaryDataStorage string

const (
	TemporaryDataMemory TemporaryDataStorage = "Memory"
	TemporaryDataDisk   TemporaryDataStorage = "Disk"
)

// StorageConfig holds storage.* keys.
type StorageConfig struct {
	WatermarkPercent       int                   `json:"watermarkPercent"`
	ReserveSpaceGB         int                   `json:"reserveSpaceGB"`
	ConcurrentUploads      int                   `json:"concurrentUploads"`
	PayloadProcessThreads  int                   `json:"payloadProcessThreads"`
	TemporaryDataStorage   TemporaryDataStorage  `json:"temporaryDataStorage"`
	LocalTemporaryStoragePath string             `json:"localTemporaryStoragePath"`
	BucketName             string                `json:"bucketName"`
	TemporaryBucketName    string                `json:"temporaryBucketName"`
	Retries                RetryConfig           `json:"retries"`
}

// DatabaseConfig holds database.* keys.
type DatabaseConfig struct {
	Driver   string      `json:"driver"`
	DSN      string      `json:"dsn"`
	Retries  RetryConfig `json:"retries"`
}

// HL7Config holds hl7.* keys.
type HL7Config struct {
	Port int `json:"port"`
}

// BusConfig names the message-bus topics, also config per spec.md section 6.
type BusConfig struct {
	URL                  string `json:"url"`
	WorkflowRequestTopic string `json:"workflowRequestTopic"`
	ExportRequestTopic   string `json:"exportRequestTopic"`
	ExportCompleteTopic  string `json:"exportCompleteTopic"`
}

// Config is the fully validated, typed configuration the core's components
// are constructed from.
type Config struct {
	Dicom     DicomConfig    `json:"dicom"`
	DicomWeb  DicomWebConfig `json:"dicomWeb"`
	Storage   StorageConfig  `json:"storage"`
	Database  DatabaseConfig `json:"database"`
	HL7       HL7Config      `json:"hl7"`
	Bus       BusConfig      `json:"bus"`
}

// Default returns a Config with every bounded key set to the default spec.md
// section 6 implies, for use by tests and as a starting point for overrides.
func Default() Config {
	return Config{
		Dicom: DicomConfig{
			SCPPort:            104,
			SCPMaxAssociations: 10,
			SCUAETitle:         "GATEWAYSCU",
		},
		DicomWeb: DicomWebConfig{ClientTimeoutSeconds: 30},
		Storage: StorageConfig{
			WatermarkPercent:      85,
			ReserveSpaceGB:        5,
			ConcurrentUploads:     4,
			PayloadProcessThreads: 4,
			TemporaryDataStorage:  TemporaryDataDisk,
			BucketName:            "monai",
			TemporaryBucketName:   "monai-temp",
			Retries:               RetryConfig{DelaysMilliseconds: []int{1000, 2000, 4000}},
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			DSN:     "gateway.db",
			Retries: RetryConfig{DelaysMilliseconds: []int{500, 1000, 2000}},
		},
		HL7: HL7Config{Port: 2575},
		Bus: BusConfig{
			WorkflowRequestTopic: "workflowrequest",
			ExportRequestTopic:   "exportrequest",
			ExportCompleteTopic:  "exportcomplete",
		},
	}
}

// errList accumulates validation errors the way perkeep/pkg/jsonconfig
// accumulates missing/malformed-key errors, so Validate reports everything
// wrong in one pass instead of failing key-by-key.
type errList []error

func (e *errList) add(format string, args ...interface{}) {
	*e = append(*e, fmt.Errorf(format, args...))
}

func (e errList) err() error {
	if len(e) == 0 {
		return nil
	}
	msg := "config: invalid configuration:"
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}

// Validate enforces every bounded key from spec.md section 6.
func (c Config) Validate() error {
	var errs errList
	if c.Dicom.SCPMaxAssociations < 1 || c.Dicom.SCPMaxAssociations > 1000 {
		errs.add("dicom.scp.maxAssociations %d out of range [1,1000]", c.Dicom.SCPMaxAssociations)
	}
	if c.DicomWeb.ClientTimeoutSeconds <= 0 {
		errs.add("dicomWeb.clientTimeoutSeconds %d must be > 0", c.DicomWeb.ClientTimeoutSeconds)
	}
	if c.Storage.WatermarkPercent < 1 || c.Storage.WatermarkPercent > 100 {
		errs.add("storage.watermarkPercent %d out of range [1,100]", c.Storage.WatermarkPercent)
	}
	if c.Storage.ReserveSpaceGB < 1 || c.Storage.ReserveSpaceGB > 999 {
		errs.add("storage.reserveSpaceGB %d out of range [1,999]", c.Storage.ReserveSpaceGB)
	}
	if c.Storage.ConcurrentUploads < 1 || c.Storage.ConcurrentUploads > 128 {
		errs.add("storage.concurrentUploads %d out of range [1,128]", c.Storage.ConcurrentUploads)
	}
	if c.Storage.PayloadProcessThreads < 1 || c.Storage.PayloadProcessThreads > 128 {
		errs.add("storage.payloadProcessThreads %d out of range [1,128]", c.Storage.PayloadProcessThreads)
	}
	if c.Storage.TemporaryDataStorage != TemporaryDataMemory && c.Storage.TemporaryDataStorage != TemporaryDataDisk {
		errs.add("storage.temporaryDataStorage %q must be Memory or Disk", c.Storage.TemporaryDataStorage)
	}
	return errs.err()
}

// Load reads a JSON config file from path, applying defaults for anything
// the file omits, then validates the result. The CLI front end that decides
// which path to pass (including any GATEWAY_CONFIG_FILE env override) is
// out of core scope; Load only knows how to turn a path into a validated
// Config.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
