package model

import "time"

// DataService names the protocol a file-storage metadata record originated
// from, spec.md section 3.
type DataService string

const (
	DataServiceDIMSE    DataService = "DIMSE"
	DataServiceDicomWeb DataService = "DicomWeb"
	DataServiceFhir     DataService = "Fhir"
	DataServiceHl7      DataService = "Hl7"
	DataServiceACR      DataService = "ACR"
)

// StorageLocation is the temporary-then-uploaded lifecycle of a single blob
// (the primary file, or its DICOM-JSON sidecar), spec.md section 3.
type StorageLocation struct {
	TemporaryPath string `json:"temporaryPath"`
	ContentType   string `json:"contentType"`
	Uploaded      bool   `json:"uploaded"`
	RemoteBucket  string `json:"remoteBucket,omitempty"`
	RemotePath    string `json:"remotePath,omitempty"`
	Failed        bool   `json:"failed,omitempty"`
}

// FileStorageMetadata is the per-received-object record from spec.md
// section 3. Its lifecycle: created by an ingestor, mutated by the upload
// worker (marks File uploaded, with its remote location, or failed),
// consumed by the assembler. The worker uploads File only; a JSONFile
// sidecar is not uploaded. Records are not deleted when the owning payload
// reaches Published.
type FileStorageMetadata struct {
	Identifier     string      `json:"identifier"`
	CorrelationID  string      `json:"correlationId"`
	PayloadID      string      `json:"payloadId,omitempty"`
	StudyUID       string      `json:"studyUid,omitempty"`
	SeriesUID      string      `json:"seriesUid,omitempty"`
	SOPInstanceUID string      `json:"sopInstanceUid,omitempty"`
	ResourceType   string      `json:"resourceType,omitempty"`
	ResourceID     string      `json:"resourceId,omitempty"`
	MessageControlID string    `json:"messageControlId,omitempty"`
	Source         string      `json:"source"`
	Destination    string      `json:"destination"`
	DataService    DataService `json:"dataService"`
	Workflows      []string    `json:"workflows,omitempty"`
	File           StorageLocation `json:"file"`
	JSONFile       *StorageLocation `json:"jsonFile,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// IsUploaded reports whether every blob this record owns has finished
// uploading. Used by the assembler to decide when Created can advance to
// Notify (spec.md section 4.2).
func (f *FileStorageMetadata) IsUploaded() bool {
	if !f.File.Uploaded {
		return false
	}
	if f.JSONFile != nil && !f.JSONFile.Uploaded {
		return false
	}
	return true
}

// IsFailed reports whether any blob this record owns failed its upload
// retries terminally.
func (f *FileStorageMetadata) IsFailed() bool {
	return f.File.Failed || (f.JSONFile != nil && f.JSONFile.Failed)
}

// GroupingKeyValue extracts the value the assembler groups on for the tag
// the owning Monai AE configured (DIMSE case): the Series UID for
// SeriesGroupingTag, the Study UID for any other tag, and the correlation id
// when that UID is empty. The DICOMweb and HL7 ingestors group on the
// correlation id directly and do not call it.
func (f *FileStorageMetadata) GroupingKeyValue(groupingTag string) string {
	switch groupingTag {
	case SeriesGroupingTag:
		if f.SeriesUID != "" {
			return f.SeriesUID
		}
	default:
		if f.StudyUID != "" {
			return f.StudyUID
		}
	}
	return f.CorrelationID
}
