package model

// DataOrigin records the service/source/destination triple that produced one
// batch of files within a payload, spec.md section 4.2.
type DataOrigin struct {
	Service     DataService `json:"dataService"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
}

// WorkflowRequestFile is one object reference inside a WorkflowRequestEvent.
type WorkflowRequestFile struct {
	Path     string          `json:"path"`
	Metadata FileStorageMetadata `json:"metadata"`
}

// WorkflowRequestEvent is published to the message bus when a payload
// reaches Notify, spec.md section 4.2/6.
type WorkflowRequestEvent struct {
	PayloadID     string                `json:"payloadId"`
	Bucket        string                `json:"bucket"`
	CorrelationID string                `json:"correlationId"`
	Workflows     []string              `json:"workflows,omitempty"`
	DataTrigger   DataOrigin            `json:"dataTrigger"`
	DataOrigins   []DataOrigin          `json:"dataOrigins"`
	Files         []WorkflowRequestFile `json:"files"`
}

// ExportRequestEvent is consumed from the bus by the export pipeline,
// spec.md section 4.5.
type ExportRequestEvent struct {
	ExportTaskID string   `json:"exportTaskId"`
	Files        []string `json:"files"`
	Destinations []string `json:"destinations"`
	WorkflowInstanceID string `json:"workflowInstanceId,omitempty"`
	CorrelationID string  `json:"correlationId,omitempty"`
}

// FileExportStatus is the per-file result spec.md section 4.5/7 names.
type FileExportStatus string

const (
	FileExportSuccess          FileExportStatus = "Success"
	FileExportDownloadError    FileExportStatus = "DownloadError"
	FileExportConfigurationError FileExportStatus = "ConfigurationError"
	FileExportServiceError     FileExportStatus = "ServiceError"
)

// ExportStatus is the aggregate result of an export task.
type ExportStatus string

const (
	ExportSuccess ExportStatus = "Success"
	ExportFailure ExportStatus = "Failure"
)

// ExportCompleteEvent is published when every file in an ExportRequestEvent
// has a terminal status, spec.md section 4.5.
type ExportCompleteEvent struct {
	ExportTaskID string                      `json:"exportTaskId"`
	Status       ExportStatus                `json:"status"`
	FileStatuses map[string]FileExportStatus `json:"fileStatuses"`
	Message      string                      `json:"message,omitempty"`
}
