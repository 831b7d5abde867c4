package model

import "time"

// InferenceState is the Queued -> InProcess -> Completed state machine from
// spec.md section 3/4.4.
type InferenceState string

const (
	InferenceQueued    InferenceState = "Queued"
	InferenceInProcess InferenceState = "InProcess"
	InferenceCompleted InferenceState = "Completed"
)

// InferenceStatus qualifies a Completed InferenceRequest.
type InferenceStatus string

const (
	InferenceStatusUnknown InferenceStatus = "Unknown"
	InferenceStatusSuccess InferenceStatus = "Success"
	InferenceStatusFail    InferenceStatus = "Fail"
)

// ResourceType distinguishes a DicomWeb destination from other output
// resource kinds an inference request might carry.
type ResourceType string

const (
	ResourceDicomWeb ResourceType = "DicomWeb"
	ResourceFhir     ResourceType = "Fhir"
	ResourceInterface ResourceType = "Interface"
)

// AuthType is the outbound auth scheme spec.md section 4.6 names.
type AuthType string

const (
	AuthNone   AuthType = "None"
	AuthBasic  AuthType = "Basic"
	AuthBearer AuthType = "Bearer"
)

// OutputResource is one destination an inference request's results should
// be exported to.
type OutputResource struct {
	ResourceType           ResourceType `json:"resourceType"`
	URI                    string       `json:"uri"`
	AuthType               AuthType     `json:"authType"`
	AuthID                 string       `json:"authId,omitempty"`
	OutputPlugInAssemblies []string     `json:"outputPlugInAssemblies,omitempty"`
}

// InferenceRequest is the remote-processing job descriptor from spec.md
// section 3/4.4.
type InferenceRequest struct {
	TransactionID      string           `json:"transactionId"`
	InferenceRequestID string           `json:"inferenceRequestId"`
	Priority           int              `json:"priority"`
	InputResources     []string         `json:"inputResources"`
	OutputResources    []OutputResource `json:"outputResources"`
	InputMetadata      map[string]string `json:"inputMetadata,omitempty"`
	State              InferenceState   `json:"state"`
	Status             InferenceStatus  `json:"status"`
	TryCount           int              `json:"tryCount"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// DicomWebDestinations filters OutputResources down to the DicomWeb ones,
// the lookup spec.md section 4.6 step 2 performs.
func (r *InferenceRequest) DicomWebDestinations() []OutputResource {
	var out []OutputResource
	for _, res := range r.OutputResources {
		if res.ResourceType == ResourceDicomWeb {
			out = append(out, res)
		}
	}
	return out
}
