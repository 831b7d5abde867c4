package model

import "time"

// PayloadState is the monotonic state machine from spec.md section 3/4.2:
// Created -> Move -> Notify -> Published, with Failed as an absorbing
// terminal reached from any state on unrecoverable error.
type PayloadState string

const (
	PayloadCreated   PayloadState = "Created"
	PayloadMove      PayloadState = "Move"
	PayloadNotify    PayloadState = "Notify"
	PayloadPublished PayloadState = "Published"
	PayloadFailed    PayloadState = "Failed"
)

// payloadStateOrder gives each state its position so CanTransitionTo can
// reject anything that isn't a strict forward move (or a move to Failed).
var payloadStateOrder = map[PayloadState]int{
	PayloadCreated:   0,
	PayloadMove:      1,
	PayloadNotify:    2,
	PayloadPublished: 3,
}

// CanTransitionTo enforces the "monotonically advancing state" invariant
// from spec.md section 3.
func (s PayloadState) CanTransitionTo(next PayloadState) bool {
	if next == PayloadFailed {
		return s != PayloadPublished
	}
	cur, ok := payloadStateOrder[s]
	if !ok {
		return false
	}
	nxt, ok := payloadStateOrder[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// Payload is the grouped set of files the assembler emits as one
// WorkflowRequest, spec.md section 3.
type Payload struct {
	PayloadID          string       `json:"payloadId"`
	Key                string       `json:"key"`
	CorrelationID      string       `json:"correlationId"`
	WorkflowInstanceID string       `json:"workflowInstanceId,omitempty"`
	Workflows          []string     `json:"workflows,omitempty"`
	Files              []FileStorageMetadata `json:"files"`
	State              PayloadState `json:"state"`
	RetryCount         int          `json:"retryCount"`
	TimeoutSeconds     int          `json:"timeout"`
	DateCreated        time.Time    `json:"dateCreated"`
	Deadline           time.Time    `json:"deadline"`
	MachineName        string       `json:"machineName"`
	DataService        DataService  `json:"dataService"`
	Source             string       `json:"source"`
	Destination        string       `json:"destination"`
}

// AllUploaded reports whether every file in the payload has finished
// uploading — the gate the assembler's timer waits on before Move->Notify.
func (p *Payload) AllUploaded() bool {
	for i := range p.Files {
		if !p.Files[i].IsUploaded() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any file in the payload failed its upload
// terminally, which forces the payload itself into PayloadFailed.
func (p *Payload) AnyFailed() bool {
	for i := range p.Files {
		if p.Files[i].IsFailed() {
			return true
		}
	}
	return false
}
