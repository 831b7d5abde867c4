package model

import "time"

// AssociationInfo is the audit record spec.md section 3 writes on every
// association close.
type AssociationInfo struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlationId"`
	CallingAET     string    `json:"callingAet"`
	CalledAET      string    `json:"calledAet"`
	RemoteHost     string    `json:"remoteHost"`
	RemotePort     int       `json:"remotePort"`
	FileCount      int       `json:"fileCount"`
	CreatedAt      time.Time `json:"createdAt"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
	Duration       time.Duration `json:"duration"`
	Errors         []string  `json:"errors,omitempty"`
}

// RemoteAppExecution is the outbound-proxy dedup record from spec.md
// section 3/6: unique OutgoingUID, swept on a 7-day TTL.
type RemoteAppExecution struct {
	OutgoingUID string    `json:"outgoingUid"`
	RequestTime time.Time `json:"requestTime"`
}
