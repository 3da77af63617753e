package whatsapp

import "time"

// Status is the lifecycle state of a managed instance.
type Status string

const (
	StatusCreating     Status = "creating"
	StatusConnecting   Status = "connecting"
	StatusWaitingQR    Status = "waiting_qr"
	StatusQRError      Status = "qr_error"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusLoggedOut    Status = "logged_out"
	StatusError        Status = "error"
	StatusDeleted      Status = "deleted"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusLoggedOut || s == StatusDeleted
}

// Snapshot is a read-only copy of an instance's state.
type Snapshot struct {
	ID                    string    `json:"instanceId"`
	OwnerRef              string    `json:"ownerRef,omitempty"`
	Status                Status    `json:"status"`
	Phone                 string    `json:"phone,omitempty"`
	DisplayName           string    `json:"displayName,omitempty"`
	QRImage               string    `json:"qrImage,omitempty"`
	AttemptCount          int       `json:"attemptCount"`
	IntentionalDisconnect bool      `json:"intentionalDisconnect"`
	LastError             string    `json:"lastError,omitempty"`
	LastUpdate            time.Time `json:"lastUpdate"`
}
