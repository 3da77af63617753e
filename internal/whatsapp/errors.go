package whatsapp

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists = errors.New("whatsapp: instance already exists")
	ErrNotFound      = errors.New("whatsapp: instance not found")
	ErrNotConnected  = errors.New("whatsapp: instance not connected")
	ErrDeleted       = errors.New("whatsapp: instance deleted")
	ErrInvalidID     = errors.New("whatsapp: invalid instance id")

	ErrInvalidRecipient = errors.New("whatsapp: invalid recipient")
)

// TransportError wraps a failure reported by the underlying session transport.
type TransportError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("whatsapp: %s %s: %v", e.InstanceID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RenderError is returned when a pairing payload cannot be turned into an image.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return "qrcode: render failed: " + e.Err.Error()
}

func (e *RenderError) Unwrap() error { return e.Err }

// DeliveryError describes a webhook delivery that exhausted its attempts.
type DeliveryError struct {
	Endpoint   string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook: %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("webhook: %s failed after %d attempts: status %d", e.Endpoint, e.Attempts, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
