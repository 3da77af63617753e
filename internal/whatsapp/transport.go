package whatsapp

import (
	"context"
	"time"
)

// Event is something a transport session reports to its supervisor.
type Event interface {
	transportEvent()
}

// PairingEvent carries a fresh raw pairing payload.
type PairingEvent struct {
	Code string
}

// OpenEvent means the session is authenticated and usable.
type OpenEvent struct{}

// CloseEvent means the session ended.
type CloseEvent struct {
	Cause DisconnectCause
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	Message InboundMessage
}

func (PairingEvent) transportEvent() {}
func (OpenEvent) transportEvent()    {}
func (CloseEvent) transportEvent()   {}
func (MessageEvent) transportEvent() {}

// EventSink receives the events of a single transport session.
type EventSink func(Event)

// Identity describes the account behind an open session.
type Identity struct {
	JID         string
	Phone       string
	DisplayName string
}

// Transport is one session with the messaging network.
type Transport interface {
	MediaFetcher
	Connect(ctx context.Context) error
	Disconnect()
	Identity() Identity
	AvatarURL(ctx context.Context) (string, error)
	SendText(ctx context.Context, to, text string) (string, error)
}

// TransportFactory opens a new session for an instance. Every call returns a
// fresh transport whose events are delivered to sink.
type TransportFactory interface {
	Open(ctx context.Context, instanceID string, sink EventSink) (Transport, error)
}

// SessionRemover is implemented by factories that persist pairing state.
type SessionRemover interface {
	RemoveSession(ctx context.Context, instanceID string) error
}

// Clock schedules callbacks; tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
