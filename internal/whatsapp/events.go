package whatsapp

import "time"

// EventKind names the webhook event families.
type EventKind string

const (
	EventQR         EventKind = "qr"
	EventConnection EventKind = "connection"
	EventMessage    EventKind = "message"
)

// WebhookEvent is one queued outbound notification.
type WebhookEvent struct {
	Kind       EventKind
	InstanceID string
	Payload    any
	OccurredAt time.Time
}

type QRPayload struct {
	Event      EventKind `json:"event"`
	InstanceID string    `json:"instanceId"`
	QRImage    string    `json:"qrImage"`
	Timestamp  time.Time `json:"timestamp"`
}

type ConnectionPayload struct {
	Event          EventKind `json:"event"`
	InstanceID     string    `json:"instanceId"`
	OwnerRef       string    `json:"ownerRef,omitempty"`
	Status         Status    `json:"status"`
	Phone          string    `json:"phone,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	AttemptCount   int       `json:"attemptCount"`
	LastError      string    `json:"lastError,omitempty"`
	Sync           bool      `json:"sync,omitempty"`
	ProfileUpdate  bool      `json:"profileUpdate,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessagePayload struct {
	Event         EventKind   `json:"event"`
	InstanceID    string      `json:"instanceId"`
	InstancePhone string      `json:"instancePhone,omitempty"`
	MessageID     string      `json:"messageId"`
	From          string      `json:"from"`
	FromMe        bool        `json:"fromMe"`
	PushName      string      `json:"pushName,omitempty"`
	Body          string      `json:"body"`
	MessageType   MessageType `json:"messageType"`
	MediaInline   string      `json:"mediaInline,omitempty"`
	MediaURL      string      `json:"mediaUrl,omitempty"`
	MediaSize     int         `json:"mediaSize,omitempty"`
	Mimetype      string      `json:"mimetype,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

func newQREvent(id, image string, at time.Time) WebhookEvent {
	return WebhookEvent{Kind: EventQR, InstanceID: id, OccurredAt: time.Now(), Payload: QRPayload{
		Event:      EventQR,
		InstanceID: id,
		QRImage:    image,
		Timestamp:  at,
	}}
}

func newConnectionEvent(s Snapshot, picture string, sync bool) WebhookEvent {
	return WebhookEvent{Kind: EventConnection, InstanceID: s.ID, OccurredAt: time.Now(), Payload: ConnectionPayload{
		Event:          EventConnection,
		InstanceID:     s.ID,
		OwnerRef:       s.OwnerRef,
		Status:         s.Status,
		Phone:          s.Phone,
		DisplayName:    s.DisplayName,
		ProfilePicture: picture,
		AttemptCount:   s.AttemptCount,
		LastError:      s.LastError,
		Sync:           sync,
		Timestamp:      s.LastUpdate,
	}}
}

// newProfileEvent repeats the connected snapshot with the fetched avatar.
func newProfileEvent(s Snapshot, picture string) WebhookEvent {
	evt := newConnectionEvent(s, picture, false)
	p := evt.Payload.(ConnectionPayload)
	p.ProfileUpdate = true
	evt.Payload = p
	return evt
}

func newMessageEvent(id, phone string, msg InboundMessage, content MediaContent) WebhookEvent {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return WebhookEvent{Kind: EventMessage, InstanceID: id, OccurredAt: time.Now(), Payload: MessagePayload{
		Event:         EventMessage,
		InstanceID:    id,
		InstancePhone: phone,
		MessageID:     msg.ID,
		From:          msg.From,
		FromMe:        msg.FromMe,
		PushName:      msg.PushName,
		Body:          content.Body,
		MessageType:   content.Type,
		MediaInline:   content.MediaInline,
		MediaURL:      content.MediaURL,
		MediaSize:     content.MediaSize,
		Mimetype:      content.Mimetype,
		Timestamp:     ts,
	}}
}
