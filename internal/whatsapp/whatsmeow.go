package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// DeviceDirectory maps instances to the device identity their session was paired with.
type DeviceDirectory interface {
	DeviceJID(ctx context.Context, instanceID string) (string, error)
	BindDevice(ctx context.Context, instanceID, jid string) error
	BoundJIDs(ctx context.Context) ([]string, error)
}

// WhatsmeowFactory opens whatsmeow sessions backed by a shared sqlstore.
type WhatsmeowFactory struct {
	container *sqlstore.Container
	devices   DeviceDirectory

	mu    sync.Mutex
	bound map[string]types.JID
}

// NewWhatsmeowFactory reuses db for the session store and runs its migrations.
func NewWhatsmeowFactory(ctx context.Context, db *sql.DB, dialect string, devices DeviceDirectory) (*WhatsmeowFactory, error) {
	container := sqlstore.NewWithDB(db, dialect, newWALogger("sqlstore"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, errors.Wrapf(err, "sqlstore upgrade (%s)", dialect)
	}
	return &WhatsmeowFactory{container: container, devices: devices, bound: make(map[string]types.JID)}, nil
}

func (f *WhatsmeowFactory) device(ctx context.Context, instanceID string) (*store.Device, error) {
	raw, err := f.devices.DeviceJID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		jid, err := types.ParseJID(raw)
		if err != nil {
			zap.L().Warn("whatsapp: stored device jid invalid", zap.String("instance_id", instanceID), zap.Error(err))
		} else {
			dev, err := f.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, errors.Wrap(err, "load device")
			}
			if dev != nil {
				f.remember(instanceID, jid)
				return dev, nil
			}
		}
	}
	return f.container.NewDevice(), nil
}

func (f *WhatsmeowFactory) Open(ctx context.Context, instanceID string, sink EventSink) (Transport, error) {
	dev, err := f.device(ctx, instanceID)
	if err != nil {
		return nil, &TransportError{InstanceID: instanceID, Op: "open", Err: err}
	}
	client := whatsmeow.NewClient(dev, newWALogger("client").Sub(instanceID))
	client.EnableAutoReconnect = false

	t := &whatsmeowTransport{
		instanceID: instanceID,
		client:     client,
		bind:       f.bind,
		sink:       sink,
	}
	t.handlerID = client.AddEventHandler(t.handle)
	return t, nil
}

func (f *WhatsmeowFactory) remember(instanceID string, jid types.JID) {
	f.mu.Lock()
	f.bound[instanceID] = jid
	f.mu.Unlock()
}

// bind records the device an instance paired with, in memory and in the directory.
func (f *WhatsmeowFactory) bind(ctx context.Context, instanceID string, jid types.JID) error {
	f.remember(instanceID, jid)
	return f.devices.BindDevice(ctx, instanceID, jid.String())
}

// RemoveSession deletes the paired device of instanceID from the store.
func (f *WhatsmeowFactory) RemoveSession(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	jid, ok := f.bound[instanceID]
	delete(f.bound, instanceID)
	f.mu.Unlock()

	if !ok {
		raw, err := f.devices.DeviceJID(ctx, instanceID)
		if err != nil || raw == "" {
			return err
		}
		if jid, err = types.ParseJID(raw); err != nil {
			return errors.Wrap(err, "parse device jid")
		}
	}
	dev, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return errors.Wrap(err, "load device")
	}
	if dev == nil {
		return nil
	}
	return errors.Wrap(f.container.DeleteDevice(ctx, dev), "delete device")
}

// PruneOrphans deletes stored devices that no instance owns, such as the
// leftovers of a delete whose session removal failed.
func (f *WhatsmeowFactory) PruneOrphans(ctx context.Context) (int, error) {
	devices, err := f.container.GetAllDevices(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list devices")
	}
	jids, err := f.devices.BoundJIDs(ctx)
	if err != nil {
		return 0, err
	}
	owned := make(map[string]struct{}, len(jids))
	for _, jid := range jids {
		owned[jid] = struct{}{}
	}
	f.mu.Lock()
	for _, jid := range f.bound {
		owned[jid.String()] = struct{}{}
	}
	f.mu.Unlock()

	n := 0
	for _, dev := range orphanDevices(devices, owned) {
		if err := f.container.DeleteDevice(ctx, dev); err != nil {
			zap.L().Warn("whatsapp: delete orphan device failed", zap.String("jid", dev.ID.String()), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func orphanDevices(devices []*store.Device, owned map[string]struct{}) []*store.Device {
	var out []*store.Device
	for _, dev := range devices {
		if dev == nil || dev.ID == nil {
			continue
		}
		if _, ok := owned[dev.ID.String()]; !ok {
			out = append(out, dev)
		}
	}
	return out
}

type whatsmeowTransport struct {
	instanceID string
	client     *whatsmeow.Client
	bind       func(ctx context.Context, instanceID string, jid types.JID) error
	sink       EventSink
	handlerID  uint32

	mu       sync.Mutex
	qrCancel context.CancelFunc
}

func (t *whatsmeowTransport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := t.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return errors.Wrap(err, "qr channel")
		}
		t.mu.Lock()
		t.qrCancel = cancel
		t.mu.Unlock()
		go t.pumpQR(qrChan)
	}
	if err := t.client.Connect(); err != nil {
		return errors.Wrap(err, "connect")
	}
	return nil
}

func (t *whatsmeowTransport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			t.sink(PairingEvent{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			zap.L().Info("whatsapp: pairing succeeded", zap.String("instance_id", t.instanceID))
		case whatsmeow.QRChannelTimeout.Event:
			t.sink(CloseEvent{Cause: DisconnectCause{Code: 408, Message: "qr code timed out"}})
		default:
			msg := item.Event
			if item.Error != nil {
				msg = fmt.Sprintf("%s: %v", item.Event, item.Error)
			}
			t.sink(CloseEvent{Cause: DisconnectCause{Code: 500, Message: msg}})
		}
	}
}

func (t *whatsmeowTransport) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		if id := t.client.Store.ID; id != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.bind(ctx, t.instanceID, *id); err != nil {
				zap.L().Warn("whatsapp: bind device failed", zap.String("instance_id", t.instanceID), zap.Error(err))
			}
			cancel()
		}
		t.sink(OpenEvent{})
	case *events.PairSuccess:
		zap.L().Info("whatsapp: device paired",
			zap.String("instance_id", t.instanceID),
			zap.String("jid", v.ID.String()),
			zap.String("platform", v.Platform))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := t.bind(ctx, t.instanceID, v.ID); err != nil {
			zap.L().Warn("whatsapp: bind device failed", zap.String("instance_id", t.instanceID), zap.Error(err))
		}
		cancel()
	case *events.LoggedOut:
		code := int(v.Reason)
		if code == 0 {
			code = 401
		}
		t.sink(CloseEvent{Cause: DisconnectCause{Code: code, Message: "logged out: " + v.Reason.String(), LoggedOut: true}})
	case *events.StreamReplaced:
		t.sink(CloseEvent{Cause: DisconnectCause{Code: 440, Message: "stream replaced"}})
	case *events.ConnectFailure:
		t.sink(CloseEvent{Cause: DisconnectCause{
			Code:      int(v.Reason),
			Message:   v.Reason.String() + ": " + v.Message,
			LoggedOut: v.Reason.IsLoggedOut(),
		}})
	case *events.ClientOutdated:
		t.sink(CloseEvent{Cause: DisconnectCause{Code: 405, Message: "client outdated"}})
	case *events.TemporaryBan:
		t.sink(CloseEvent{Cause: DisconnectCause{Code: int(v.Code), Message: v.String()}})
	case *events.Disconnected:
		t.sink(CloseEvent{Cause: DisconnectCause{Code: 428, Message: "connection closed"}})
	case *events.Message:
		t.sink(MessageEvent{Message: convertMessage(v)})
	default:
		zap.L().Debug("whatsapp: event", zap.String("instance_id", t.instanceID), zap.String("type", fmt.Sprintf("%T", evt)))
	}
}

func (t *whatsmeowTransport) Disconnect() {
	t.mu.Lock()
	if t.qrCancel != nil {
		t.qrCancel()
		t.qrCancel = nil
	}
	t.mu.Unlock()
	t.client.RemoveEventHandler(t.handlerID)
	t.client.Disconnect()
}

func (t *whatsmeowTransport) Identity() Identity {
	id := t.client.Store.ID
	if id == nil {
		return Identity{}
	}
	return Identity{JID: id.String(), Phone: id.User, DisplayName: t.client.Store.PushName}
}

func (t *whatsmeowTransport) AvatarURL(ctx context.Context) (string, error) {
	id := t.client.Store.ID
	if id == nil {
		return "", nil
	}
	info, err := t.client.GetProfilePictureInfo(ctx, id.ToNonAD(), &whatsmeow.GetProfilePictureParams{})
	if err != nil || info == nil {
		return "", err
	}
	return info.URL, nil
}

func (t *whatsmeowTransport) Download(ctx context.Context, att *Attachment) ([]byte, error) {
	ref, ok := att.Ref.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, errors.New("attachment is not downloadable")
	}
	return t.client.Download(ctx, ref)
}

func (t *whatsmeowTransport) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", errors.Wrapf(err, "invalid recipient %q", to)
	}
	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// classifyMessage maps a protocol message onto the closed set of message types.
func classifyMessage(m *waE2E.Message) (MessageType, string, *Attachment) {
	if m == nil {
		return MessageUnknown, "", nil
	}
	switch {
	case m.GetConversation() != "":
		return MessageText, m.GetConversation(), nil
	case m.GetExtendedTextMessage() != nil:
		return MessageText, m.GetExtendedTextMessage().GetText(), nil
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return MessageImage, img.GetCaption(), &Attachment{
			URL: img.GetURL(), Mimetype: img.GetMimetype(), Length: img.GetFileLength(), Ref: img,
		}
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return MessageVideo, vid.GetCaption(), &Attachment{
			URL: vid.GetURL(), Mimetype: vid.GetMimetype(), Length: vid.GetFileLength(), Ref: vid,
		}
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		return MessageAudio, "", &Attachment{
			URL: aud.GetURL(), Mimetype: aud.GetMimetype(), Length: aud.GetFileLength(), Ref: aud,
		}
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return MessageDocument, doc.GetCaption(), &Attachment{
			URL: doc.GetURL(), Mimetype: doc.GetMimetype(), FileName: doc.GetFileName(), Length: doc.GetFileLength(), Ref: doc,
		}
	case m.GetStickerMessage() != nil:
		return MessageSticker, "", nil
	case m.GetLocationMessage() != nil, m.GetLiveLocationMessage() != nil:
		return MessageLocation, "", nil
	case m.GetContactMessage() != nil, m.GetContactsArrayMessage() != nil:
		return MessageContact, "", nil
	}
	return MessageUnknown, "", nil
}

// isGroupChat is true for chats that are not one-to-one conversations.
func isGroupChat(chat types.JID) bool {
	switch chat.Server {
	case types.GroupServer, types.BroadcastServer, types.NewsletterServer:
		return true
	}
	return false
}

func convertMessage(evt *events.Message) InboundMessage {
	typ, text, att := classifyMessage(evt.Message)
	chat := evt.Info.Chat
	return InboundMessage{
		ID:         string(evt.Info.ID),
		Chat:       chat.String(),
		From:       chat.ToNonAD().String(),
		FromMe:     evt.Info.IsFromMe,
		Group:      isGroupChat(chat),
		PushName:   evt.Info.PushName,
		Type:       typ,
		Text:       text,
		Attachment: att,
		Timestamp:  evt.Info.Timestamp,
	}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func newWALogger(module string) waLog.Logger {
	return &zapLogger{s: zap.S().Named("whatsmeow").Named(module)}
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l *zapLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *zapLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *zapLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{s: l.s.Named(module)}
}
