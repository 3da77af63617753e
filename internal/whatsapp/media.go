package whatsapp

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/labstack/gommon/bytes"
	"go.uber.org/zap"
)

// MessageType classifies an inbound message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageUnknown  MessageType = "unknown"
)

// HasMedia reports whether the type carries a downloadable payload that is forwarded.
func (t MessageType) HasMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageDocument:
		return true
	}
	return false
}

// Attachment points at downloadable media. Ref is the transport's own handle.
type Attachment struct {
	URL      string
	Mimetype string
	FileName string
	Length   uint64
	Ref      any
}

// InboundMessage is a transport-neutral received message.
type InboundMessage struct {
	ID         string
	Chat       string
	From       string
	FromMe     bool
	Group      bool
	PushName   string
	Type       MessageType
	Text       string
	Attachment *Attachment
	Timestamp  time.Time
}

// MediaFetcher downloads the bytes behind an attachment.
type MediaFetcher interface {
	Download(ctx context.Context, att *Attachment) ([]byte, error)
}

// MediaContent is what gets forwarded for one message.
type MediaContent struct {
	Body        string
	Type        MessageType
	MediaInline string
	MediaURL    string
	MediaSize   int
	Mimetype    string
}

// MediaExtractor turns inbound messages into forwardable content. Media up to
// InlineMaxBytes is inlined as a data URI, larger media is referenced by URL.
type MediaExtractor struct {
	InlineMaxBytes int
	FetchTimeout   time.Duration
}

func NewMediaExtractor(inlineMax int, fetchTimeout time.Duration) *MediaExtractor {
	if inlineMax <= 0 {
		inlineMax = 5 * 1024 * 1024
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &MediaExtractor{InlineMaxBytes: inlineMax, FetchTimeout: fetchTimeout}
}

// Summary is the human-readable body used when no text or caption is present
// or when media could not be retrieved.
func Summary(msg InboundMessage) string {
	switch msg.Type {
	case MessageText:
		return msg.Text
	case MessageImage:
		return orDefault(msg.Text, "[Image]")
	case MessageVideo:
		return orDefault(msg.Text, "[Video]")
	case MessageAudio:
		return "[Audio]"
	case MessageDocument:
		name := "file"
		if msg.Attachment != nil && msg.Attachment.FileName != "" {
			name = msg.Attachment.FileName
		}
		return "[Document: " + name + "]"
	case MessageSticker:
		return "[Sticker]"
	case MessageLocation:
		return "[Location]"
	case MessageContact:
		return "[Contact]"
	}
	return "[Unsupported message]"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// mimeFor maps a media kind to the MIME type used in data URIs.
func mimeFor(t MessageType, declared string) string {
	switch t {
	case MessageImage:
		return "image/jpeg"
	case MessageVideo:
		return "video/mp4"
	case MessageAudio:
		return "audio/mpeg"
	case MessageDocument:
		if declared != "" {
			return declared
		}
		return "application/pdf"
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// Extract never fails: any fetch problem degrades to the text summary.
func (e *MediaExtractor) Extract(ctx context.Context, instanceID string, msg InboundMessage, fetcher MediaFetcher) MediaContent {
	out := MediaContent{Body: Summary(msg), Type: msg.Type}
	if !msg.Type.HasMedia() || msg.Attachment == nil || fetcher == nil {
		return out
	}
	out.Mimetype = mimeFor(msg.Type, msg.Attachment.Mimetype)

	fctx, cancel := context.WithTimeout(ctx, e.FetchTimeout)
	defer cancel()
	data, err := fetcher.Download(fctx, msg.Attachment)
	if err != nil {
		zap.L().Warn("whatsapp: media download failed",
			zap.String("instance_id", instanceID),
			zap.String("message_id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return out
	}
	if len(data) == 0 {
		return out
	}

	out.MediaSize = len(data)
	if len(data) <= e.InlineMaxBytes {
		out.MediaInline = "data:" + out.Mimetype + ";base64," + base64.StdEncoding.EncodeToString(data)
		return out
	}
	out.MediaURL = msg.Attachment.URL
	zap.L().Info("whatsapp: media too large to inline, forwarding url",
		zap.String("instance_id", instanceID),
		zap.String("message_id", msg.ID),
		zap.String("size", bytes.Format(int64(len(data)))))
	return out
}
