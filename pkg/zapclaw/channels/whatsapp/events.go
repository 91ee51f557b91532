package whatsapp

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"
)

// ConnectionState represents the link lifecycle state.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// CloseCause classifies why a session ended.
type CloseCause string

const (
	// CloseTransient covers network loss, timeouts, stream errors and
	// failed connect attempts. Recovered by backoff reconnect.
	CloseTransient CloseCause = "transient"

	// CloseConflict means another client took over the session.
	CloseConflict CloseCause = "conflict"

	// CloseLoggedOut means the phone unlinked the device or the server
	// rejected the stored credentials.
	CloseLoggedOut CloseCause = "logged_out"
)

// LinkEventKind tags a LinkEvent.
type LinkEventKind int

const (
	LinkQR LinkEventKind = iota + 1
	LinkOpen
	LinkClose
	LinkMessage
)

// LinkEvent is the normalized form of everything a session reports back.
type LinkEvent struct {
	Kind    LinkEventKind
	QR      string
	Cause   CloseCause
	Reason  string
	Message *channels.IncomingMessage
}

// ConnectionEvent is sent to connection observers on state changes.
type ConnectionEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// ConnectionObserver receives connection state changes.
type ConnectionObserver interface {
	OnConnectionChange(evt ConnectionEvent)
}

// QREvent represents a QR code event for observers.
type QREvent struct {
	// Type is "code", "success", "timeout", "error" or "reset".
	Type string `json:"type"`
	// Code is the raw QR code string (only for Type == "code").
	Code string `json:"code,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
	// SecondsLeft is seconds until expiration, set on replay.
	SecondsLeft int `json:"seconds_left,omitempty"`
}

// translateEvent maps whatsmeow connection events onto LinkEvents.
// Message events are handled separately since they need the session store.
func translateEvent(raw any) (LinkEvent, bool) {
	switch evt := raw.(type) {
	case *events.Connected:
		return LinkEvent{Kind: LinkOpen}, true

	case *events.Disconnected:
		return LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: "disconnected"}, true

	case *events.StreamReplaced:
		return LinkEvent{Kind: LinkClose, Cause: CloseConflict, Reason: "stream replaced"}, true

	case *events.LoggedOut:
		return LinkEvent{Kind: LinkClose, Cause: CloseLoggedOut, Reason: fmt.Sprintf("logged out: %v", evt.Reason)}, true

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return LinkEvent{Kind: LinkClose, Cause: CloseLoggedOut, Reason: fmt.Sprintf("connect failure: %v", evt.Reason)}, true
		}
		return LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: fmt.Sprintf("connect failure: %v", evt.Reason)}, true

	case *events.TemporaryBan:
		return LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: fmt.Sprintf("temporary ban: %v (expires %v)", evt.Code, evt.Expire)}, true

	case *events.StreamError:
		return LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: "stream error: " + evt.Code}, true

	case *events.KeepAliveTimeout:
		// whatsmeow keeps trying on its own; only give up after a streak.
		if evt.ErrorCount >= 3 {
			return LinkEvent{Kind: LinkClose, Cause: CloseTransient, Reason: fmt.Sprintf("keepalive timeout x%d", evt.ErrorCount)}, true
		}
	}
	return LinkEvent{}, false
}

// jidResolver maps hidden-user (LID) JIDs to phone JIDs.
type jidResolver func(types.JID) types.JID

// extractIncoming converts a whatsmeow message event into an
// IncomingMessage. resolve may be nil.
func extractIncoming(evt *events.Message, resolve jidResolver) *channels.IncomingMessage {
	if evt == nil {
		return nil
	}
	chat := evt.Info.Chat
	sender := evt.Info.Sender
	if resolve != nil {
		if chat.Server == types.HiddenUserServer {
			chat = resolve(chat)
		}
		if sender.Server == types.HiddenUserServer {
			sender = resolve(sender)
		}
	}

	msg := &channels.IncomingMessage{
		ID:          string(evt.Info.ID),
		ChatID:      chat.String(),
		From:        sender.String(),
		FromName:    evt.Info.PushName,
		FromMe:      evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup || chat.Server == types.GroupServer,
		IsBroadcast: chat.Server == types.BroadcastServer,
		Timestamp:   evt.Info.Timestamp,
	}
	extractContent(evt.Message, msg)
	return msg
}

// extractContent fills the text/media content from a WhatsApp message.
func extractContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	msg.Type = channels.MessageOther
	if waMsg == nil {
		return
	}

	// View-once and ephemeral wrappers carry the real message inside.
	if inner := waMsg.GetEphemeralMessage().GetMessage(); inner != nil {
		waMsg = inner
	}
	if inner := waMsg.GetViewOnceMessage().GetMessage(); inner != nil {
		waMsg = inner
	}

	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
		return
	}

	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		return
	}

	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageImage,
			MimeType:      img.GetMimetype(),
			FileSize:      img.GetFileLength(),
			Caption:       img.GetCaption(),
			URL:           img.GetURL(),
			DirectPath:    img.GetDirectPath(),
			MediaKey:      img.GetMediaKey(),
			FileSHA256:    img.GetFileSHA256(),
			FileEncSHA256: img.GetFileEncSHA256(),
		}
		return
	}

	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageAudio,
			MimeType:      audio.GetMimetype(),
			FileSize:      audio.GetFileLength(),
			Seconds:       audio.GetSeconds(),
			Voice:         audio.GetPTT(),
			URL:           audio.GetURL(),
			DirectPath:    audio.GetDirectPath(),
			MediaKey:      audio.GetMediaKey(),
			FileSHA256:    audio.GetFileSHA256(),
			FileEncSHA256: audio.GetFileEncSHA256(),
		}
		return
	}

	if video := waMsg.VideoMessage; video != nil {
		msg.Type = channels.MessageVideo
		msg.Content = video.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageVideo,
			MimeType:      video.GetMimetype(),
			FileSize:      video.GetFileLength(),
			Caption:       video.GetCaption(),
			Seconds:       video.GetSeconds(),
			URL:           video.GetURL(),
			DirectPath:    video.GetDirectPath(),
			MediaKey:      video.GetMediaKey(),
			FileSHA256:    video.GetFileSHA256(),
			FileEncSHA256: video.GetFileEncSHA256(),
		}
		return
	}

	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageDocument,
			MimeType:      doc.GetMimetype(),
			Filename:      doc.GetFileName(),
			FileSize:      doc.GetFileLength(),
			Caption:       doc.GetCaption(),
			URL:           doc.GetURL(),
			DirectPath:    doc.GetDirectPath(),
			MediaKey:      doc.GetMediaKey(),
			FileSHA256:    doc.GetFileSHA256(),
			FileEncSHA256: doc.GetFileEncSHA256(),
		}
		return
	}

	if sticker := waMsg.StickerMessage; sticker != nil {
		msg.Type = channels.MessageSticker
		return
	}
}
