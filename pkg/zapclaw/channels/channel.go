// Package channels defines the types shared between the messaging transport
// and the conversation orchestrator. The transport is a single linked
// WhatsApp device, but the orchestrator only depends on these contracts.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrChannelDisconnected is returned when sending while the link is down.
var ErrChannelDisconnected = errors.New("channel disconnected")

// MessageType identifies the kind of inbound content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageOther    MessageType = "other"
)

// Presence is a chat-scoped activity indicator shown to the counterpart.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresenceRecording Presence = "recording"
	PresencePaused    Presence = "paused"
)

// IncomingMessage is a raw inbound event from the linked device.
type IncomingMessage struct {
	// ID is the transport message id.
	ID string

	// ChatID is the conversation identifier (contact JID).
	ChatID string

	// From is the sender identifier.
	From string

	// FromName is the sender push name, if any.
	FromName string

	// FromMe is set for messages authored on the linked account itself,
	// i.e. by the human operator from their phone.
	FromMe bool

	// IsGroup is set for group-addressed chats.
	IsGroup bool

	// IsBroadcast is set for status and broadcast lists.
	IsBroadcast bool

	Type    MessageType
	Content string

	// Timestamp is the sender-side instant (second resolution).
	Timestamp time.Time

	// Media is set for image, audio, video and document messages.
	Media *MediaInfo
}

// MediaInfo describes downloadable media attached to an inbound message.
type MediaInfo struct {
	Type          MessageType
	MimeType      string
	Caption       string
	Filename      string
	FileSize      uint64
	Seconds       uint32
	Voice         bool
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
}

// IsGroupID reports whether id addresses a group chat.
func IsGroupID(id string) bool {
	return strings.HasSuffix(id, "@g.us")
}

// IsBroadcastID reports whether id addresses a status or broadcast list.
func IsBroadcastID(id string) bool {
	return id == "status@broadcast" || strings.HasSuffix(id, "@broadcast")
}

// Sender is the outbound half of the link used by the delivery pipeline.
type Sender interface {
	// IsReady reports whether the link is open and able to send.
	IsReady() bool

	SendText(ctx context.Context, chatID, text string) error

	// SendAudio sends audio as a voice note.
	SendAudio(ctx context.Context, chatID string, audio []byte, mimeType string) error

	SendPresence(ctx context.Context, chatID string, presence Presence) error
}

// Link is the full transport surface the orchestrator depends on.
type Link interface {
	Sender

	// Revoke deletes one of the account's own messages for everyone.
	Revoke(ctx context.Context, chatID, messageID string) error

	// DownloadMedia fetches and decrypts media attached to msg.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, error)
}
