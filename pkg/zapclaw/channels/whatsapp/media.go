package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels"
)

// buildTextMessage creates a plain text message.
func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// buildVoiceNote wraps an uploaded audio blob as a push-to-talk message.
func buildVoiceNote(up whatsmeow.UploadResponse, mimeType string) *waE2E.Message {
	return &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(true),
		},
	}
}

// mediaTypeFor maps message types to whatsmeow media classes.
func mediaTypeFor(t channels.MessageType) (whatsmeow.MediaType, error) {
	switch t {
	case channels.MessageImage, channels.MessageSticker:
		return whatsmeow.MediaImage, nil
	case channels.MessageAudio:
		return whatsmeow.MediaAudio, nil
	case channels.MessageVideo:
		return whatsmeow.MediaVideo, nil
	case channels.MessageDocument:
		return whatsmeow.MediaDocument, nil
	default:
		return "", fmt.Errorf("unsupported media type %q", t)
	}
}

// mmsTypeFor returns the media type string used in direct-path downloads.
func mmsTypeFor(t whatsmeow.MediaType) string {
	switch t {
	case whatsmeow.MediaImage:
		return "image"
	case whatsmeow.MediaAudio:
		return "audio"
	case whatsmeow.MediaVideo:
		return "video"
	default:
		return "document"
	}
}

func (s *meowSession) SendAudio(ctx context.Context, chatID string, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio")
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	if mimeType == "" {
		mimeType = s.voiceMimeType
	}
	up, err := s.client.Upload(ctx, audio, whatsmeow.MediaAudio)
	if err != nil {
		return "", fmt.Errorf("uploading audio: %w", err)
	}
	resp, err := s.client.SendMessage(ctx, jid, buildVoiceNote(up, mimeType))
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *meowSession) Revoke(ctx context.Context, chatID, messageID string) error {
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, jid, s.client.BuildRevoke(jid, types.EmptyJID, types.MessageID(messageID)))
	return err
}

func (s *meowSession) Download(ctx context.Context, media *channels.MediaInfo) ([]byte, error) {
	if media == nil {
		return nil, fmt.Errorf("no media")
	}
	mt, err := mediaTypeFor(media.Type)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(media.DirectPath) == "" {
		return nil, fmt.Errorf("media has no direct path")
	}
	data, err := s.client.DownloadMediaWithPath(ctx, media.DirectPath, media.FileEncSHA256,
		media.FileSHA256, media.MediaKey, int(media.FileSize), mt, mmsTypeFor(mt))
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	return data, nil
}
