package copilot

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
)

// PartType tags one outbound message part.
type PartType string

const (
	PartText  PartType = "text"
	PartAudio PartType = "audio"
)

// Part is one outbound bubble: a text message or a voice note.
type Part struct {
	Type     PartType
	Text     string
	Audio    []byte
	MimeType string
	Caption  string
}

// Payload is the ordered list of parts a reply is delivered as.
type Payload struct {
	Parts []Part
}

// Empty reports whether there is nothing to deliver.
func (p Payload) Empty() bool { return len(p.Parts) == 0 }

// TextPayload wraps plain text as a single part. Blank text yields an empty
// payload.
func TextPayload(text string) Payload {
	text = strings.TrimSpace(text)
	if text == "" {
		return Payload{}
	}
	return Payload{Parts: []Part{{Type: PartText, Text: text}}}
}

// AudioPayload is the single voice-note reply used by the audio override.
func AudioPayload(audio []byte, mimeType string) Payload {
	return Payload{Parts: []Part{{Type: PartAudio, Audio: audio, MimeType: mimeType}}}
}

type structuredMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

type structuredPayload struct {
	Messages []structuredMessage `json:"messages"`
}

// ParsePayload reads model output. A JSON object with a messages array
// becomes one part per usable entry; anything else is plain text. An audio
// entry that does not decode is replaced by its caption, and a messages
// array with nothing usable yields an empty payload, never the raw JSON.
func ParsePayload(content string) Payload {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Payload{}
	}
	if !strings.HasPrefix(trimmed, "{") {
		return TextPayload(trimmed)
	}

	var sp structuredPayload
	if err := json.Unmarshal([]byte(trimmed), &sp); err != nil || len(sp.Messages) == 0 {
		return TextPayload(trimmed)
	}

	var p Payload
	for _, m := range sp.Messages {
		switch m.Type {
		case "text":
			if t := strings.TrimSpace(m.Text); t != "" {
				p.Parts = append(p.Parts, Part{Type: PartText, Text: t})
			}
		case "audio":
			caption := strings.TrimSpace(m.Caption)
			audio, err := base64.StdEncoding.DecodeString(m.AudioBase64)
			if err != nil || len(audio) == 0 {
				if caption != "" {
					p.Parts = append(p.Parts, Part{Type: PartText, Text: caption})
				}
				continue
			}
			p.Parts = append(p.Parts, Part{
				Type:     PartAudio,
				Audio:    audio,
				MimeType: m.MimeType,
				Caption:  caption,
			})
		}
	}
	return p
}

// Summary is the blob-free history form: text parts verbatim and a marker
// per audio part, one per line.
func (p Payload) Summary() string {
	lines := make([]string, 0, len(p.Parts))
	for _, part := range p.Parts {
		switch part.Type {
		case PartText:
			lines = append(lines, part.Text)
		case PartAudio:
			lines = append(lines, history.AudioSummary(part.Caption))
		}
	}
	return strings.Join(lines, "\n")
}
