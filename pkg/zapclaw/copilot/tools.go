package copilot

import (
	"encoding/json"
)

// Tool names the model can call.
const (
	ToolTextToSpeech = "text_to_speech"
	ToolSendEmail    = "send_email"
)

// ToolResult is the tagged union of tool outcomes. Feedback is the JSON
// fed back to the model; it never carries binary payloads.
type ToolResult interface {
	Tool() string
	Feedback() string
	isToolResult()
}

// SpeechResult is a successful synthesis. Audio stays out of Feedback.
type SpeechResult struct {
	Audio    []byte
	MimeType string
	Script   string
}

func (SpeechResult) Tool() string { return ToolTextToSpeech }

func (SpeechResult) Feedback() string {
	return `{"success":true,"message":"Audio generated successfully"}`
}

func (SpeechResult) isToolResult() {}

// EmailResult is a sent email.
type EmailResult struct {
	ID string
}

func (EmailResult) Tool() string { return ToolSendEmail }

func (r EmailResult) Feedback() string {
	return mustJSON(map[string]any{"success": true, "id": r.ID})
}

func (EmailResult) isToolResult() {}

// SkippedResult answers a repeated send_email within the same run.
type SkippedResult struct {
	Name   string
	Reason string
}

func (r SkippedResult) Tool() string { return r.Name }

func (r SkippedResult) Feedback() string {
	return mustJSON(map[string]any{"success": true, "skipped": true, "reason": r.Reason})
}

func (SkippedResult) isToolResult() {}

// FailureResult is any tool error, reported back to the model.
type FailureResult struct {
	Name string
	Err  string
}

func (r FailureResult) Tool() string { return r.Name }

func (r FailureResult) Feedback() string {
	return mustJSON(map[string]any{"status": "error", "tool": r.Name, "error": r.Err})
}

func (FailureResult) isToolResult() {}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"status":"error","error":"unencodable tool result"}`
	}
	return string(data)
}

var textToSpeechTool = ToolDefinition{
	Type: "function",
	Function: FunctionDef{
		Name:        ToolTextToSpeech,
		Description: "Generates a voice note from text. Use it to reply with a natural, human voice.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "description": "Text to speak. Use short, natural sentences."},
    "voice_id": {"type": "string", "description": "Voice id (optional, a default is configured)"},
    "model_id": {"type": "string", "description": "Model id (optional, a default is configured)"}
  },
  "required": ["text"]
}`),
	},
}

var sendEmailTool = ToolDefinition{
	Type: "function",
	Function: FunctionDef{
		Name:        ToolSendEmail,
		Description: "Sends an email, for example to hand a case over to technicians or support.",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "to": {"type": "string", "description": "Recipient address"},
    "subject": {"type": "string", "description": "Subject line"},
    "html": {"type": "string", "description": "HTML body"},
    "from": {"type": "string", "description": "Sender address (optional)"}
  },
  "required": ["to", "subject", "html"]
}`),
	},
}

type speechArgs struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
	ModelID string `json:"model_id"`
}

type emailArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	From    string `json:"from"`
}
