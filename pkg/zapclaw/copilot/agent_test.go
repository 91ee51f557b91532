package copilot

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/history"
)

func newTestAgent(llm completer, speech *fakeSpeech, mail *fakeMail) *Agent {
	var exec *ToolExecutor
	switch {
	case speech != nil && mail != nil:
		exec = NewToolExecutor(speech, "voice-a", mail, time.Second, testLogger())
	case speech != nil:
		exec = NewToolExecutor(speech, "voice-a", nil, time.Second, testLogger())
	case mail != nil:
		exec = NewToolExecutor(nil, "", mail, time.Second, testLogger())
	}
	return newAgent(llm, exec, AgentConfig{Instructions: "Be helpful.", MaxIterations: 10}, testLogger())
}

func TestAgentPlainReply(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{Content: "Olá! Como posso ajudar?"}}}
	a := newTestAgent(llm, nil, nil)

	prior := []history.Turn{
		{Role: history.RoleUser, Content: "oi"},
		{Role: history.RoleAssistant, Content: "Olá"},
	}
	res, err := a.Run(context.Background(), prior, "quero um orçamento")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.AudioOverride)
	require.Len(t, res.Payload.Parts, 1)
	assert.Equal(t, "Olá! Como posso ajudar?", res.Payload.Parts[0].Text)
	assert.Equal(t, "Olá! Como posso ajudar?", res.Summary)

	require.Len(t, llm.calls, 1)
	msgs := llm.calls[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "Be helpful.", msgs[0].Content)
	assert.Equal(t, "user", msgs[3].Role)
	assert.Equal(t, "quero um orçamento", msgs[3].Content)
}

func TestAgentInvalidInput(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{Content: "x"}}}
	a := newTestAgent(llm, nil, nil)

	_, err := a.Run(context.Background(), nil, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = a.Run(context.Background(), []history.Turn{{Role: "system", Content: "x"}}, "hi")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Zero(t, llm.callCount())
}

func TestAgentDropsLeadingAssistantTurns(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{Content: "ok"}}}
	a := newTestAgent(llm, nil, nil)

	prior := []history.Turn{
		{Role: history.RoleAssistant, Content: "earlier"},
		{Role: history.RoleUser, Content: ""},
		{Role: history.RoleUser, Content: "first"},
	}
	_, err := a.Run(context.Background(), prior, "second")
	require.NoError(t, err)

	msgs := llm.calls[0]
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, "second", msgs[2].Content)
}

func TestAgentAudioOverride(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{toolCall("c1", ToolTextToSpeech, `{"text":"Bom dia!"}`)}},
		{Content: "Pronto, mandei o áudio."},
	}}
	speech := &fakeSpeech{audio: []byte("voice")}
	a := newTestAgent(llm, speech, nil)

	res, err := a.Run(context.Background(), nil, "me manda um áudio")
	require.NoError(t, err)

	assert.True(t, res.AudioOverride)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Payload.Parts, 1)
	assert.Equal(t, PartAudio, res.Payload.Parts[0].Type)
	assert.Equal(t, []byte("voice"), res.Payload.Parts[0].Audio)
	assert.Equal(t, history.AudioPlaceholder, res.Summary)
	assert.Equal(t, []string{"Bom dia!"}, speech.texts)
	assert.Equal(t, []string{"voice-a"}, speech.voices)

	// The second round sees the assistant tool call and a blob-free result.
	second := llm.calls[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, `{"success":true,"message":"Audio generated successfully"}`, last.Content)
	assert.NotContains(t, last.Content, base64.StdEncoding.EncodeToString([]byte("voice")))
}

func TestAgentEmailOncePerRun(t *testing.T) {
	args := `{"to":"tech@example.com","subject":"Lead","html":"<p>x</p>"}`
	llm := &scriptedLLM{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{toolCall("e1", ToolSendEmail, args)}},
		{ToolCalls: []ToolCall{toolCall("e2", ToolSendEmail, args)}},
		{Content: "Encaminhei para a equipe."},
	}}
	mail := &fakeMail{}
	a := newTestAgent(llm, nil, mail)

	res, err := a.Run(context.Background(), nil, "preciso de suporte")
	require.NoError(t, err)
	assert.Equal(t, 1, mail.count())
	assert.Equal(t, "Encaminhei para a equipe.", res.Summary)

	third := llm.calls[2]
	last := third[len(third)-1]
	assert.Equal(t, "e2", last.ToolCallID)
	assert.Contains(t, last.Content, `"skipped":true`)
}

func TestAgentEmailFailureCountsAsAttempt(t *testing.T) {
	args := `{"to":"tech@example.com","subject":"Lead","html":"<p>x</p>"}`
	llm := &scriptedLLM{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{toolCall("e1", ToolSendEmail, args)}},
		{ToolCalls: []ToolCall{toolCall("e2", ToolSendEmail, args)}},
		{Content: "Não consegui enviar agora."},
	}}
	mail := &fakeMail{err: errors.New("smtp down")}
	a := newTestAgent(llm, nil, mail)

	_, err := a.Run(context.Background(), nil, "suporte")
	require.NoError(t, err)
	assert.Equal(t, 1, mail.count())

	second := llm.calls[1]
	assert.Contains(t, second[len(second)-1].Content, `"status":"error"`)
}

func TestAgentMaxIterations(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{toolCall("c", "lookup", `{}`)}},
	}}
	a := newCappedAgent(llm, 3)

	_, err := a.Run(context.Background(), nil, "loop")
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, 3, llm.callCount())
}

func newCappedAgent(llm completer, maxIter int) *Agent {
	return newAgent(llm, nil, AgentConfig{MaxIterations: maxIter}, testLogger())
}

func TestAgentUnknownToolReportedToModel(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{ToolCalls: []ToolCall{toolCall("c", "lookup", `{}`)}},
		{Content: "feito"},
	}}
	a := newTestAgent(llm, &fakeSpeech{}, nil)

	res, err := a.Run(context.Background(), nil, "oi")
	require.NoError(t, err)
	assert.Equal(t, "feito", res.Summary)
	second := llm.calls[1]
	assert.Contains(t, second[len(second)-1].Content, `unknown tool`)
}

func TestAgentStructuredReply(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("clip"))
	llm := &scriptedLLM{responses: []*LLMResponse{{
		Content: `{"messages":[{"type":"text","text":"Segue:"},{"type":"audio","audio_base64":"` + audio + `","mime_type":"audio/ogg","caption":"resumo"}]}`,
	}}}
	a := newTestAgent(llm, nil, nil)

	res, err := a.Run(context.Background(), nil, "oi")
	require.NoError(t, err)
	require.Len(t, res.Payload.Parts, 2)
	assert.Equal(t, "Segue:\n[Audio]: resumo", res.Summary)
}

func TestAgentLLMErrorPropagates(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("boom")}
	a := newTestAgent(llm, nil, nil)

	_, err := a.Run(context.Background(), nil, "oi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotErrorIs(t, err, ErrMaxIterations)
}

func TestAgentOffersOnlyConfiguredTools(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{{Content: "ok"}}}
	a := newTestAgent(llm, nil, &fakeMail{})

	_, err := a.Run(context.Background(), nil, "oi")
	require.NoError(t, err)
	require.Len(t, llm.tools[0], 1)
	assert.Equal(t, ToolSendEmail, llm.tools[0][0].Function.Name)
}
