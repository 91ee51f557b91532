package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot"
)

func TestRootRegistersCommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, name := range []string{"serve", "chat", "setup", "secret", "history", "completion"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("vault"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "*****", maskSecret("abcde"))
	assert.Equal(t, "sk-ant...wxyz", maskSecret("sk-ant-0123456789wxyz"))
}

func TestSetSecretReference(t *testing.T) {
	cfg := copilot.DefaultConfig()
	for _, name := range copilot.SecretNames() {
		setSecretReference(cfg, name)
	}
	assert.Equal(t, "${ANTHROPIC_API_KEY}", cfg.API.APIKey)
	assert.Equal(t, "${ELEVENLABS_API_KEY}", cfg.TTS.ElevenLabs.APIKey)
	assert.Equal(t, "${OPENAI_API_KEY}", cfg.TTS.OpenAI.APIKey)
	assert.Equal(t, "${RESEND_API_KEY}", cfg.Email.APIKey)
	assert.Equal(t, "${GEMINI_API_KEY}", cfg.Media.APIKey)
	assert.Equal(t, "${ZAPCLAW_GATEWAY_TOKEN}", cfg.Gateway.AuthToken)
}

func TestApplyAnswers(t *testing.T) {
	cfg := copilot.DefaultConfig()
	err := applyAnswers(cfg, &setupAnswers{
		name:           "Loja da Ana",
		model:          "claude-sonnet-4-5",
		ttsProvider:    "openai",
		historyBackend: "sqlite",
		pauseAt:        "0 19 * * 1-5",
		resumeAt:       "0 8 * * 1-5",
		timezone:       "America/Sao_Paulo",
	})
	require.NoError(t, err)
	assert.Equal(t, "Loja da Ana", cfg.Name)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Agent.Model)
	assert.Equal(t, "openai", cfg.TTS.Provider)
	assert.Equal(t, "sqlite", cfg.History.Backend)
	assert.Equal(t, "./data/history.db", cfg.History.Path)
	assert.False(t, cfg.Media.Enabled)
	assert.True(t, cfg.Schedule.Enabled())

	err = applyAnswers(copilot.DefaultConfig(), &setupAnswers{model: "m", historyBackend: "file", ttsProvider: "none", pauseAt: "not cron"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pause_at")
}
