package copilot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/copilot/pause"
)

func TestPauseScheduleValidation(t *testing.T) {
	ctrl := pause.New(testLogger())

	_, err := NewPauseSchedule(ScheduleConfig{PauseAt: "not cron"}, ctrl, testLogger())
	assert.ErrorContains(t, err, "pause_at")

	_, err = NewPauseSchedule(ScheduleConfig{ResumeAt: "61 * * * *"}, ctrl, testLogger())
	assert.ErrorContains(t, err, "resume_at")

	_, err = NewPauseSchedule(ScheduleConfig{PauseAt: "@daily", Timezone: "Mars/Olympus"}, ctrl, testLogger())
	assert.ErrorContains(t, err, "timezone")
}

func TestPauseScheduleNext(t *testing.T) {
	ctrl := pause.New(testLogger())
	s, err := NewPauseSchedule(ScheduleConfig{
		PauseAt:  "0 19 * * 1-5",
		ResumeAt: "0 8 * * 1-5",
		Timezone: "America/Sao_Paulo",
	}, ctrl, testLogger())
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	// Friday 2026-10-16 12:00 local.
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, loc)

	assert.True(t, s.NextPause(now).Equal(time.Date(2026, 10, 16, 19, 0, 0, 0, loc)))
	assert.True(t, s.NextResume(now).Equal(time.Date(2026, 10, 19, 8, 0, 0, 0, loc)))

	empty, err := NewPauseSchedule(ScheduleConfig{}, ctrl, testLogger())
	require.NoError(t, err)
	assert.True(t, empty.NextPause(now).IsZero())
}

func TestPauseScheduleJobs(t *testing.T) {
	ctrl := pause.New(testLogger())
	s, err := NewPauseSchedule(ScheduleConfig{PauseAt: "@hourly"}, ctrl, testLogger())
	require.NoError(t, err)

	s.pauseJob()
	assert.True(t, ctrl.Global())
	s.resumeJob()
	assert.False(t, ctrl.Global())

	s.Start()
	s.Stop()
}
