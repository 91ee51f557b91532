package pause

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController() *Controller {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGate(t *testing.T) {
	at := time.Unix(2000, 0)

	t.Run("fresh controller allows", func(t *testing.T) {
		c := newController()
		ok, reason := c.Allow("x", at)
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("global pause blocks everyone", func(t *testing.T) {
		c := newController()
		c.SetGlobal(true)
		ok, reason := c.Allow("x", at)
		assert.False(t, ok)
		assert.Equal(t, ReasonGlobal, reason)

		c.SetGlobal(false)
		ok, _ = c.Allow("x", at)
		assert.True(t, ok)
	})

	t.Run("paused conversation blocked regardless of global", func(t *testing.T) {
		c := newController()
		c.Pause("x", ReasonManualOverride, "Ana", at)

		ok, reason := c.Allow("x", at)
		assert.False(t, ok)
		assert.Equal(t, ReasonPaused, reason)

		c.SetGlobal(true)
		c.SetGlobal(false)
		ok, _ = c.Allow("x", at)
		assert.False(t, ok, "global toggles never unpause a conversation")

		ok, _ = c.Allow("y", at)
		assert.True(t, ok, "other conversations unaffected")
	})

	t.Run("resume cutoff is inclusive", func(t *testing.T) {
		c := newController()
		c.Pause("x", ReasonManualOverride, "", at)
		c.ResumeAfter("x", time.Unix(1000, 0))

		ok, reason := c.Allow("x", time.Unix(1000, 0))
		assert.False(t, ok)
		assert.Equal(t, ReasonBeforeCutoff, reason)

		ok, _ = c.Allow("x", time.Unix(1001, 0))
		assert.True(t, ok)
		assert.False(t, c.IsPaused("x"))
	})

	t.Run("cutoff survives a later pause and plain resume", func(t *testing.T) {
		c := newController()
		c.ResumeAfter("x", time.Unix(1000, 0))
		c.Pause("x", ReasonManualOverride, "", at)
		require.True(t, c.Resume("x"))

		ok, _ := c.Allow("x", time.Unix(999, 0))
		assert.False(t, ok)
		cut, ok := c.Cutoff("x")
		assert.True(t, ok)
		assert.Equal(t, time.Unix(1000, 0), cut)
	})
}

func TestPauseKeepsFirstEntry(t *testing.T) {
	c := newController()
	first := time.Unix(100, 0)
	assert.True(t, c.Pause("x", ReasonManualOverride, "Ana", first))
	assert.False(t, c.Pause("x", ReasonDashboard, "Outro", time.Unix(200, 0)))

	st := c.Status()
	require.Len(t, st.PausedChats, 1)
	assert.Equal(t, first, st.PausedChats[0].PausedAt)
	assert.Equal(t, "Ana", st.PausedChats[0].Name)
}

func TestResumeWithoutPause(t *testing.T) {
	c := newController()
	assert.False(t, c.Resume("nobody"))
}

func TestStatusAndObservers(t *testing.T) {
	c := newController()

	var seen []Status
	c.OnChange(func(st Status) { seen = append(seen, st) })
	c.OnChange(func(Status) { panic("boom") })

	c.SetGlobal(true)
	c.SetGlobal(true) // no change, no notification
	c.Pause("a", ReasonManualOverride, "", time.Unix(10, 0))
	c.Pause("b", ReasonManualOverride, "", time.Unix(20, 0))

	require.Len(t, seen, 3)
	last := seen[2]
	assert.True(t, last.GlobalPause)
	require.Len(t, last.PausedChats, 2)
	assert.Equal(t, "b", last.PausedChats[0].ConversationID, "newest pause first")
}

func TestObserverAddedDuringNotify(t *testing.T) {
	c := newController()

	late := 0
	outer := 0
	c.OnChange(func(Status) {
		outer++
		if outer == 1 {
			c.OnChange(func(Status) { late++ })
		}
	})

	c.SetGlobal(true)
	assert.Equal(t, 1, outer)
	assert.Zero(t, late, "observers registered mid-notify wait for the next change")

	c.SetGlobal(false)
	assert.Equal(t, 2, outer)
	assert.Equal(t, 1, late)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"@stop", CommandStop},
		{"  @STOP  ", CommandStop},
		{"@stop agora", CommandStop},
		{"@play", CommandPlay},
		{"@Continue", CommandContinue},
		{"@clean", CommandClean},
		{"@stopped", CommandNone},
		{"please @stop", CommandNone},
		{"oi", CommandNone},
		{"", CommandNone},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.in))
		})
	}
	assert.Equal(t, "@continue", CommandContinue.String())
}
